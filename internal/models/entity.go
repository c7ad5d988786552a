package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Entity is the platform-neutral shape of a product or order as exchanged with adapters.
// SKU is the merchant-facing key: the product SKU, or the order number for orders.
type Entity struct {
	ID          string            `json:"id,omitempty"`
	SKU         string            `json:"sku"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status,omitempty"`
	Quantity    int               `json:"quantity"`
	Price       decimal.Decimal   `json:"price"`
	Currency    string            `json:"currency,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Lines       []OrderLine       `json:"lines,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty"`
}

// OrderLine is one line item of an order
type OrderLine struct {
	SKU      string          `json:"sku"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type inventoryView struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type priceView struct {
	SKU      string `json:"sku"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

type productView struct {
	SKU         string            `json:"sku"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	Price       string            `json:"price"`
	Currency    string            `json:"currency"`
	Attributes  map[string]string `json:"attributes"`
}

type orderLineView struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

type orderView struct {
	Number   string          `json:"number"`
	Status   string          `json:"status"`
	Total    string          `json:"total"`
	Currency string          `json:"currency"`
	Lines    []orderLineView `json:"lines"`
}

// canonicalView returns the fields a sync type compares and propagates.
// Platform IDs and timestamps are excluded so both sides of a mapping hash alike.
func (e Entity) canonicalView(t SyncType) any {
	switch t {
	case SyncTypeInventory:
		return inventoryView{SKU: e.SKU, Quantity: e.Quantity}
	case SyncTypePrices:
		return priceView{SKU: e.SKU, Price: e.Price.String(), Currency: strings.ToUpper(e.Currency)}
	case SyncTypeProducts:
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		return productView{
			SKU:         e.SKU,
			Title:       e.Title,
			Description: e.Description,
			Status:      e.Status,
			Price:       e.Price.String(),
			Currency:    strings.ToUpper(e.Currency),
			Attributes:  attrs,
		}
	case SyncTypeOrders:
		lines := make([]orderLineView, 0, len(e.Lines))
		for _, l := range e.Lines {
			lines = append(lines, orderLineView{SKU: l.SKU, Quantity: l.Quantity, Price: l.Price.String()})
		}
		sort.Slice(lines, func(i, j int) bool {
			if lines[i].SKU != lines[j].SKU {
				return lines[i].SKU < lines[j].SKU
			}
			return lines[i].Quantity < lines[j].Quantity
		})
		return orderView{
			Number:   e.SKU,
			Status:   e.Status,
			Total:    e.Price.String(),
			Currency: strings.ToUpper(e.Currency),
			Lines:    lines,
		}
	}
	return e
}

// ContentHash returns a stable fingerprint of the fields relevant to t
func (e Entity) ContentHash(t SyncType) string {
	// encoding/json sorts map keys, so the encoding is deterministic
	data, err := json.Marshal(e.canonicalView(t))
	if err != nil {
		// all view fields are plain strings and ints
		panic(err)
	}
	sum := sha256.Sum256(append([]byte(string(t)+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// MergeFrom returns a copy of e with the fields relevant to t taken from src.
// Fields outside the sync type are left as they were on e.
func (e Entity) MergeFrom(src Entity, t SyncType) Entity {
	out := e.Clone()
	switch t {
	case SyncTypeInventory:
		out.Quantity = src.Quantity
	case SyncTypePrices:
		out.Price = src.Price
		out.Currency = src.Currency
	case SyncTypeProducts:
		out.Title = src.Title
		out.Description = src.Description
		out.Status = src.Status
		out.Price = src.Price
		out.Currency = src.Currency
		out.Attributes = cloneAttributes(src.Attributes)
	case SyncTypeOrders:
		out.Status = src.Status
		out.Price = src.Price
		out.Currency = src.Currency
		out.Lines = append([]OrderLine(nil), src.Lines...)
	}
	if out.SKU == "" {
		out.SKU = src.SKU
	}
	return out
}

// Clone returns a deep copy of e
func (e Entity) Clone() Entity {
	out := e
	out.Attributes = cloneAttributes(e.Attributes)
	if e.Lines != nil {
		out.Lines = append([]OrderLine(nil), e.Lines...)
	}
	return out
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
