// Package shopify adapts the Shopify Admin REST API to the platform capability set
package shopify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
)

// Platform is the name this adapter reports
const Platform = "shopify"

const (
	apiVersion = "2024-01"
	pageSize   = 250
)

// Adapter talks to one Shopify shop
type Adapter struct {
	client   *platform.RESTClient
	currency string
}

// New builds an adapter from store configuration. BaseURL is the shop root,
// e.g. https://example.myshopify.com; APIKey is the Admin API access token.
func New(store platform.Store, logger *slog.Logger) (platform.Adapter, error) {
	if store.BaseURL == "" {
		return nil, errors.New("shopify: base_url is required")
	}
	if store.APIKey == "" {
		return nil, errors.New("shopify: api_key is required")
	}

	token := store.APIKey
	client := platform.NewRESTClient(store, store.BaseURL+"/admin/api/"+apiVersion, func(req *http.Request) {
		req.Header.Set("X-Shopify-Access-Token", token)
	}, logger)

	return &Adapter{client: client, currency: store.Currency}, nil
}

func (a *Adapter) Platform() string {
	return Platform
}

// =============================================================================
// Wire types
// =============================================================================

type variant struct {
	ID                int64  `json:"id,omitempty"`
	SKU               string `json:"sku"`
	Price             string `json:"price"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

type option struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type product struct {
	ID       int64     `json:"id,omitempty"`
	Title    string    `json:"title"`
	BodyHTML string    `json:"body_html"`
	Status   string    `json:"status,omitempty"`
	Options  []option  `json:"options,omitempty"`
	Variants []variant `json:"variants"`
}

type lineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

type order struct {
	ID              int64      `json:"id,omitempty"`
	Name            string     `json:"name"`
	FinancialStatus string     `json:"financial_status"`
	TotalPrice      string     `json:"total_price"`
	Currency        string     `json:"currency"`
	LineItems       []lineItem `json:"line_items"`
}

type productEnvelope struct {
	Product product `json:"product"`
}

type productsEnvelope struct {
	Products []product `json:"products"`
}

type orderEnvelope struct {
	Order order `json:"order"`
}

type ordersEnvelope struct {
	Orders []order `json:"orders"`
}

// =============================================================================
// Conversion
// =============================================================================

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a *Adapter) productToEntity(p product) models.Entity {
	e := models.Entity{
		ID:          strconv.FormatInt(p.ID, 10),
		Title:       p.Title,
		Description: p.BodyHTML,
		Status:      p.Status,
		Currency:    a.currency,
	}
	if len(p.Variants) > 0 {
		v := p.Variants[0]
		e.SKU = v.SKU
		e.Quantity = v.InventoryQuantity
		e.Price = parseDecimal(v.Price)
	}
	if len(p.Options) > 0 {
		e.Attributes = make(map[string]string, len(p.Options))
		for _, o := range p.Options {
			if len(o.Values) > 0 {
				e.Attributes[o.Name] = o.Values[0]
			}
		}
	}
	return e
}

func entityToProduct(e models.Entity, variantID int64) product {
	p := product{
		Title:    e.Title,
		BodyHTML: e.Description,
		Status:   e.Status,
		Variants: []variant{{
			ID:                variantID,
			SKU:               e.SKU,
			Price:             e.Price.StringFixed(2),
			InventoryQuantity: e.Quantity,
		}},
	}

	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.Options = append(p.Options, option{Name: name, Values: []string{e.Attributes[name]}})
	}
	return p
}

func orderToEntity(o order) models.Entity {
	e := models.Entity{
		ID:       strconv.FormatInt(o.ID, 10),
		SKU:      o.Name,
		Status:   o.FinancialStatus,
		Price:    parseDecimal(o.TotalPrice),
		Currency: o.Currency,
	}
	for _, li := range o.LineItems {
		e.Lines = append(e.Lines, models.OrderLine{SKU: li.SKU, Quantity: li.Quantity, Price: parseDecimal(li.Price)})
	}
	return e
}

func entityToOrder(e models.Entity) order {
	o := order{
		Name:            e.SKU,
		FinancialStatus: e.Status,
		TotalPrice:      e.Price.StringFixed(2),
		Currency:        e.Currency,
	}
	for _, l := range e.Lines {
		o.LineItems = append(o.LineItems, lineItem{SKU: l.SKU, Quantity: l.Quantity, Price: l.Price.StringFixed(2)})
	}
	return o
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid shopify id %q", id)
	}
	return n, nil
}

// =============================================================================
// Capability set
// =============================================================================

func (a *Adapter) FetchEntities(ctx context.Context, t models.SyncType) ([]models.Entity, error) {
	var (
		out     = []models.Entity{}
		sinceID int64
	)

	for {
		query := url.Values{
			"limit":    {strconv.Itoa(pageSize)},
			"since_id": {strconv.FormatInt(sinceID, 10)},
		}

		if t == models.SyncTypeOrders {
			query.Set("status", "any")
			var page ordersEnvelope
			if _, err := a.client.Do(ctx, http.MethodGet, "/orders.json", query, nil, &page); err != nil {
				return nil, err
			}
			for _, o := range page.Orders {
				out = append(out, orderToEntity(o))
				sinceID = max(sinceID, o.ID)
			}
			if len(page.Orders) < pageSize {
				return out, nil
			}
			continue
		}

		var page productsEnvelope
		if _, err := a.client.Do(ctx, http.MethodGet, "/products.json", query, nil, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Products {
			out = append(out, a.productToEntity(p))
			sinceID = max(sinceID, p.ID)
		}
		if len(page.Products) < pageSize {
			return out, nil
		}
	}
}

func (a *Adapter) GetEntity(ctx context.Context, t models.SyncType, id string) (models.Entity, error) {
	if _, err := parseID(id); err != nil {
		return models.Entity{}, &models.AdapterError{StoreID: a.client.StoreID, Op: "get", Err: err}
	}

	if t == models.SyncTypeOrders {
		var env orderEnvelope
		if _, err := a.client.Do(ctx, http.MethodGet, "/orders/"+id+".json", nil, nil, &env); err != nil {
			return models.Entity{}, err
		}
		return orderToEntity(env.Order), nil
	}

	p, err := a.getProduct(ctx, id)
	if err != nil {
		return models.Entity{}, err
	}
	return a.productToEntity(p), nil
}

func (a *Adapter) getProduct(ctx context.Context, id string) (product, error) {
	var env productEnvelope
	if _, err := a.client.Do(ctx, http.MethodGet, "/products/"+id+".json", nil, nil, &env); err != nil {
		return product{}, err
	}
	return env.Product, nil
}

func (a *Adapter) ApplyEntity(ctx context.Context, t models.SyncType, e models.Entity) (models.Entity, error) {
	if t == models.SyncTypeOrders {
		return a.applyOrder(ctx, e)
	}

	if e.ID == "" {
		var env productEnvelope
		if _, err := a.client.Do(ctx, http.MethodPost, "/products.json", nil, productEnvelope{Product: entityToProduct(e, 0)}, &env); err != nil {
			return models.Entity{}, err
		}
		return a.productToEntity(env.Product), nil
	}

	// merge onto the current product so fields outside the sync type survive
	current, err := a.getProduct(ctx, e.ID)
	if err != nil {
		return models.Entity{}, err
	}
	merged := a.productToEntity(current).MergeFrom(e, t)

	var variantID int64
	if len(current.Variants) > 0 {
		variantID = current.Variants[0].ID
	}
	update := entityToProduct(merged, variantID)
	update.ID = current.ID

	var env productEnvelope
	if _, err := a.client.Do(ctx, http.MethodPut, "/products/"+e.ID+".json", nil, productEnvelope{Product: update}, &env); err != nil {
		return models.Entity{}, err
	}
	return a.productToEntity(env.Product), nil
}

func (a *Adapter) applyOrder(ctx context.Context, e models.Entity) (models.Entity, error) {
	body := orderEnvelope{Order: entityToOrder(e)}

	method, path := http.MethodPost, "/orders.json"
	if e.ID != "" {
		id, err := parseID(e.ID)
		if err != nil {
			return models.Entity{}, &models.AdapterError{StoreID: a.client.StoreID, Op: "apply", Err: err}
		}
		body.Order.ID = id
		method, path = http.MethodPut, "/orders/"+e.ID+".json"
	}

	var env orderEnvelope
	if _, err := a.client.Do(ctx, method, path, nil, body, &env); err != nil {
		return models.Entity{}, err
	}
	return orderToEntity(env.Order), nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.client.Do(ctx, http.MethodGet, "/shop.json", nil, nil, nil)
	return err
}
