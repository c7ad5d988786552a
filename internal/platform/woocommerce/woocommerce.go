// Package woocommerce adapts the WooCommerce REST API (wc/v3) to the platform capability set
package woocommerce

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
const Platform = "woocommerce"

const perPage = 100

// Adapter talks to one WooCommerce site
type Adapter struct {
	client   *platform.RESTClient
	currency string
}

// New builds an adapter from store configuration. BaseURL is the site root;
// APIKey and APISecret are the consumer key and secret.
func New(store platform.Store, logger *slog.Logger) (platform.Adapter, error) {
	if store.BaseURL == "" {
		return nil, errors.New("woocommerce: base_url is required")
	}
	if store.APIKey == "" || store.APISecret == "" {
		return nil, errors.New("woocommerce: api_key and api_secret are required")
	}

	key, secret := store.APIKey, store.APISecret
	client := platform.NewRESTClient(store, store.BaseURL+"/wp-json/wc/v3", func(req *http.Request) {
		req.SetBasicAuth(key, secret)
	}, logger)

	return &Adapter{client: client, currency: store.Currency}, nil
}

func (a *Adapter) Platform() string {
	return Platform
}

// =============================================================================
// Wire types
// =============================================================================

type attribute struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

type product struct {
	ID            int64       `json:"id,omitempty"`
	Name          string      `json:"name"`
	SKU           string      `json:"sku"`
	Description   string      `json:"description"`
	Status        string      `json:"status,omitempty"`
	RegularPrice  string      `json:"regular_price"`
	ManageStock   bool        `json:"manage_stock"`
	StockQuantity *int        `json:"stock_quantity"`
	Attributes    []attribute `json:"attributes,omitempty"`
}

type lineItem struct {
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type order struct {
	ID        int64      `json:"id,omitempty"`
	Number    string     `json:"number"`
	Status    string     `json:"status"`
	Total     string     `json:"total"`
	Currency  string     `json:"currency"`
	LineItems []lineItem `json:"line_items"`
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
		SKU:         p.SKU,
		Title:       p.Name,
		Description: p.Description,
		Status:      productStatusToNeutral(p.Status),
		Price:       parseDecimal(p.RegularPrice),
		Currency:    a.currency,
	}
	if p.StockQuantity != nil {
		e.Quantity = *p.StockQuantity
	}
	if len(p.Attributes) > 0 {
		e.Attributes = make(map[string]string, len(p.Attributes))
		for _, attr := range p.Attributes {
			if len(attr.Options) > 0 {
				e.Attributes[attr.Name] = attr.Options[0]
			}
		}
	}
	return e
}

func entityToProduct(e models.Entity) product {
	qty := e.Quantity
	p := product{
		Name:          e.Title,
		SKU:           e.SKU,
		Description:   e.Description,
		Status:        productStatusFromNeutral(e.Status),
		RegularPrice:  e.Price.StringFixed(2),
		ManageStock:   true,
		StockQuantity: &qty,
	}

	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.Attributes = append(p.Attributes, attribute{Name: name, Options: []string{e.Attributes[name]}})
	}
	return p
}

// WooCommerce publishes products as "publish"; the neutral form follows Shopify's "active"
func productStatusToNeutral(s string) string {
	switch s {
	case "publish":
		return "active"
	case "private", "pending":
		return "draft"
	}
	return s
}

func productStatusFromNeutral(s string) string {
	switch s {
	case "active":
		return "publish"
	case "archived":
		return "private"
	}
	return s
}

func orderToEntity(o order) models.Entity {
	e := models.Entity{
		ID:       strconv.FormatInt(o.ID, 10),
		SKU:      o.Number,
		Status:   o.Status,
		Price:    parseDecimal(o.Total),
		Currency: o.Currency,
	}
	for _, li := range o.LineItems {
		e.Lines = append(e.Lines, models.OrderLine{
			SKU:      li.SKU,
			Quantity: li.Quantity,
			Price:    decimal.NewFromFloat(li.Price),
		})
	}
	return e
}

func entityToOrder(e models.Entity) order {
	o := order{
		Number:   e.SKU,
		Status:   e.Status,
		Total:    e.Price.StringFixed(2),
		Currency: e.Currency,
	}
	for _, l := range e.Lines {
		price, _ := l.Price.Float64()
		o.LineItems = append(o.LineItems, lineItem{SKU: l.SKU, Quantity: l.Quantity, Price: price})
	}
	return o
}

func resource(t models.SyncType) string {
	if t == models.SyncTypeOrders {
		return "/orders"
	}
	return "/products"
}

func checkID(storeID, op, id string) error {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return &models.AdapterError{StoreID: storeID, Op: op, Err: fmt.Errorf("invalid woocommerce id %q", id)}
	}
	return nil
}

// =============================================================================
// Capability set
// =============================================================================

func (a *Adapter) FetchEntities(ctx context.Context, t models.SyncType) ([]models.Entity, error) {
	out := []models.Entity{}

	for page := 1; ; page++ {
		query := url.Values{
			"per_page": {strconv.Itoa(perPage)},
			"page":     {strconv.Itoa(page)},
		}

		var (
			header http.Header
			err    error
			n      int
		)
		if t == models.SyncTypeOrders {
			var orders []order
			header, err = a.client.Do(ctx, http.MethodGet, "/orders", query, nil, &orders)
			for _, o := range orders {
				out = append(out, orderToEntity(o))
			}
			n = len(orders)
		} else {
			var products []product
			header, err = a.client.Do(ctx, http.MethodGet, "/products", query, nil, &products)
			for _, p := range products {
				out = append(out, a.productToEntity(p))
			}
			n = len(products)
		}
		if err != nil {
			return nil, err
		}

		totalPages, convErr := strconv.Atoi(header.Get("X-WP-TotalPages"))
		if n < perPage || (convErr == nil && page >= totalPages) {
			return out, nil
		}
	}
}

func (a *Adapter) GetEntity(ctx context.Context, t models.SyncType, id string) (models.Entity, error) {
	if err := checkID(a.client.StoreID, "get", id); err != nil {
		return models.Entity{}, err
	}

	if t == models.SyncTypeOrders {
		var o order
		if _, err := a.client.Do(ctx, http.MethodGet, "/orders/"+id, nil, nil, &o); err != nil {
			return models.Entity{}, err
		}
		return orderToEntity(o), nil
	}

	var p product
	if _, err := a.client.Do(ctx, http.MethodGet, "/products/"+id, nil, nil, &p); err != nil {
		return models.Entity{}, err
	}
	return a.productToEntity(p), nil
}

func (a *Adapter) ApplyEntity(ctx context.Context, t models.SyncType, e models.Entity) (models.Entity, error) {
	if e.ID != "" {
		if err := checkID(a.client.StoreID, "apply", e.ID); err != nil {
			return models.Entity{}, err
		}
		// merge onto the current entity so fields outside the sync type survive
		current, err := a.GetEntity(ctx, t, e.ID)
		if err != nil {
			return models.Entity{}, err
		}
		e = current.MergeFrom(e, t)
	}

	var body any
	if t == models.SyncTypeOrders {
		body = entityToOrder(e)
	} else {
		body = entityToProduct(e)
	}

	method, path := http.MethodPost, resource(t)
	if e.ID != "" {
		method, path = http.MethodPut, resource(t)+"/"+e.ID
	}

	if t == models.SyncTypeOrders {
		var o order
		if _, err := a.client.Do(ctx, method, path, nil, body, &o); err != nil {
			return models.Entity{}, err
		}
		return orderToEntity(o), nil
	}

	var p product
	if _, err := a.client.Do(ctx, method, path, nil, body, &p); err != nil {
		return models.Entity{}, err
	}
	return a.productToEntity(p), nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.client.Do(ctx, http.MethodGet, "/system_status", nil, nil, nil)
	return err
}
