/*
Package pricing holds the catalog of purchasable credit bundles.

PURPOSE:
  Read-only. Checkout is handled elsewhere; the service only publishes
  what a bundle contains and costs so the client can render it.

PRECISION:
  Prices are decimal.Decimal. Per-credit prices are rounded to 4 places
  for display and never used for charging.
*/
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Bundle is one purchasable pack of credits.
type Bundle struct {
	ID       string
	Name     string
	Credits  int64
	Price    decimal.Decimal
	Currency string
}

// PerCredit returns Price / Credits rounded to 4 decimal places.
func (b Bundle) PerCredit() decimal.Decimal {
	if b.Credits <= 0 {
		return decimal.Zero
	}
	return b.Price.Div(decimal.NewFromInt(b.Credits)).Round(4)
}

// Catalog is an ordered, immutable set of bundles.
type Catalog struct {
	bundles []Bundle
	byID    map[string]Bundle
}

// NewCatalog validates bundles and orders them by credits ascending.
func NewCatalog(bundles []Bundle) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Bundle, len(bundles))}
	for _, b := range bundles {
		if b.ID == "" {
			return nil, fmt.Errorf("bundle id is required")
		}
		if _, dup := c.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate bundle id %q", b.ID)
		}
		if b.Credits <= 0 {
			return nil, fmt.Errorf("bundle %q: credits must be positive", b.ID)
		}
		if !b.Price.IsPositive() {
			return nil, fmt.Errorf("bundle %q: price must be positive", b.ID)
		}
		c.byID[b.ID] = b
		c.bundles = append(c.bundles, b)
	}
	sort.SliceStable(c.bundles, func(i, j int) bool {
		return c.bundles[i].Credits < c.bundles[j].Credits
	})
	return c, nil
}

// DefaultCatalog returns the standard bundles in currency.
func DefaultCatalog(currency string) *Catalog {
	if currency == "" {
		currency = "USD"
	}
	c, err := NewCatalog([]Bundle{
		{ID: "starter", Name: "Starter", Credits: 50, Price: decimal.RequireFromString("4.99"), Currency: currency},
		{ID: "creator", Name: "Creator", Credits: 200, Price: decimal.RequireFromString("14.99"), Currency: currency},
		{ID: "studio", Name: "Studio", Credits: 1000, Price: decimal.RequireFromString("49.99"), Currency: currency},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// Bundles returns the bundles, cheapest first.
func (c *Catalog) Bundles() []Bundle {
	out := make([]Bundle, len(c.bundles))
	copy(out, c.bundles)
	return out
}

// Get looks up a bundle by id.
func (c *Catalog) Get(id string) (Bundle, bool) {
	b, ok := c.byID[id]
	return b, ok
}

// BestValue returns the bundle with the lowest per-credit price.
func (c *Catalog) BestValue() (Bundle, bool) {
	if len(c.bundles) == 0 {
		return Bundle{}, false
	}
	best := c.bundles[0]
	for _, b := range c.bundles[1:] {
		if b.PerCredit().LessThan(best.PerCredit()) {
			best = b
		}
	}
	return best, true
}
