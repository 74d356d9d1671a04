/*
catalog.go - SKU catalog and node-type auto-sync

PURPOSE:
  Manages the billable catalog. SKU codes are immutable once assigned:
  display names can change, codes never do, because rate history hangs
  off the code.

  Node-type SKUs cannot be created through the manual path. They come
  into existence only through the NodeTypeSaved domain event, emitted by
  the collaborator that owns node-type definitions and consumed
  synchronously here (see events.go). The handler creates the linked SKU
  on first sight and seeds its sentinel bootstrap rate, so a node type is
  never priceable-but-rateless.
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Catalog struct {
	SKUs  SKUStore
	Rates *RateLedger
	Now   func() time.Time
}

func NewCatalog(skus SKUStore, rates *RateLedger) *Catalog {
	return &Catalog{SKUs: skus, Rates: rates, Now: time.Now}
}

// CreateSKU creates a fee or package SKU. Category node is rejected here;
// node SKUs are created only by the auto-sync event handler.
func (c *Catalog) CreateSKU(ctx context.Context, sku SKU) (*SKU, error) {
	if sku.Code == "" {
		return nil, &ValidationError{Field: "code", Reason: "must not be empty"}
	}
	if sku.Category == CategoryNode {
		return nil, &ValidationError{Field: "category", Reason: "node SKUs are created by node-type sync only"}
	}
	if sku.Unit != UnitHourly && sku.Unit != UnitMonthly {
		return nil, &ValidationError{Field: "unit", Reason: "must be hourly or monthly"}
	}

	existing, err := c.SKUs.GetSKU(ctx, sku.Code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &ValidationError{Field: "code", Reason: "code already assigned"}
	}

	sku.CreatedAt = c.Now().UTC()
	if err := c.SKUs.SaveSKU(ctx, sku); err != nil {
		return nil, err
	}
	return &sku, nil
}

// UpdateSKU edits the mutable fields of a SKU. The code is the identity
// and is never changed.
func (c *Catalog) UpdateSKU(ctx context.Context, code SKUCode, name string, active, public bool, metadata map[string]string) (*SKU, error) {
	sku, err := c.SKUs.GetSKU(ctx, code)
	if err != nil {
		return nil, err
	}
	if sku == nil {
		return nil, ErrSKUNotFound
	}

	sku.Name = name
	sku.Active = active
	sku.Public = public
	sku.Metadata = metadata
	if err := c.SKUs.SaveSKU(ctx, *sku); err != nil {
		return nil, err
	}
	return sku, nil
}

// HandleNodeTypeSaved is the auto-sync consumer for NodeTypeSaved events.
// First sight of a node type creates its SKU (code = "node-" + name) and
// seeds the sentinel bootstrap rate; later saves refresh the display name.
func (c *Catalog) HandleNodeTypeSaved(ctx context.Context, e NodeTypeSaved) error {
	sku, err := c.SKUs.GetSKUByLinkRef(ctx, e.Name)
	if err != nil {
		return err
	}

	if sku != nil {
		sku.Name = e.DisplayName
		return c.SKUs.SaveSKU(ctx, *sku)
	}

	created := SKU{
		Code:      SKUCode("node-" + e.Name),
		Name:      e.DisplayName,
		Category:  CategoryNode,
		Unit:      UnitHourly,
		Active:    true,
		Public:    true,
		LinkRef:   e.Name,
		CreatedAt: c.Now().UTC(),
	}
	if err := c.SKUs.SaveSKU(ctx, created); err != nil {
		return err
	}
	return c.Rates.SeedBootstrapRate(ctx, created.Code, decimal.Zero, "system")
}
