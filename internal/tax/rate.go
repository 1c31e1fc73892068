package tax

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownZone marks a rate that references a zone that does not exist.
	ErrUnknownZone = errors.New("tax rate references unknown zone")
	// ErrMissingCategory is returned for line items that reached taxation without a tax category.
	ErrMissingCategory = errors.New("line item has no tax category")
)

// Taxable selects the base a rate is computed against.
type Taxable string

const (
	TaxablePrice         Taxable = "price"
	TaxableShipping      Taxable = "shipping"
	TaxablePriceShipping Taxable = "price_shipping"
)

// Basis selects which order address locates the customer for taxation.
type Basis string

const (
	BasisShipping Basis = "shipping"
	BasisBilling  Basis = "billing"
)

// ParseBasis maps a configuration value to a Basis.
func ParseBasis(value string) (Basis, error) {
	switch Basis(strings.ToLower(strings.TrimSpace(value))) {
	case "", BasisShipping:
		return BasisShipping, nil
	case BasisBilling:
		return BasisBilling, nil
	default:
		return BasisShipping, fmt.Errorf("tax: unknown address basis %q", value)
	}
}

// Rate is a tax rate for one tax category within a zone.
type Rate struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	// ZoneID 0 applies everywhere, including orders without an address.
	ZoneID        int64           `json:"zoneId,omitempty"`
	TaxCategoryID string          `json:"taxCategoryId"`
	Rate          decimal.Decimal `json:"rate"`
	// Included rates are already part of the price and reported only.
	Included bool    `json:"included"`
	Taxable  Taxable `json:"taxable"`
}

// Source enumerates tax rates.
type Source interface {
	ListTaxRates(ctx context.Context) ([]Rate, error)
}

// Validate performs save-time checks on the rate.
func (r Rate) Validate() error {
	if r.Rate.IsNegative() {
		return fmt.Errorf("tax rate %d: negative rate", r.ID)
	}
	if r.TaxCategoryID == "" {
		return fmt.Errorf("tax rate %d: tax category required", r.ID)
	}
	switch r.Taxable {
	case TaxablePrice, TaxableShipping, TaxablePriceShipping:
	default:
		return fmt.Errorf("tax rate %d: unknown taxable %q", r.ID, r.Taxable)
	}
	return nil
}

func (r Rate) taxable() Taxable {
	if r.Taxable == "" {
		return TaxablePrice
	}
	return r.Taxable
}
