package domain

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Market resolution applied before conversion, in decimal places.
const (
	QuantityPlaces = 3 // kWh
	PricePlaces    = 4 // fiat per kWh
	FiatPlaces     = 4 // fiat transfer amount
)

// BaseUnitDecimals is the number of base units per ledger unit as a power of ten.
const BaseUnitDecimals = 18

var whPerKWh = decimal.NewFromInt(1000)

// MarketTrade is one matched trade row as supplied by the market data source.
type MarketTrade struct {
	DeliveryTime time.Time
	Buyer        string
	Seller       string
	QuantityKWh  decimal.Decimal
	PricePerKWh  decimal.Decimal // fiat per kWh
}

// Conversion holds a market trade expressed in ledger units.
type Conversion struct {
	QuantityWh        uint256.Int
	UnitPrice         uint256.Int // base units per Wh
	PricePerKWh       decimal.Decimal
	TransferFiat      decimal.Decimal // reporting only
	TransferBaseUnits uint256.Int
}

// Converter maps market quantities and prices to ledger integers at a fixed
// exchange rate. All rounding is half-to-even.
type Converter struct {
	exchangeRate decimal.Decimal // fiat per ledger unit
}

// NewConverter returns a Converter for the given fiat-per-ledger-unit rate.
func NewConverter(exchangeRate decimal.Decimal) (*Converter, error) {
	if exchangeRate.Sign() <= 0 {
		return nil, &ConversionError{Field: "exchange_rate", Value: exchangeRate.String(), Err: ErrInvalidExchangeRate}
	}
	return &Converter{exchangeRate: exchangeRate}, nil
}

// ExchangeRate returns the configured fiat-per-ledger-unit rate.
func (c *Converter) ExchangeRate() decimal.Decimal {
	return c.exchangeRate
}

// Convert translates a quantity in kWh and a price in fiat per kWh.
func (c *Converter) Convert(quantityKWh, pricePerKWh decimal.Decimal) (Conversion, error) {
	return Convert(quantityKWh, pricePerKWh, c.exchangeRate)
}

// Convert translates a quantity in kWh and a price in fiat per kWh into
// watt-hours and base units per watt-hour:
//
//	quantityWh = round(quantityKWh * 1000)
//	unitPrice  = round(price / (exchangeRate * 1000) * 10^18)
//	transfer   = quantityWh * unitPrice
//
// The transfer is computed with the same checked 256-bit product the ledger
// uses, so both sides agree exactly.
func Convert(quantityKWh, pricePerKWh, exchangeRate decimal.Decimal) (Conversion, error) {
	if exchangeRate.Sign() <= 0 {
		return Conversion{}, &ConversionError{Field: "exchange_rate", Value: exchangeRate.String(), Err: ErrInvalidExchangeRate}
	}
	if quantityKWh.Sign() < 0 {
		return Conversion{}, &ConversionError{Field: "quantity_kwh", Value: quantityKWh.String(), Err: ErrInvalidQuantity}
	}
	if pricePerKWh.Sign() < 0 {
		return Conversion{}, &ConversionError{Field: "price_per_kwh", Value: pricePerKWh.String(), Err: ErrInvalidPrice}
	}

	wh := quantityKWh.Mul(whPerKWh).RoundBank(0)
	price := pricePerKWh.RoundBank(PricePlaces)

	// Scale the numerator first so the division is exact up to the final
	// integer rounding.
	unit := divRoundBank(price.Shift(BaseUnitDecimals), exchangeRate.Mul(whPerKWh))

	quantity, err := ToLedgerInt(wh)
	if err != nil {
		return Conversion{}, &ConversionError{Field: "quantity_kwh", Value: quantityKWh.String(), Err: err}
	}
	unitPrice, err := ToLedgerInt(unit)
	if err != nil {
		return Conversion{}, &ConversionError{Field: "price_per_kwh", Value: pricePerKWh.String(), Err: err}
	}
	transfer, err := MulChecked(&quantity, &unitPrice)
	if err != nil {
		return Conversion{}, &ConversionError{Field: "transfer", Value: wh.Mul(unit).String(), Err: err}
	}

	return Conversion{
		QuantityWh:        quantity,
		UnitPrice:         unitPrice,
		PricePerKWh:       price,
		TransferFiat:      wh.Mul(price).Div(whPerKWh).RoundBank(FiatPlaces),
		TransferBaseUnits: transfer,
	}, nil
}

// divRoundBank returns num/den rounded to an integer, ties to even.
// den must be positive.
func divRoundBank(num, den decimal.Decimal) decimal.Decimal {
	q, r := num.QuoRem(den, 0)
	twice := r.Abs().Mul(decimal.NewFromInt(2))
	switch twice.Cmp(den) {
	case 1:
		return q.Add(decimal.NewFromInt(int64(num.Sign())))
	case 0:
		if q.BigInt().Bit(0) == 1 {
			return q.Add(decimal.NewFromInt(int64(num.Sign())))
		}
	}
	return q
}

// ToLedgerInt converts a non-negative integral decimal to a ledger integer.
func ToLedgerInt(d decimal.Decimal) (uint256.Int, error) {
	if d.Sign() < 0 {
		return uint256.Int{}, ErrInvalidQuantity
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return uint256.Int{}, ErrOverflow
	}
	return *v, nil
}

// BaseUnitsToLedgerUnits renders base units as a decimal amount of the
// ledger's native currency.
func BaseUnitsToLedgerUnits(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -BaseUnitDecimals)
}

// WhToKWh renders a watt-hour quantity in kWh.
func WhToKWh(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -3)
}
