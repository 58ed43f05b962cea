package domain

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// Property: converted quantity is round(kWh*1000).

func TestProperty_QuantityWhIsRoundedKWh(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Up to six decimal places so rounding is exercised below the
		// three-place market resolution.
		micro := rapid.Int64Range(0, 1_000_000_000_000).Draw(t, "microKWh")
		kwh := decimal.New(micro, -6)

		c, err := Convert(kwh, decimal.RequireFromString("0.1"), decimal.NewFromInt(2300))
		if err != nil {
			t.Fatalf("Convert(%s) unexpected error: %v", kwh, err)
		}

		want := kwh.Shift(3).RoundBank(0)
		if c.QuantityWh.Dec() != want.String() {
			t.Fatalf("quantityWh = %s, want %s (kWh %s)", c.QuantityWh.Dec(), want, kwh)
		}
	})
}

// Property: the converter's transfer equals the ledger product exactly.

func TestProperty_TransferMatchesLedgerProduct(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		milli := rapid.Int64Range(0, 10_000_000).Draw(t, "milliKWh")
		priceUnits := rapid.Int64Range(0, 100_000).Draw(t, "price1e-4")
		rate := rapid.Int64Range(1, 1_000_000).Draw(t, "rate")

		c, err := Convert(decimal.New(milli, -3), decimal.New(priceUnits, -4), decimal.NewFromInt(rate))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		trade := Trade{TradeTerms: TradeTerms{Quantity: c.QuantityWh, UnitPrice: c.UnitPrice}}
		total, err := trade.TotalPrice()
		if err != nil {
			t.Fatalf("ledger product overflowed: %v", err)
		}
		if !total.Eq(&c.TransferBaseUnits) {
			t.Fatalf("transfer %s != ledger total %s", c.TransferBaseUnits.Dec(), total.Dec())
		}
	})
}

// Property: the ledger product never wraps; it either fits or reports overflow.

func TestProperty_MulCheckedNeverWraps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var x, y uint256.Int
		x.SetBytes(rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "x"))
		y.SetBytes(rapid.SliceOfN(rapid.Byte(), 0, 32).Draw(t, "y"))

		got, err := MulChecked(&x, &y)

		wide := new(uint256.Int).Mul(&x, &y).ToBig()
		exact := x.ToBig()
		exact.Mul(exact, y.ToBig())
		fits := exact.BitLen() <= 256

		if fits && err != nil {
			t.Fatalf("MulChecked(%s, %s) reported overflow for a fitting product", x.Dec(), y.Dec())
		}
		if !fits && err == nil {
			t.Fatalf("MulChecked(%s, %s) = %s, expected overflow", x.Dec(), y.Dec(), got.Dec())
		}
		if fits && wide.Cmp(exact) != 0 {
			t.Fatalf("product mismatch")
		}
	})
}
