// Package market loads historical matched trades and groups them into
// delivery slots ordered by delivery time.
package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/p2psettle/internal/domain"
)

// Columns of a market data file, in order.
var header = []string{"delivery_time", "buyer", "seller", "quantity_kwh", "price_per_kwh"}

// ErrMalformedRow is returned for rows that cannot be parsed.
var ErrMalformedRow = errors.New("malformed market row")

// Slot is one delivery time bucket and its trades in source order.
type Slot struct {
	DeliveryTime time.Time
	Trades       []domain.MarketTrade
}

func slotLess(a, b *Slot) bool {
	return a.DeliveryTime.Before(b.DeliveryTime)
}

// Book holds delivery slots ordered by delivery time.
type Book struct {
	slots *btree.BTreeG[*Slot]
	count int
}

// NewBook creates an empty book.
func NewBook() *Book {
	const degree = 16
	return &Book{slots: btree.NewG[*Slot](degree, slotLess)}
}

// AddSlot makes sure a slot exists for the delivery time and returns it.
func (b *Book) AddSlot(at time.Time) *Slot {
	at = at.UTC()
	if s, ok := b.slots.Get(&Slot{DeliveryTime: at}); ok {
		return s
	}
	s := &Slot{DeliveryTime: at}
	b.slots.ReplaceOrInsert(s)
	return s
}

// Add appends a trade to its delivery slot.
func (b *Book) Add(t domain.MarketTrade) {
	s := b.AddSlot(t.DeliveryTime)
	t.DeliveryTime = s.DeliveryTime
	s.Trades = append(s.Trades, t)
	b.count++
}

// Len returns the number of slots.
func (b *Book) Len() int {
	return b.slots.Len()
}

// TradeCount returns the number of trades across all slots.
func (b *Book) TradeCount() int {
	return b.count
}

// Slots returns up to limit slots in ascending delivery time. A limit of zero
// or less returns every slot. Slots without trades are included.
func (b *Book) Slots(limit int) []Slot {
	out := make([]Slot, 0, b.slots.Len())
	b.slots.Ascend(func(s *Slot) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		trades := make([]domain.MarketTrade, len(s.Trades))
		copy(trades, s.Trades)
		out = append(out, Slot{DeliveryTime: s.DeliveryTime, Trades: trades})
		return true
	})
	return out
}

// LoadFile reads a market data CSV file.
func LoadFile(path string) (*Book, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market data: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads market data CSV. The header row is optional. A row carrying only
// a delivery time declares a slot without trades. Quantities and prices are
// kept exactly as written; sign checks happen at conversion.
func Load(r io.Reader) (*Book, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	b := NewBook()
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return b, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read market data: %w", err)
		}
		if first && strings.EqualFold(strings.TrimSpace(rec[0]), header[0]) {
			continue
		}
		if err := b.addRecord(rec); err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func (b *Book) addRecord(rec []string) error {
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	at, err := ParseTime(rec[0])
	if err != nil {
		return err
	}
	if len(rec) == 1 || (len(rec) == len(header) && strings.Join(rec[1:], "") == "") {
		b.AddSlot(at)
		return nil
	}
	if len(rec) != len(header) {
		return fmt.Errorf("%w: %d fields, want %d", ErrMalformedRow, len(rec), len(header))
	}
	if rec[1] == "" || rec[2] == "" {
		return fmt.Errorf("%w: missing participant label", ErrMalformedRow)
	}

	qty, err := decimal.NewFromString(rec[3])
	if err != nil {
		return fmt.Errorf("%w: quantity_kwh %q", ErrMalformedRow, rec[3])
	}
	price, err := decimal.NewFromString(rec[4])
	if err != nil {
		return fmt.Errorf("%w: price_per_kwh %q", ErrMalformedRow, rec[4])
	}

	b.Add(domain.MarketTrade{
		DeliveryTime: at,
		Buyer:        rec[1],
		Seller:       rec[2],
		QuantityKWh:  qty,
		PricePerKWh:  price,
	})
	return nil
}

// ParseTime accepts RFC 3339 timestamps or unix seconds.
func ParseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: delivery_time %q", ErrMalformedRow, s)
	}
	return t.UTC(), nil
}
