// Package precision converts decimal text into scaled int64 values and back.
//
// Every price and quantity in the engine is a scaled integer: the decimal value
// multiplied by 10^places, where places is configured per instrument and per
// field. Decimal text only exists at the decode/encode boundary.
package precision

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

type FieldKind uint8

const (
	Price FieldKind = iota
	Quantity
)

func (k FieldKind) String() string {
	switch k {
	case Price:
		return "price"
	case Quantity:
		return "quantity"
	default:
		return "unknown"
	}
}

// MaxPlaces bounds the configurable scale so 10^places fits in an int64.
const MaxPlaces = 18

var (
	ErrPrecisionLoss     = errors.New("precision: value exceeds configured scale")
	ErrOverflow          = errors.New("precision: scaled value overflows int64")
	ErrInvalidDecimal    = errors.New("precision: invalid decimal")
	ErrUnknownInstrument = errors.New("precision: unknown instrument")
	ErrInvalidScale      = errors.New("precision: invalid scale")
)

// Scale holds the decimal places of one instrument.
type Scale struct {
	Symbol           string
	PriceDecimals    int32
	QuantityDecimals int32
	// AllowTruncation rounds half-up instead of failing with ErrPrecisionLoss.
	AllowTruncation bool
}

func (s Scale) Places(kind FieldKind) int32 {
	if kind == Quantity {
		return s.QuantityDecimals
	}
	return s.PriceDecimals
}

// Multiplier returns 10^places for the field.
func (s Scale) Multiplier(kind FieldKind) int64 {
	return Pow10(s.Places(kind))
}

func (s Scale) validate() error {
	for _, p := range []int32{s.PriceDecimals, s.QuantityDecimals} {
		if p < 0 || p > MaxPlaces {
			return fmt.Errorf("%w: %s places=%d", ErrInvalidScale, s.Symbol, p)
		}
	}
	return nil
}

// TruncationWarning describes a value that was rounded to fit its scale.
type TruncationWarning struct {
	Instrument string
	Field      FieldKind
	Input      string
	Places     int32
	Result     int64
}

func (w *TruncationWarning) Error() string {
	return fmt.Sprintf("precision: %s %s %q rounded to %d places", w.Instrument, w.Field, w.Input, w.Places)
}

// Codec is safe for concurrent use; scales are fixed at construction.
type Codec struct {
	scales map[string]Scale

	mu         sync.RWMutex
	onTruncate func(*TruncationWarning)

	truncations atomic.Uint64
	perSymbol   map[string]*atomic.Uint64
}

var half = decimal.New(5, -1)

func NewCodec(scales ...Scale) (*Codec, error) {
	c := &Codec{
		scales:    make(map[string]Scale, len(scales)),
		perSymbol: make(map[string]*atomic.Uint64, len(scales)),
	}
	for _, s := range scales {
		if err := s.validate(); err != nil {
			return nil, err
		}
		c.scales[s.Symbol] = s
		c.perSymbol[s.Symbol] = new(atomic.Uint64)
	}
	return c, nil
}

// OnTruncate installs a hook called for every rounded value.
func (c *Codec) OnTruncate(fn func(*TruncationWarning)) {
	c.mu.Lock()
	c.onTruncate = fn
	c.mu.Unlock()
}

func (c *Codec) Truncations() uint64 { return c.truncations.Load() }

// TruncationsOf counts the values rounded for one instrument.
func (c *Codec) TruncationsOf(instrument string) uint64 {
	if n, ok := c.perSymbol[instrument]; ok {
		return n.Load()
	}
	return 0
}

func (c *Codec) Scale(instrument string) (Scale, error) {
	s, ok := c.scales[instrument]
	if !ok {
		return Scale{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return s, nil
}

// Decode parses decimal text into a scaled integer.
func (c *Codec) Decode(text string, kind FieldKind, instrument string) (int64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDecimal, text)
	}
	return c.decode(d, trimmed, kind, instrument)
}

// DecodeDecimal scales an already parsed decimal.
func (c *Codec) DecodeDecimal(d decimal.Decimal, kind FieldKind, instrument string) (int64, error) {
	return c.decode(d, d.String(), kind, instrument)
}

func (c *Codec) decode(d decimal.Decimal, input string, kind FieldKind, instrument string) (int64, error) {
	s, err := c.Scale(instrument)
	if err != nil {
		return 0, err
	}
	places := s.Places(kind)

	shifted := d.Shift(places)
	if !shifted.IsInteger() {
		if !s.AllowTruncation {
			return 0, fmt.Errorf("%w: %s %s %q has more than %d fractional digits",
				ErrPrecisionLoss, instrument, kind, input, places)
		}
		shifted = shifted.Add(half).Floor()
		v, err := toInt64(shifted, input)
		if err != nil {
			return 0, err
		}
		c.warn(&TruncationWarning{Instrument: instrument, Field: kind, Input: input, Places: places, Result: v})
		return v, nil
	}
	return toInt64(shifted, input)
}

func toInt64(d decimal.Decimal, input string) (int64, error) {
	bi := d.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, input)
	}
	return bi.Int64(), nil
}

func (c *Codec) warn(w *TruncationWarning) {
	c.truncations.Add(1)
	if n, ok := c.perSymbol[w.Instrument]; ok {
		n.Add(1)
	}
	c.mu.RLock()
	fn := c.onTruncate
	c.mu.RUnlock()
	if fn != nil {
		fn(w)
	}
}

// Encode renders a scaled integer as canonical fixed-point text with exactly
// the configured number of fractional digits.
func (c *Codec) Encode(v int64, kind FieldKind, instrument string) (string, error) {
	d, err := c.EncodeDecimal(v, kind, instrument)
	if err != nil {
		return "", err
	}
	s, _ := c.Scale(instrument)
	return d.StringFixed(s.Places(kind)), nil
}

func (c *Codec) EncodeDecimal(v int64, kind FieldKind, instrument string) (decimal.Decimal, error) {
	s, err := c.Scale(instrument)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.New(v, -s.Places(kind)), nil
}

// Notional returns price*quantity expressed at the instrument's price scale.
func (c *Codec) Notional(price, qty int64, instrument string) (int64, error) {
	s, err := c.Scale(instrument)
	if err != nil {
		return 0, err
	}
	return MulRescale(price, s.PriceDecimals, qty, s.QuantityDecimals, s.PriceDecimals)
}
