package orderbook

import (
	"errors"
	"fmt"

	"recon/domain/precision"
	"recon/domain/record"
)

// DefaultMaxDepth is the number of levels kept per side.
const DefaultMaxDepth = 20

var (
	ErrNegativeQuantity = errors.New("orderbook: negative quantity")
	ErrInsane           = errors.New("orderbook: invalid book state")
)

// Book is a bounded-depth L2 book. It is single-writer: only the owning
// engine mutates it.
type Book struct {
	Bids *RBTree
	Asks *RBTree

	maxDepth int
}

func NewBook(maxDepth int) *Book {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Book{
		Bids:     NewRBTree(),
		Asks:     NewRBTree(),
		maxDepth: maxDepth,
	}
}

func (b *Book) MaxDepth() int { return b.maxDepth }

func (b *Book) tree(s record.Side) *RBTree {
	if s == record.Ask {
		return b.Asks
	}
	return b.Bids
}

// Apply upserts or removes one level. A zero quantity removes the level.
// A new level beyond MaxDepth evicts the worst level of that side; dropped
// reports whether the update itself fell outside the kept depth.
func (b *Book) Apply(side record.Side, price, qty int64) (dropped bool, err error) {
	if qty < 0 {
		return false, fmt.Errorf("%w: %d at %d", ErrNegativeQuantity, qty, price)
	}
	t := b.tree(side)
	if qty == 0 {
		t.Delete(price)
		return false, nil
	}

	lvl, created := t.GetOrCreate(price)
	lvl.Quantity = qty
	if created && t.Len() > b.maxDepth {
		worst := b.worst(side).Price
		t.Delete(worst)
		return worst == price, nil
	}
	return false, nil
}

// worst is the level furthest from the touch.
func (b *Book) worst(side record.Side) *PriceLevel {
	if side == record.Ask {
		return b.Asks.Max()
	}
	return b.Bids.Min()
}

// Reset replaces the whole book. Zero-quantity levels are skipped and each
// side is truncated to the best MaxDepth levels.
func (b *Book) Reset(bids, asks []record.Level) error {
	b.Bids.Clear()
	b.Asks.Clear()
	for _, l := range bids {
		if err := b.put(record.Bid, l); err != nil {
			return err
		}
	}
	for _, l := range asks {
		if err := b.put(record.Ask, l); err != nil {
			return err
		}
	}
	return nil
}

func (b *Book) put(side record.Side, l record.Level) error {
	if _, err := b.Apply(side, l.Price, l.Quantity); err != nil {
		return err
	}
	if lvl := b.tree(side).Find(l.Price); lvl != nil {
		lvl.OrderCount = l.OrderCount
	}
	return nil
}

func (b *Book) BestBid() (record.Level, bool) {
	if l := b.Bids.Max(); l != nil {
		return l.Level(), true
	}
	return record.Level{}, false
}

func (b *Book) BestAsk() (record.Level, bool) {
	if l := b.Asks.Min(); l != nil {
		return l.Level(), true
	}
	return record.Level{}, false
}

// Top returns up to n levels of one side, best first. n <= 0 means all.
func (b *Book) Top(side record.Side, n int) []record.Level {
	t := b.tree(side)
	if n <= 0 || n > t.Len() {
		n = t.Len()
	}
	out := make([]record.Level, 0, n)
	walk := t.Descend
	if side == record.Ask {
		walk = t.Ascend
	}
	walk(func(p *PriceLevel) bool {
		out = append(out, p.Level())
		return len(out) < n
	})
	return out
}

// Levels copies both sides, best first.
func (b *Book) Levels() (bids, asks []record.Level) {
	return b.Top(record.Bid, 0), b.Top(record.Ask, 0)
}

// Drift compares a fresh snapshot with the reconstructed book.
type Drift struct {
	// AbsQtyDiff sums |snapshot qty - book qty| over prices present on both sides.
	AbsQtyDiff int64
	Matched    int
	Unmatched  int
}

func (b *Book) Drift(bids, asks []record.Level) (Drift, error) {
	var d Drift
	if err := b.driftSide(&d, record.Bid, bids); err != nil {
		return d, err
	}
	if err := b.driftSide(&d, record.Ask, asks); err != nil {
		return d, err
	}
	return d, nil
}

func (b *Book) driftSide(d *Drift, side record.Side, levels []record.Level) error {
	t := b.tree(side)
	seen := make(map[int64]struct{}, len(levels))
	for _, l := range levels {
		if l.Quantity == 0 {
			continue
		}
		seen[l.Price] = struct{}{}
		cur := t.Find(l.Price)
		if cur == nil {
			d.Unmatched++
			continue
		}
		d.Matched++
		diff, err := precision.SubChecked(l.Quantity, cur.Quantity)
		if err != nil {
			return err
		}
		if diff < 0 {
			diff = -diff
		}
		if d.AbsQtyDiff, err = precision.AddChecked(d.AbsQtyDiff, diff); err != nil {
			return err
		}
	}
	t.Ascend(func(p *PriceLevel) bool {
		if _, ok := seen[p.Price]; !ok {
			d.Unmatched++
		}
		return true
	})
	return nil
}

// ValidateLevels checks ordering, positivity and depth. A crossed top of book
// is allowed: deltas move one side at a time, so the engine passes through it.
func ValidateLevels(bids, asks []record.Level, maxDepth int) error {
	if len(bids) > maxDepth || len(asks) > maxDepth {
		return fmt.Errorf("%w: depth %d/%d exceeds %d", ErrInsane, len(bids), len(asks), maxDepth)
	}
	for i, l := range bids {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: bid %d quantity %d", ErrInsane, l.Price, l.Quantity)
		}
		if i > 0 && l.Price >= bids[i-1].Price {
			return fmt.Errorf("%w: bids not strictly descending at %d", ErrInsane, i)
		}
	}
	for i, l := range asks {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: ask %d quantity %d", ErrInsane, l.Price, l.Quantity)
		}
		if i > 0 && l.Price <= asks[i-1].Price {
			return fmt.Errorf("%w: asks not strictly ascending at %d", ErrInsane, i)
		}
	}
	return nil
}
