package orderbook

import (
	"fmt"

	"recon/domain/record"
)

// PriceLevel is the aggregated resting quantity at one price.
type PriceLevel struct {
	Price      int64
	Quantity   int64
	OrderCount int32
}

func (p *PriceLevel) Level() record.Level {
	return record.Level{Price: p.Price, Quantity: p.Quantity, OrderCount: p.OrderCount}
}

func (p *PriceLevel) String() string {
	return fmt.Sprintf("%d x %d (%d)", p.Price, p.Quantity, p.OrderCount)
}
