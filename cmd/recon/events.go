package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"recon/domain/precision"
	"recon/domain/record"
	"recon/infra/eventstore"
)

func eventsCmd(load loader) *cobra.Command {
	var (
		symbol string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print an instrument's stored events as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			in, ok := cfg.Instrument(symbol)
			if !ok {
				return fmt.Errorf("unknown instrument %q", symbol)
			}
			codec, err := precision.NewCodec(in.Scale())
			if err != nil {
				return err
			}
			return printEvents(os.Stdout, cfg.Store.Dir, symbol, codec, limit)
		},
	}
	cmd.Flags().StringVarP(&symbol, "instrument", "i", "", "instrument symbol")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many events, 0 for all")
	_ = cmd.MarkFlagRequired("instrument")
	return cmd
}

type eventView struct {
	Ts       int64      `json:"ts"`
	Type     string     `json:"type"`
	Seq      uint32     `json:"seq_in_ts"`
	Position uint64     `json:"position"`
	Flags    uint16     `json:"flags,omitempty"`
	Trade    *tradeView `json:"trade,omitempty"`
	Book     *bookView  `json:"book,omitempty"`
}

type tradeView struct {
	ID       uint64 `json:"id"`
	Price    string `json:"price"`
	Quantity string `json:"qty"`
	Side     string `json:"side"`
	Notional string `json:"notional"`
}

type bookView struct {
	UpdateID uint64     `json:"update_id"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
	Resync   bool       `json:"resync,omitempty"`
}

var errLimit = errors.New("limit reached")

func printEvents(w io.Writer, root, symbol string, codec *precision.Codec, limit int) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	n := 0
	err := eventstore.Scan(root, symbol, func(ev record.Event) error {
		v, err := view(ev, symbol, codec)
		if err != nil {
			return err
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return err
	}
	return bw.Flush()
}

func view(ev record.Event, symbol string, codec *precision.Codec) (eventView, error) {
	v := eventView{
		Ts:       ev.EventTimestampNs,
		Type:     ev.Type.String(),
		Seq:      ev.SequenceWithinTimestamp,
		Position: ev.Position,
		Flags:    uint16(ev.Flags),
	}
	price := func(x int64) (string, error) { return codec.Encode(x, precision.Price, symbol) }
	qty := func(x int64) (string, error) { return codec.Encode(x, precision.Quantity, symbol) }

	if t := ev.Trade; t != nil {
		tv := &tradeView{ID: t.TradeID, Side: t.Side.String()}
		var err error
		if tv.Price, err = price(t.Price); err != nil {
			return v, err
		}
		if tv.Quantity, err = qty(t.Quantity); err != nil {
			return v, err
		}
		if tv.Notional, err = price(t.Notional); err != nil {
			return v, err
		}
		v.Trade = tv
	}
	if b := ev.Book; b != nil {
		bv := &bookView{UpdateID: b.UpdateID, Resync: b.Corrupted != nil}
		side := func(levels []record.Level) ([][]string, error) {
			out := make([][]string, 0, len(levels))
			for _, l := range levels {
				p, err := price(l.Price)
				if err != nil {
					return nil, err
				}
				q, err := qty(l.Quantity)
				if err != nil {
					return nil, err
				}
				out = append(out, []string{p, q})
			}
			return out, nil
		}
		var err error
		if bv.Bids, err = side(b.Bids); err != nil {
			return v, err
		}
		if bv.Asks, err = side(b.Asks); err != nil {
			return v, err
		}
		v.Book = bv
	}
	return v, nil
}
