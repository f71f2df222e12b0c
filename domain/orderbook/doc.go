// Package orderbook holds a bounded-depth, price-aggregated limit order book.
// Each side is a red-black tree of price levels; bids are read descending and
// asks ascending. The book keeps at most MaxDepth levels per side and evicts
// the level furthest from the touch when a new level would exceed it.
//
// Book is single-writer and carries no sequencing logic; update ids, gaps and
// resynchronization live in the engine package.
package orderbook
