package web3

import "context"

// ChainSnapshot is the chain state recorded next to an evidence bundle.
type ChainSnapshot struct {
	Network     string
	ChainID     string
	BlockNumber string
	Notes       string
}

// Client defines the read-only chain access needed to anchor evidence.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
