package metrics

import (
	"context"
	"time"

	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/inference"
)

type instrumentedClient struct {
	next inference.Client
}

// InstrumentClient records latency, outcome and consensus score of every inference call.
func InstrumentClient(client inference.Client) inference.Client {
	if client == nil {
		return nil
	}
	return &instrumentedClient{next: client}
}

func (c *instrumentedClient) Infer(ctx context.Context, prompt string, opts inference.Options) (*inference.Response, error) {
	start := time.Now()
	resp, err := c.next.Infer(ctx, prompt, opts)
	if err != nil {
		ObserveInference(string(xerrors.CodeOf(err)), time.Since(start))
		return nil, err
	}
	ObserveInference("ok", time.Since(start))
	if resp != nil {
		ObserveConsensus(resp.Consensus.Score, resp.IsVerified())
	}
	return resp, nil
}
