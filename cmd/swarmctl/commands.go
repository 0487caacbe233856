package main

import (
	"context"
	"errors"
	"strings"
)

// Run executes the workflow and prints its outcome.
func (c *RunCmd) Run(g *Globals) error {
	return g.withBackend(func(ctx context.Context, b backend) (*printable, error) {
		return b.Run(ctx, c)
	})
}

// Validate rejects blank tasks before any backend is opened.
func (c *RunCmd) Validate() error {
	if strings.TrimSpace(c.Task) == "" {
		return errors.New("task must not be empty")
	}
	return nil
}

// Run executes one inference round.
func (c *InferCmd) Run(g *Globals) error {
	return g.withBackend(func(ctx context.Context, b backend) (*printable, error) {
		return b.Infer(ctx, c)
	})
}

// Validate checks the threshold range.
func (c *InferCmd) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return errors.New("prompt must not be empty")
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return errors.New("--threshold must be in (0, 1]")
	}
	return nil
}

// Run lists observed workers.
func (c *WorkersCmd) Run(g *Globals) error {
	return g.withBackend(func(ctx context.Context, b backend) (*printable, error) {
		return b.Workers(ctx)
	})
}

// Run verifies a task's evidence bundle.
func (c *VerifyCmd) Run(g *Globals) error {
	return g.withBackend(func(ctx context.Context, b backend) (*printable, error) {
		return b.Verify(ctx, c.TaskID)
	})
}

// Run prints the audit summary of a task.
func (c *AuditCmd) Run(g *Globals) error {
	return g.withBackend(func(ctx context.Context, b backend) (*printable, error) {
		return b.Audit(ctx, c.TaskID, c.Details)
	})
}

// Run reports health; a degraded service exits non-zero.
func (c *HealthCmd) Run(g *Globals) error {
	return g.withBackend(func(ctx context.Context, b backend) (*printable, error) {
		return b.Health(ctx)
	})
}

// Run exports the server session log.
func (c *SessionCmd) Run(g *Globals) error {
	return g.withBackend(func(ctx context.Context, b backend) (*printable, error) {
		return b.Session(ctx)
	})
}
