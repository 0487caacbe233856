package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"VeriSwarm/internal/app"
	"VeriSwarm/internal/config"
	"VeriSwarm/internal/coordinator"
	"VeriSwarm/internal/tools"
	"VeriSwarm/pkg/logger"
	"VeriSwarm/sdk/go/veriswarm"
)

// printable is what every command prints: text by default, data with --json.
type printable struct {
	Text string
	Data any
}

// backend runs commands either in-process or against a running swarmd.
type backend interface {
	Run(ctx context.Context, cmd *RunCmd) (*printable, error)
	Infer(ctx context.Context, cmd *InferCmd) (*printable, error)
	Workers(ctx context.Context) (*printable, error)
	Verify(ctx context.Context, taskID string) (*printable, error)
	Audit(ctx context.Context, taskID string, details bool) (*printable, error)
	Health(ctx context.Context) (*printable, error)
	Session(ctx context.Context) (*printable, error)
	Close() error
}

var errDegraded = errors.New("service degraded")

// openBackend picks the remote backend when --server is set.
func (g *Globals) openBackend(ctx context.Context) (backend, error) {
	if strings.TrimSpace(g.Server) != "" {
		client, err := veriswarm.NewClient(g.Server, &http.Client{Timeout: g.Timeout})
		if err != nil {
			return nil, err
		}
		if g.Token != "" {
			client.SetAccessToken(g.Token)
		}
		return &remoteBackend{client: client}, nil
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Log.Level = g.LogLevel
	cfg.Log.Format = "text"
	cfg.Log.OutputPaths = []string{"stderr"}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &localBackend{app: a}, nil
}

// loadConfig reads --config. Without an explicit path a missing default file
// falls back to the built-in simulated configuration.
func (g *Globals) loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(g.Config); path != "" {
		return config.Load(path)
	}
	cfg, err := config.Load(config.DefaultPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

type localBackend struct {
	app *app.App
}

func (b *localBackend) Run(ctx context.Context, cmd *RunCmd) (*printable, error) {
	result := b.app.Coordinator.Run(ctx, cmd.Task, coordinator.RunOptions{
		WorkflowID:   cmd.ID,
		SkipPlanning: cmd.SkipPlanning,
		Context:      cmd.Context,
	})
	if err := b.writeSession(cmd.SessionOut); err != nil {
		return nil, err
	}
	return &printable{
		Text: formatWorkflow(result.WorkflowID, string(result.State), result.IsVerified, result.ConsensusScore, result.EvidenceBundleID, result.FinalOutput),
		Data: result,
	}, nil
}

func (b *localBackend) Infer(ctx context.Context, cmd *InferCmd) (*printable, error) {
	out, err := b.app.Tools.RunInference(ctx, cmd.Prompt, cmd.Threshold, cmd.MaxTokens)
	if err != nil {
		return nil, err
	}
	if err := b.writeSession(cmd.SessionOut); err != nil {
		return nil, err
	}
	return fromTool(out), nil
}

func (b *localBackend) Workers(ctx context.Context) (*printable, error) {
	out, err := b.app.Tools.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return fromTool(out), nil
}

func (b *localBackend) Verify(ctx context.Context, taskID string) (*printable, error) {
	out, err := b.app.Tools.Verify(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return fromTool(out), nil
}

func (b *localBackend) Audit(ctx context.Context, taskID string, details bool) (*printable, error) {
	out, err := b.app.Tools.Audit(ctx, taskID, details)
	if err != nil {
		return nil, err
	}
	return fromTool(out), nil
}

func (b *localBackend) Health(ctx context.Context) (*printable, error) {
	out, err := b.app.Tools.Health(ctx)
	if err != nil {
		return nil, err
	}
	if data, ok := out.Data.(tools.HealthData); ok && data.Status != tools.HealthOK {
		return fromTool(out), errDegraded
	}
	return fromTool(out), nil
}

func (b *localBackend) Session(context.Context) (*printable, error) {
	return nil, errors.New("session export needs --server; use --session-out on run or infer for in-process sessions")
}

func (b *localBackend) Close() error {
	err := b.app.Close()
	_ = logger.Sync()
	return err
}

func (b *localBackend) writeSession(path string) error {
	if path == "" {
		return nil
	}
	payload, err := b.app.Session.Export()
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write session log: %w", err)
	}
	return nil
}

func fromTool(out *tools.Output) *printable {
	return &printable{Text: out.Text, Data: out.Data}
}

type remoteBackend struct {
	client *veriswarm.Client
}

func (b *remoteBackend) Run(ctx context.Context, cmd *RunCmd) (*printable, error) {
	submitted, err := b.client.SubmitWorkflow(ctx, veriswarm.WorkflowSubmission{
		ID:           cmd.ID,
		Task:         cmd.Task,
		SkipPlanning: cmd.SkipPlanning,
		Context:      cmd.Context,
	})
	if err != nil {
		return nil, err
	}
	workflow, err := b.client.WaitWorkflow(ctx, submitted.ID, time.Second)
	if err != nil {
		return nil, err
	}
	if workflow.Result == nil {
		return &printable{
			Text: fmt.Sprintf("Workflow %s %s: %s", workflow.ID, workflow.Status, workflow.LastError),
			Data: workflow,
		}, nil
	}
	r := workflow.Result
	return &printable{
		Text: formatWorkflow(r.WorkflowID, r.State, r.IsVerified, r.ConsensusScore, r.EvidenceBundleID, r.FinalOutput),
		Data: workflow,
	}, nil
}

func (b *remoteBackend) Infer(ctx context.Context, cmd *InferCmd) (*printable, error) {
	return fromRemote(b.client.Infer(ctx, cmd.Prompt, cmd.Threshold, cmd.MaxTokens))
}

func (b *remoteBackend) Workers(ctx context.Context) (*printable, error) {
	return fromRemote(b.client.Workers(ctx))
}

func (b *remoteBackend) Verify(ctx context.Context, taskID string) (*printable, error) {
	return fromRemote(b.client.Verify(ctx, taskID))
}

func (b *remoteBackend) Audit(ctx context.Context, taskID string, details bool) (*printable, error) {
	return fromRemote(b.client.Audit(ctx, taskID, details))
}

func (b *remoteBackend) Health(ctx context.Context) (*printable, error) {
	out, err := b.client.Health(ctx)
	if out == nil {
		return nil, err
	}
	if err != nil {
		return &printable{Text: out.Text, Data: out.Data}, errDegraded
	}
	return &printable{Text: out.Text, Data: out.Data}, nil
}

func (b *remoteBackend) Session(ctx context.Context) (*printable, error) {
	raw, err := b.client.Session(ctx)
	if err != nil {
		return nil, err
	}
	// The session export is already JSON; text mode prints it as is.
	return &printable{Text: string(raw), Data: raw}, nil
}

func (b *remoteBackend) Close() error { return nil }

func fromRemote(out *veriswarm.Output, err error) (*printable, error) {
	if err != nil {
		return nil, err
	}
	var data any
	if len(out.Data) > 0 {
		data = out.Data
	}
	return &printable{Text: out.Text, Data: data}, nil
}

func formatWorkflow(id, state string, verified bool, score float64, bundleID, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %s [%s] verified=%t consensus=%.2f\n", id, state, verified, score)
	if bundleID != "" {
		fmt.Fprintf(&b, "Evidence bundle: %s\n", bundleID)
	}
	b.WriteString(output)
	return b.String()
}

// emit prints a command result in the requested format.
func (g *Globals) emit(p *printable) error {
	if p == nil {
		return nil
	}
	if g.JSON && p.Data != nil {
		payload, err := json.MarshalIndent(p.Data, "", "  ")
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		_, err = fmt.Fprintln(g.out, string(payload))
		return err
	}
	_, err := fmt.Fprintln(g.out, p.Text)
	return err
}

// withBackend opens a backend, runs fn and prints its result even when fn
// reports a degraded state.
func (g *Globals) withBackend(fn func(ctx context.Context, b backend) (*printable, error)) error {
	ctx, cancel := g.context()
	defer cancel()

	b, err := g.openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := fn(ctx, b)
	if emitErr := g.emit(p); emitErr != nil {
		return emitErr
	}
	return err
}
