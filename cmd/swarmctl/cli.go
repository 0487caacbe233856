// Package main defines the swarmctl command-line interface using kong.
package main

import (
	"io"
	"time"

	"github.com/alecthomas/kong"
)

// Globals are flags shared by every command.
type Globals struct {
	Config   string        `help:"Config file path (in-process mode)" env:"VERISWARM_CONFIG" placeholder:"PATH"`
	Server   string        `help:"VeriSwarm API base URL; commands run in-process when empty" env:"VERISWARM_SERVER" placeholder:"URL"`
	Token    string        `help:"API bearer token for --server" env:"VERISWARM_API_TOKEN"`
	JSON     bool          `help:"Print structured data instead of text"`
	LogLevel string        `help:"Log level for in-process mode" default:"warn" enum:"debug,info,warn,error"`
	Timeout  time.Duration `help:"Overall command timeout" default:"5m"`

	out io.Writer `kong:"-"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" help:"Run a multi-agent workflow"`
	Infer   InferCmd   `cmd:"" help:"Run a single verified inference"`
	Workers WorkersCmd `cmd:"" help:"List workers observed in the session"`
	Verify  VerifyCmd  `cmd:"" help:"Recompute the integrity hash of a task's evidence bundle"`
	Audit   AuditCmd   `cmd:"" help:"Summarise a task's evidence bundle"`
	Health  HealthCmd  `cmd:"" help:"Report inference, evidence and chain health"`
	Session SessionCmd `cmd:"" help:"Export the server session log"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd executes a workflow.
type RunCmd struct {
	Task         string            `arg:"" help:"Task description"`
	ID           string            `help:"Workflow ID (also the evidence task_id)"`
	SkipPlanning bool              `help:"Treat the task as a single sub-task"`
	Context      map[string]string `short:"c" help:"Context key=value passed to the prompts (repeatable)"`
	SessionOut   string            `help:"Write the session log export to this file (in-process mode)" type:"path"`
}

// InferCmd runs one inference round.
type InferCmd struct {
	Prompt     string  `arg:"" help:"Prompt to send to the workers"`
	Threshold  float64 `help:"Consensus threshold" default:"0.66"`
	MaxTokens  int     `help:"Max tokens per worker (0 uses the configured default)"`
	SessionOut string  `help:"Write the session log export to this file (in-process mode)" type:"path"`
}

// WorkersCmd lists workers.
type WorkersCmd struct{}

// VerifyCmd verifies a task's latest evidence bundle.
type VerifyCmd struct {
	TaskID string `arg:"" help:"Workflow / task ID"`
}

// AuditCmd summarises a task's latest evidence bundle.
type AuditCmd struct {
	TaskID  string `arg:"" help:"Workflow / task ID"`
	Details bool   `help:"Include individual worker responses"`
}

// HealthCmd reports health.
type HealthCmd struct{}

// SessionCmd exports the session log of a running server.
type SessionCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
