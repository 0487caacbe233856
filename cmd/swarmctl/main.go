package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// Load .env for VERISWARM_* variables and API keys.
	_ = godotenv.Load()

	var cli CLI
	cli.out = os.Stdout
	kctx := kong.Parse(&cli,
		kong.Name("swarmctl"),
		kong.Description("Verifiable multi-agent inference over a redundant worker network."),
		kong.UsageOnError(),
		kongVars(),
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "swarmctl: %v\n", err)
		os.Exit(1)
	}
}

// Run prints version information.
func (c *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintf(g.out, "swarmctl %s (commit %s, built %s)\n", version, commit, buildTime)
	return err
}

func (g *Globals) context() (context.Context, context.CancelFunc) {
	if g.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), g.Timeout)
}
