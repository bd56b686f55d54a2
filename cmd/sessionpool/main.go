package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
)

// Globals are flags shared by every command
type Globals struct {
	Config []string `short:"c" help:"Configuration file path (repeatable, later files override earlier ones)" type:"path"`
}

// CLI is the command tree
type CLI struct {
	Globals

	Serve    serveCmd    `cmd:"" default:"1" help:"Run the pool supervisor and operator API"`
	Status   statusCmd   `cmd:"" help:"Print pool and account status from the credential store"`
	Validate validateCmd `cmd:"" help:"Validate one account now and record the verdict"`
	Version  versionCmd  `cmd:"" help:"Print version information"`
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("sessionpool"),
		kong.Description("Session pool and rotation engine for borrowed platform logins"),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(&cli.Globals),
		kong.ConfigureHelp(kong.HelpOptions{Tree: true}),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(kctx.Run())
}

// loadConfig loads defaults -> files -> env. Without -c it looks for
// sessionpool.toml in the working directory, then deployments/local.
func (g *Globals) loadConfig() (*common.Config, error) {
	paths := g.Config
	if len(paths) == 0 {
		for _, candidate := range []string{"sessionpool.toml", "deployments/local/sessionpool.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				paths = append(paths, candidate)
				break
			}
		}
	}

	config, err := common.LoadFromFiles(paths...)
	if err != nil {
		return nil, err
	}
	g.Config = paths
	return config, nil
}

// setup loads config and initializes the logger
func (g *Globals) setup() (*common.Config, arbor.ILogger, error) {
	config, err := g.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration %v: %w", g.Config, err)
	}
	return config, common.InitLogger(config), nil
}
