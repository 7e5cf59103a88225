// Command k6s-engine runs the multi-agent governance engine for one
// project: session lifecycle, audit logging, file-boundary enforcement,
// locking, filesystem watching, and the tool-call server agents talk to.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/config"
	"github.com/sibyllai/khoregos/internal/runtime"
)

// Build-time variables (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Start a governed session and serve tool calls on stdin/stdout"`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd starts a session against project and serves the tool protocol.
type RunCmd struct {
	Project  string `arg:"" optional:"" default:"." help:"Project root directory"`
	Config   string `help:"Configuration file path" default:"k6s.yaml"`
	Objective string `help:"Session objective"`
	Resume   string `help:"Parent session id to resume from"`
}

// ValidateCmd decodes a configuration file and reports any errors.
type ValidateCmd struct {
	Config string `arg:"" optional:"" default:"k6s.yaml" help:"Configuration file path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kongVars(),
		kong.Name("k6s-engine"),
		kong.Description("Multi-agent governance engine"),
	)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var err error
	switch ctx.Command() {
	case "run <project>":
		err = runRun(log, cli.Run)
	case "validate <config>":
		err = runValidate(cli.Validate)
	case "version":
		fmt.Printf("k6s-engine version %s (commit %s)\n", version, commit)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}

	if err != nil {
		log.Error().Err(err).Msg("k6s-engine exited with an error")
		os.Exit(1)
	}
}

func runRun(log zerolog.Logger, cmd RunCmd) error {
	root, err := filepath.Abs(cmd.Project)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}

	cfgPath := filepath.Join(root, cmd.Config)
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", cfgPath).Msg("no configuration file found, using defaults")
			cfg = config.Default()
		} else {
			return err
		}
	}

	rt := runtime.New(root, cfg, log)
	background := context.Background()

	objective := cmd.Objective
	if objective == "" {
		objective = "unspecified"
	}
	if _, err := rt.Start(background, objective, cmd.Resume); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	log.Info().Str("project", root).Msg("governed session started, serving tool calls on stdin/stdout")
	if err := rt.ToolServer().Serve(background, os.Stdin, os.Stdout); err != nil {
		rt.Stop(background)
		return fmt.Errorf("serve tool protocol: %w", err)
	}
	return rt.Stop(background)
}

func runValidate(cmd ValidateCmd) error {
	if _, err := config.LoadFile(cmd.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cmd.Config)
	return nil
}

