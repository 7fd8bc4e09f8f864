// ABOUTME: Entry point for the parlor chat server
// ABOUTME: Cobra commands for serving plus a few operator utilities

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/parlor/internal/config"
	"github.com/2389/parlor/internal/server"
)

// Version is set at build time.
var version = "dev"

const banner = `
                    _
 _ __   __ _ _ __| | ___  _ __
| '_ \ / _' | '__| |/ _ \| '__|
| |_) | (_| | |  | | (_) | |
| .__/ \__,_|_|  |_|\___/|_|
|_|
`

// cli carries flag values shared by every command
type cli struct {
	configPath string
	envFiles   []string
}

func (c *cli) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "parlor",
		Short:         "Chat server for people and AI personas",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default: $"+config.EnvConfigPath+" or built-in defaults)")
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load before reading config (default: .env)")

	root.AddCommand(
		newServeCmd(c),
		newTokenCmd(c),
		newSeedAICmd(c),
		newHealthCmd(c),
		newConnectCmd(),
	)
	return root
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "HTTP:     %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "gRPC:     %s\n", cfg.Server.GRPCAddr)
	}
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Database: %s\n", cfg.Database.Path)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Bus:      %s\n", cfg.Bus.Driver)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Model:    %s\n\n", cfg.LLM.Model)

	logger := setupLogger(cfg.Logging, os.Stdout)
	logger.Info("starting parlor",
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"version", version,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
