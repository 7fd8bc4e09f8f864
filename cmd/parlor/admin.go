// ABOUTME: Operator commands: issue tokens, seed AI personas and probe health
// ABOUTME: token and seed-ai open the database directly; health talks to a running server

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/config"
	"github.com/2389/parlor/internal/store"
)

func newTokenCmd(c *cli) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USERNAME",
		Short: "Issue a bearer token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			return runToken(cmd.Context(), cfg, args[0], ttl, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	return cmd
}

func runToken(ctx context.Context, cfg *config.Config, username string, ttl time.Duration, out io.Writer) error {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	user, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %q not found", username)
		}
		return fmt.Errorf("loading user: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(user.ID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

type seedAIOptions struct {
	name        string
	age         int
	personality string
	details     string
	samples     bool
}

// samplePersonas gives a fresh install something to talk to
var samplePersonas = []seedAIOptions{
	{name: "FriendlyBot", age: 3, personality: "friendly", details: "A warm, helpful companion who enjoys small talk."},
	{name: "TechGuru", age: 5, personality: "technical", details: "Knows software and hardware well and explains things step by step."},
	{name: "JokerBot", age: 2, personality: "funny", details: "Looks for the joke in every situation."},
	{name: "StoicAI", age: 7, personality: "philosophical", details: "Answers calmly and likes to quote the Stoics."},
}

func newSeedAICmd(c *cli) *cobra.Command {
	var opts seedAIOptions
	cmd := &cobra.Command{
		Use:   "seed-ai",
		Short: "Create an AI persona and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if opts.samples {
				return runSeedSamples(cmd.Context(), cfg, cmd.OutOrStdout())
			}
			return runSeedAI(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.samples, "samples", false, "create the built-in sample personas instead")
	cmd.Flags().StringVar(&opts.name, "name", "", "persona name (required unless --samples)")
	cmd.Flags().IntVar(&opts.age, "age", -1, "persona age")
	cmd.Flags().StringVar(&opts.personality, "personality", "", "personality summary (default: "+store.DefaultPersonality+")")
	cmd.Flags().StringVar(&opts.details, "details", "", "free-form background")
	return cmd
}

func runSeedSamples(ctx context.Context, cfg *config.Config, out io.Writer) error {
	for _, p := range samplePersonas {
		if err := runSeedAI(ctx, cfg, p, out); err != nil {
			return fmt.Errorf("seeding %s: %w", p.name, err)
		}
	}
	return nil
}

func runSeedAI(ctx context.Context, cfg *config.Config, opts seedAIOptions, out io.Writer) error {
	if strings.TrimSpace(opts.name) == "" {
		return errors.New("name is required")
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ai := &store.AI{
		Name:        strings.TrimSpace(opts.name),
		Personality: opts.personality,
		Details:     opts.details,
	}
	if opts.age >= 0 {
		age := opts.age
		ai.Age = &age
	}
	if err := st.CreateAI(ctx, ai); err != nil {
		return fmt.Errorf("creating ai: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(ai)
}

func newHealthCmd(c *cli) *cobra.Command {
	var (
		url      string
		grpcAddr string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if grpcAddr != "" {
				return runGRPCHealth(cmd.Context(), grpcAddr, cmd.OutOrStdout())
			}
			if url == "" {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				url = "http://" + dialAddr(cfg.Server.HTTPAddr) + "/ready"
			}
			return runHealth(cmd.Context(), url, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "readiness URL (default: derived from server.http_addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "probe the gRPC health service at this address instead")
	return cmd
}

// dialAddr turns a listen address such as ":8000" into one a client can dial
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func runHealth(ctx context.Context, url string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}

func runGRPCHealth(ctx context.Context, addr string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.Status)
	}
	fmt.Fprintln(out, "serving")
	return nil
}
