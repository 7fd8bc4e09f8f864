// ABOUTME: Tests for the parlor command line
// ABOUTME: Covers logging output, seed-ai, token issuance, health probes and command wiring

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/config"
	"github.com/2389/parlor/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "parlor.db")
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.With("component", "api").WithGroup("req").Warn("slow", "path", "/ready")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN slow")
	assert.Contains(t, out, "component=api")
	assert.Contains(t, out, "req.path=/ready")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "component", "server")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "server", rec["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestSeedAIAndToken(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	var out bytes.Buffer
	require.NoError(t, runSeedAI(ctx, cfg, seedAIOptions{name: "Nova", age: 30, details: "stargazer"}, &out))
	var ai store.AI
	require.NoError(t, json.Unmarshal(out.Bytes(), &ai))
	assert.NotEmpty(t, ai.ID)
	assert.Equal(t, "Nova", ai.Name)
	require.NotNil(t, ai.Age)
	assert.Equal(t, 30, *ai.Age)

	assert.Error(t, runSeedAI(ctx, cfg, seedAIOptions{name: "  "}, &out))

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	user := &store.User{Username: "alice", PasswordHash: "x"}
	require.NoError(t, st.CreateUser(ctx, user))
	require.NoError(t, st.Close())

	out.Reset()
	require.NoError(t, runToken(ctx, cfg, "alice", time.Hour, &out))
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	userID, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	err = runToken(ctx, cfg, "nobody", time.Hour, &out)
	assert.ErrorContains(t, err, "not found")
}

func TestSeedSamples(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	require.NoError(t, runSeedSamples(ctx, cfg, io.Discard))

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	defer st.Close()
	ais, err := st.ListAIs(ctx)
	require.NoError(t, err)
	assert.Len(t, ais, len(samplePersonas))
}

func TestHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var out bytes.Buffer
	require.NoError(t, runHealth(context.Background(), ok.URL, &out))
	assert.Contains(t, out.String(), "ready")

	err := runHealth(context.Background(), down.URL, &out)
	assert.ErrorContains(t, err, "503")
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "localhost:8000", dialAddr(":8000"))
	assert.Equal(t, "localhost:8000", dialAddr("0.0.0.0:8000"))
	assert.Equal(t, "10.0.0.2:9000", dialAddr("10.0.0.2:9000"))
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "token", "seed-ai", "health", "connect"}, names)

	root.SetArgs([]string{"token"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute(), "token requires a username")
}
