package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadhira/lobby/internal/config"
	"github.com/nadhira/lobby/internal/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.LLM.APIKey = "test-key"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.DataDir = dir
	cfg.History.Dir = filepath.Join(dir, "history")
	cfg.Knowledge.Dir = filepath.Join(dir, "knowledge")
	cfg.Knowledge.Watch = false
	cfg.Avatar.Enabled = false
	cfg.Avatar.TokenFile = filepath.Join(dir, ".vts_token")
	cfg.Logging.Console = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestNewWiresComponents(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	assert.NotNil(t, d.historyStore)
	assert.NotNil(t, d.knowledge)
	assert.NotNil(t, d.avatarDriver)
	assert.NotNil(t, d.httpServer)
	assert.False(t, d.avatarDriver.Ready())
}

func TestStartServesAndStops(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, d.Stop())

	// Second stop is a no-op
	require.NoError(t, d.Stop())
}

func TestStartTwiceFails(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Error(t, d.Start())
}

func TestRunStopsWhenServerExits(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	time.Sleep(300 * time.Millisecond)
	// Kill the listener out from under the daemon; Run must notice
	// the server goroutine exiting instead of hanging on signals.
	require.NoError(t, d.httpServer.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after server exit")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop on context cancellation")
	}
}
