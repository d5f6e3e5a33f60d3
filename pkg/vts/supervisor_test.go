package vts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadhira/lobby/pkg/lipsync"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readySupervisor(t *testing.T, f *fakeVTS) *Supervisor {
	t.Helper()
	f.validTokens["tok"] = true

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("tok"), 0600))

	client := newTestClient(t, f, tokenFile)
	sup := NewSupervisor(SupervisorConfig{
		RetryInterval: 100 * time.Millisecond,
		StopTimeout:   2 * time.Second,
		PlaybackSpeed: 1.0,
	}, client, nil, zerolog.Nop())

	sup.Start()
	waitForReady(t, sup)
	return sup
}

func waitForReady(t *testing.T, sup *Supervisor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !sup.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("supervisor never became ready, state=%s", sup.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForInjections(t *testing.T, f *fakeVTS, n int) []parameterValue {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		injected := f.injections()
		if len(injected) >= n {
			return injected
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d injections, got %d", n, len(injected))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupervisorBecomesReady(t *testing.T) {
	f := newFakeVTS()
	defer f.close()

	sup := readySupervisor(t, f)
	defer sup.Stop()

	assert.True(t, sup.Ready())
	assert.Equal(t, StateReady, sup.State())
	assert.Equal(t, 1, f.creates())
}

func TestSupervisorStopClearsReadiness(t *testing.T) {
	f := newFakeVTS()
	defer f.close()

	sup := readySupervisor(t, f)
	sup.Stop()

	assert.False(t, sup.Ready())
	assert.Equal(t, StateIdle, sup.State())

	// Stop again is a no-op
	sup.Stop()
}

func TestSupervisorRetriesWhileRemoteDown(t *testing.T) {
	client := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1}, nil, zerolog.Nop())
	sup := NewSupervisor(SupervisorConfig{
		RetryInterval: 50 * time.Millisecond,
		StopTimeout:   2 * time.Second,
	}, client, nil, zerolog.Nop())

	sup.Start()
	time.Sleep(300 * time.Millisecond)

	assert.False(t, sup.Ready())

	// Shutdown stays responsive even while retrying
	start := time.Now()
	sup.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSupervisorStartTwice(t *testing.T) {
	f := newFakeVTS()
	defer f.close()

	sup := readySupervisor(t, f)
	defer sup.Stop()

	// Second Start is a no-op; no second connection is attempted
	sup.Start()
	assert.True(t, sup.Ready())
}

func TestSupervisorRestart(t *testing.T) {
	f := newFakeVTS()
	defer f.close()

	sup := readySupervisor(t, f)
	sup.Restart()
	defer sup.Stop()

	waitForReady(t, sup)
	assert.True(t, sup.Ready())
}

func TestPlayNotReadyIsSilentNoOp(t *testing.T) {
	client := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1}, nil, zerolog.Nop())
	sup := NewSupervisor(SupervisorConfig{}, client, nil, zerolog.Nop())

	env := lipsync.Envelope{{Timestamp: 0, Value: 0.5}}

	// Supervisor never started: not ready, nothing sent, no panic
	sup.Play(env)
	assert.False(t, sup.Ready())
}

func TestPlaySendsFramesAndClosesMouth(t *testing.T) {
	f := newFakeVTS()
	defer f.close()

	sup := readySupervisor(t, f)
	defer sup.Stop()

	env := lipsync.Envelope{
		{Timestamp: 0, Value: 0.3},
		{Timestamp: 0.01, Value: 0.8},
		{Timestamp: 0.02, Value: 0.5},
	}
	sup.Play(env)

	// 3 frames plus the trailing mouth close
	injected := waitForInjections(t, f, 4)
	assert.Equal(t, 0.3, injected[0].Value)
	assert.Equal(t, 0.8, injected[1].Value)
	assert.Equal(t, 0.5, injected[2].Value)
	assert.Equal(t, 0.0, injected[len(injected)-1].Value)
	for _, pv := range injected {
		assert.Equal(t, MouthParameter, pv.ID)
	}
}

func TestPlayCancelledStillClosesMouth(t *testing.T) {
	f := newFakeVTS()
	defer f.close()

	sup := readySupervisor(t, f)
	defer sup.Stop()

	stopCh := make(chan struct{})
	env := lipsync.Envelope{
		{Timestamp: 0, Value: 0.9},
		{Timestamp: 30, Value: 0.7}, // far in the future
	}

	done := make(chan struct{})
	go func() {
		sup.playFrames(env, stopCh)
		close(done)
	}()

	// First frame goes out immediately, then cancel during the long wait
	waitForInjections(t, f, 1)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("playback did not exit after cancellation")
	}

	injected := f.injections()
	require.GreaterOrEqual(t, len(injected), 2)
	assert.Equal(t, 0.9, injected[0].Value)
	assert.Equal(t, 0.0, injected[len(injected)-1].Value, "mouth must close on cancellation")
}

func TestPlaySpeedFactorShortensPlayback(t *testing.T) {
	f := newFakeVTS()
	defer f.close()
	f.validTokens["tok"] = true

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("tok"), 0600))

	client := newTestClient(t, f, tokenFile)
	sup := NewSupervisor(SupervisorConfig{
		RetryInterval: 100 * time.Millisecond,
		StopTimeout:   2 * time.Second,
		PlaybackSpeed: 4.0,
	}, client, nil, zerolog.Nop())
	sup.Start()
	waitForReady(t, sup)
	defer sup.Stop()

	// 400ms of envelope at 4x speed should complete in roughly 100ms
	env := lipsync.Envelope{
		{Timestamp: 0, Value: 0.2},
		{Timestamp: 0.2, Value: 0.4},
		{Timestamp: 0.4, Value: 0.6},
	}

	start := time.Now()
	sup.Play(env)
	waitForInjections(t, f, 4)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", State(99).String())
}
