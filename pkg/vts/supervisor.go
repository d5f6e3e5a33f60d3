package vts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadhira/lobby/internal/metrics"
	"github.com/nadhira/lobby/pkg/lipsync"
	"github.com/rs/zerolog"
)

// State is the supervisor's connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	defaultRetryInterval = 10 * time.Second
	defaultStopTimeout   = 5 * time.Second
	stopPollInterval     = time.Second
)

// SupervisorConfig holds supervisor behavior parameters.
type SupervisorConfig struct {
	RetryInterval time.Duration // wait between failed connect attempts
	StopTimeout   time.Duration // bound on waiting for the loop to exit
	PlaybackSpeed float64       // envelope timestamps are divided by this
}

// Supervisor owns the protocol client on a dedicated goroutine. It
// retries connect+authenticate indefinitely -- the avatar application is
// expected to come and go -- and exposes a readiness flag the rest of
// the process reads on every playback. The supervisor is the only writer
// of connection lifecycle state; playbacks only read it and issue
// injection calls.
type Supervisor struct {
	cfg     SupervisorConfig
	client  *Client
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ready atomic.Bool
	state atomic.Int32

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSupervisor creates a supervisor for the given client. Metrics may
// be nil.
func NewSupervisor(cfg SupervisorConfig, client *Client, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.PlaybackSpeed <= 0 {
		cfg.PlaybackSpeed = 1.0
	}
	return &Supervisor{
		cfg:     cfg,
		client:  client,
		logger:  logger.With().Str("component", "vts-supervisor").Logger(),
		metrics: m,
	}
}

// Start launches the background connection loop. Calling Start on a
// running supervisor is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(s.stopCh, s.doneCh)
}

// Stop signals the loop to exit, waits for it up to the configured
// timeout, then disconnects. Safe to call when not running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn().Msg("Timed out waiting for connection loop to exit")
	}

	s.setReady(false)
	s.setState(StateIdle)
	_ = s.client.Close()
}

// Restart tears the session down and starts a fresh connection loop.
// Useful after the avatar application has been restarted, since a live
// session is not re-established automatically.
func (s *Supervisor) Restart() {
	s.Stop()
	s.Start()
}

// Ready reports whether the session is connected, authenticated and has
// a usable mouth parameter.
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// run is the background connection loop.
func (s *Supervisor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	retryInterval := s.cfg.RetryInterval

	for {
		if stopped(stopCh) {
			return
		}

		if s.attemptSession(stopCh) {
			break
		}

		s.logger.Info().
			Dur("retry_in", retryInterval).
			Msg("Will retry VTube Studio connection")
		if !s.waitOrStop(stopCh, retryInterval) {
			return
		}
	}

	if stopped(stopCh) {
		_ = s.client.Close()
		return
	}

	// Parameter creation is idempotent: an existing parameter counts as
	// success.
	if err := s.client.CreateParameter(context.Background(), MouthParameter, 0.0, 1.0, 0.0); err != nil {
		s.logger.Warn().Err(err).Msg("Could not create mouth parameter")
	}

	s.setState(StateReady)
	s.setReady(true)
	s.logger.Info().Msg("VTube Studio ready, lip sync enabled")

	// Hold the session until stopped. Liveness is not polled: a failed
	// injection during playback does not trigger reconnection, callers
	// use Restart for that.
	for !stopped(stopCh) {
		if !s.waitOrStop(stopCh, stopPollInterval) {
			break
		}
	}

	s.setReady(false)
	s.setState(StateIdle)
	_ = s.client.Close()
}

// attemptSession runs one connect+authenticate attempt as a unit.
func (s *Supervisor) attemptSession(stopCh chan struct{}) bool {
	s.setState(StateConnecting)
	if s.metrics != nil {
		s.metrics.AvatarConnectAttemptsTotal.Inc()
	}

	if err := s.client.Connect(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Connection attempt failed")
		s.setState(StateIdle)
		return false
	}

	if stopped(stopCh) {
		_ = s.client.Close()
		return false
	}

	s.setState(StateAuthenticating)
	ok, err := s.client.Authenticate(context.Background())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Authentication failed")
	} else if !ok {
		s.logger.Warn().Msg("Authentication rejected")
	}
	if err != nil || !ok {
		_ = s.client.Close()
		s.setState(StateIdle)
		return false
	}

	return true
}

// waitOrStop sleeps for the given duration, polling the stop signal at
// one-second granularity so shutdown stays responsive. Returns false
// when stopped.
func (s *Supervisor) waitOrStop(stopCh chan struct{}, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := stopPollInterval
		if remaining < step {
			step = remaining
		}
		select {
		case <-stopCh:
			return false
		case <-time.After(step):
		}
	}
}

func (s *Supervisor) setReady(v bool) {
	s.ready.Store(v)
	if s.metrics != nil {
		if v {
			s.metrics.AvatarConnected.Set(1)
		} else {
			s.metrics.AvatarConnected.Set(0)
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

func stopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// Play replays the envelope against the mouth parameter on a detached
// goroutine and returns immediately. When the session is not ready the
// whole operation is skipped: lip sync is best effort and never surfaces
// an error to the audio path.
func (s *Supervisor) Play(env lipsync.Envelope) {
	if len(env) == 0 {
		return
	}
	if !s.Ready() {
		s.logger.Debug().Msg("Not connected, skipping lip sync")
		if s.metrics != nil {
			s.metrics.AvatarPlaybacksTotal.WithLabelValues("skipped").Inc()
		}
		return
	}

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.playFrames(env, stopCh)
}

// playFrames replays each frame at its wall-clock offset adjusted by the
// playback speed, then forces the mouth closed. The trailing zero is
// sent on every exit path, including cancellation and injection failure.
func (s *Supervisor) playFrames(env lipsync.Envelope, stopCh chan struct{}) {
	ctx := context.Background()
	start := time.Now()

	defer func() {
		_ = s.client.InjectParameter(ctx, MouthParameter, 0.0, 1.0)
	}()

	status := "completed"
	for _, frame := range env {
		if stopped(stopCh) {
			status = "cancelled"
			break
		}

		adjusted := time.Duration(frame.Timestamp / s.cfg.PlaybackSpeed * float64(time.Second))
		if wait := adjusted - time.Since(start); wait > 0 {
			select {
			case <-stopCh:
				status = "cancelled"
			case <-time.After(wait):
			}
			if status == "cancelled" {
				break
			}
		}

		if err := s.client.InjectParameter(ctx, MouthParameter, frame.Value, 1.0); err != nil {
			s.logger.Debug().Err(err).Msg("Dropping playback after injection failure")
			status = "failed"
			break
		}
		if s.metrics != nil {
			s.metrics.AvatarFramesSentTotal.Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.AvatarPlaybacksTotal.WithLabelValues(status).Inc()
	}
}
