// Package avatar ties envelope extraction and the VTube Studio session
// together behind a small facade. Callers hand it synthesized speech
// audio and it animates the model's mouth; everything else -- connection
// lifecycle, retries, frame pacing -- is internal.
package avatar

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/nadhira/lobby/internal/metrics"
	"github.com/nadhira/lobby/pkg/lipsync"
	"github.com/nadhira/lobby/pkg/vts"
)

// Config controls the driver. Zero values fall back to the same
// defaults the extraction and session layers use.
type Config struct {
	Enabled         bool
	Host            string
	Port            int
	PluginName      string
	PluginDeveloper string
	TokenFile       string
	PlaybackSpeed   float64

	TargetFPS    int
	Smoothing    float64
	Sensitivity  float64
	MinThreshold float64
}

// Driver is the single process-wide handle to the avatar. Construct it
// once at startup and pass it where it is needed. When the avatar is
// disabled in config the driver is a permanent no-op: every method is
// safe to call and does nothing.
type Driver struct {
	enabled  bool
	analyzer *lipsync.Analyzer
	sup      *vts.Supervisor
	logger   zerolog.Logger
}

// New builds a driver from config. A disabled config yields a no-op
// driver; this is decided once, here, not per call.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Driver {
	if !cfg.Enabled {
		logger.Info().Msg("avatar disabled, lip-sync is a no-op")
		return &Driver{logger: logger}
	}

	analyzer := lipsync.NewAnalyzer(lipsync.Config{
		TargetFPS:    cfg.TargetFPS,
		Smoothing:    cfg.Smoothing,
		Sensitivity:  cfg.Sensitivity,
		MinThreshold: cfg.MinThreshold,
	}, logger)

	client := vts.NewClient(vts.ClientConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		PluginName:      cfg.PluginName,
		PluginDeveloper: cfg.PluginDeveloper,
	}, vts.NewTokenStore(cfg.TokenFile), logger)

	sup := vts.NewSupervisor(vts.SupervisorConfig{
		RetryInterval: 10 * time.Second,
		StopTimeout:   5 * time.Second,
		PlaybackSpeed: cfg.PlaybackSpeed,
	}, client, m, logger)

	return &Driver{
		enabled:  true,
		analyzer: analyzer,
		sup:      sup,
		logger:   logger,
	}
}

// Start launches the connection supervisor. Returns immediately; the
// supervisor keeps retrying in the background until the avatar
// application shows up.
func (d *Driver) Start() {
	if !d.enabled {
		return
	}
	d.sup.Start()
}

// Speak extracts a mouth envelope from MP3 audio and schedules it for
// playback. Fire and forget: it returns immediately and never blocks
// the caller, and a dead or absent avatar costs nothing but a debug
// log.
func (d *Driver) Speak(mp3 []byte) {
	if !d.enabled || len(mp3) == 0 {
		return
	}
	go func() {
		env := d.analyzer.Extract(mp3)
		if len(env) == 0 {
			d.logger.Debug().Msg("empty envelope, nothing to play")
			return
		}
		d.sup.Play(env)
	}()
}

// Ready reports whether an authenticated avatar session is live.
func (d *Driver) Ready() bool {
	if !d.enabled {
		return false
	}
	return d.sup.Ready()
}

// Restart tears the current session down and reconnects.
func (d *Driver) Restart() {
	if !d.enabled {
		return
	}
	d.sup.Restart()
}

// Stop shuts the session down. Blocks until the supervisor exits or
// its stop timeout fires.
func (d *Driver) Stop() {
	if !d.enabled {
		return
	}
	d.sup.Stop()
}
