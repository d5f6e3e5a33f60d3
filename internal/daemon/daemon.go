// Package daemon wires the process together: config in, services
// constructed, signals handled, orderly shutdown out.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nadhira/lobby/internal/config"
	"github.com/nadhira/lobby/internal/logger"
	"github.com/nadhira/lobby/internal/metrics"
	"github.com/nadhira/lobby/internal/server"
	"github.com/nadhira/lobby/pkg/avatar"
	"github.com/nadhira/lobby/pkg/history"
	"github.com/nadhira/lobby/pkg/knowledge"
	"github.com/nadhira/lobby/pkg/llm"
	"github.com/nadhira/lobby/pkg/tts"
)

// Daemon is the assembled service.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	historyStore *history.Store
	retainer     *history.Retainer
	knowledge    *knowledge.Base
	kwWatcher    *knowledge.Watcher
	avatarDriver *avatar.Driver
	httpServer   *server.Server

	startTime time.Time
	running   bool
	serveErr  chan error
	mu        sync.Mutex
}

// New constructs every component from config. Nothing starts yet.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	zl := log.GetZerolog()
	m := metrics.NewMetrics()

	historyStore, err := history.NewStore(cfg.History.Dir, zl)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	retainer, err := history.NewRetainer(historyStore, cfg.History.RetentionDays, zl)
	if err != nil {
		return nil, fmt.Errorf("history retention: %w", err)
	}

	if err := knowledge.ValidateDir(cfg.Knowledge.Dir); err != nil {
		return nil, err
	}
	base := knowledge.NewBase(knowledge.Config{
		Dir:       cfg.Knowledge.Dir,
		TopK:      cfg.Knowledge.TopK,
		Threshold: cfg.Knowledge.Threshold,
	}, zl)
	m.KnowledgeChunksLoaded.Set(float64(base.Len()))

	driver := avatar.New(avatar.Config{
		Enabled:         cfg.Avatar.Enabled,
		Host:            cfg.Avatar.Host,
		Port:            cfg.Avatar.Port,
		PluginName:      "Lobby Receptionist",
		PluginDeveloper: "Lobby",
		TokenFile:       cfg.Avatar.TokenFile,
		PlaybackSpeed:   cfg.Avatar.PlaybackSpeed,
		TargetFPS:       cfg.Avatar.TargetFPS,
		Smoothing:       cfg.Avatar.Smoothing,
		Sensitivity:     cfg.Avatar.Sensitivity,
		MinThreshold:    cfg.Avatar.MinThreshold,
	}, m, zl)

	model := llm.New(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
	}, zl)

	deps := server.Deps{
		Model:     model,
		Avatar:    driver,
		Knowledge: base,
		History:   historyStore,
		Metrics:   m,
	}
	if cfg.TTS.Enabled {
		deps.Synth = tts.New(tts.Config{
			APIKey:  cfg.TTS.APIKey,
			BaseURL: cfg.TTS.BaseURL,
			Model:   cfg.TTS.Model,
			Voice:   cfg.TTS.Voice,
			Speed:   cfg.TTS.Speed,
			Timeout: time.Duration(cfg.TTS.TimeoutSecs) * time.Second,
		}, zl)
	}

	httpServer := server.New(cfg.Server, cfg.LLM.SystemPrompt, deps, zl)

	return &Daemon{
		config:       cfg,
		logger:       log,
		metrics:      m,
		historyStore: historyStore,
		retainer:     retainer,
		knowledge:    base,
		avatarDriver: driver,
		httpServer:   httpServer,
		startTime:    time.Now(),
	}, nil
}

// Start launches background services and the HTTP listener.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.retainer.Start()

	if d.config.Knowledge.Watch {
		watcher, err := knowledge.NewWatcher(d.knowledge, d.logger.GetZerolog())
		if err != nil {
			d.logger.Warn().Err(err).Msg("knowledge watcher unavailable, edits need a restart")
		} else if err := watcher.Start(); err != nil {
			d.logger.Warn().Err(err).Msg("knowledge watcher could not start")
		} else {
			d.kwWatcher = watcher
		}
	}

	d.avatarDriver.Start()

	// Buffered so the server goroutine can exit even if nobody reads;
	// Run keeps selecting on this after startup so a late listener
	// failure still brings the process down.
	d.serveErr = make(chan error, 1)
	go func() {
		d.serveErr <- d.httpServer.Start()
	}()

	// Give the listener a moment to fail fast on a bound port
	select {
	case err := <-d.serveErr:
		if err != nil {
			d.stopServices()
			return err
		}
	case <-time.After(250 * time.Millisecond):
	}

	d.logger.Info().
		Int("port", d.config.Server.Port).
		Bool("avatar", d.config.Avatar.Enabled).
		Msg("daemon started")
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("stopping daemon")

	err := d.httpServer.Stop()
	d.stopServices()

	d.logger.Info().Msg("daemon stopped")
	return err
}

func (d *Daemon) stopServices() {
	d.avatarDriver.Stop()
	if d.kwWatcher != nil {
		d.kwWatcher.Stop()
	}
	d.retainer.Stop()
}

// Run starts the daemon and blocks until the context is cancelled or
// SIGINT/SIGTERM arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("received signal")
	case <-ctx.Done():
	case err := <-d.serveErr:
		if err != nil {
			d.logger.Error().Err(err).Msg("http server failed")
			d.Stop()
			return err
		}
	}

	return d.Stop()
}
