package lipsync

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnalyzer(cfg Config) *Analyzer {
	return NewAnalyzer(cfg, zerolog.Nop())
}

// constantSamples returns n mono samples all at the given amplitude.
func constantSamples(n int, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude
	}
	return out
}

func TestFromPCMConstantHalfScale(t *testing.T) {
	// 1 second of mono 16kHz at constant half-scale amplitude with no
	// smoothing: 30 frames, each clamped to 1.0 (0.5 * 3.0 > 1).
	a := newTestAnalyzer(Config{
		TargetFPS:    30,
		Smoothing:    0,
		Sensitivity:  3.0,
		MinThreshold: 0.02,
	})

	env := a.FromPCM(constantSamples(16000, 0.5), 16000)
	require.Len(t, env, 30)

	for i, f := range env {
		assert.InDelta(t, float64(i)/30.0, f.Timestamp, 1e-9)
		assert.Equal(t, 1.0, f.Value, "frame %d", i)
	}
}

func TestFromPCMSilence(t *testing.T) {
	a := newTestAnalyzer(DefaultConfig())

	env := a.FromPCM(constantSamples(48000, 0), 16000)
	require.NotEmpty(t, env)

	for _, f := range env {
		assert.Equal(t, 0.0, f.Value)
	}
}

func TestFromPCMBelowThresholdIsExactlyZero(t *testing.T) {
	a := newTestAnalyzer(Config{
		TargetFPS:    30,
		Smoothing:    0,
		Sensitivity:  3.0,
		MinThreshold: 0.02,
	})

	// RMS of a constant 0.01 signal is 0.01, below the 0.02 threshold.
	env := a.FromPCM(constantSamples(16000, 0.01), 16000)
	require.NotEmpty(t, env)
	for _, f := range env {
		assert.Equal(t, 0.0, f.Value)
	}
}

func TestFromPCMClampsToOne(t *testing.T) {
	a := newTestAnalyzer(Config{
		TargetFPS:    30,
		Smoothing:    0,
		Sensitivity:  100.0,
		MinThreshold: 0.02,
	})

	env := a.FromPCM(constantSamples(16000, 0.9), 16000)
	require.NotEmpty(t, env)
	for _, f := range env {
		assert.Equal(t, 1.0, f.Value)
	}
}

func TestFromPCMTimestampsMonotonic(t *testing.T) {
	a := newTestAnalyzer(DefaultConfig())

	// Alternating loud and quiet slices
	samples := make([]float64, 44100)
	for i := range samples {
		if (i/4410)%2 == 0 {
			samples[i] = 0.8 * math.Sin(float64(i)*0.3)
		}
	}

	env := a.FromPCM(samples, 44100)
	require.NotEmpty(t, env)

	prev := -1.0
	for _, f := range env {
		assert.Greater(t, f.Timestamp, prev)
		assert.GreaterOrEqual(t, f.Value, 0.0)
		assert.LessOrEqual(t, f.Value, 1.0)
		prev = f.Timestamp
	}
}

func TestFromPCMSmoothingDeterministic(t *testing.T) {
	cfg := Config{
		TargetFPS:    30,
		Smoothing:    0.3,
		Sensitivity:  3.0,
		MinThreshold: 0.02,
	}

	samples := make([]float64, 32000)
	for i := range samples {
		samples[i] = 0.4 * math.Sin(float64(i)*0.05)
	}

	first := newTestAnalyzer(cfg).FromPCM(samples, 16000)
	second := newTestAnalyzer(cfg).FromPCM(samples, 16000)
	require.Equal(t, len(first), len(second))

	for i := range first {
		assert.Equal(t, first[i].Value, second[i].Value, "frame %d not reproducible", i)
	}
}

func TestFromPCMSmoothingApplied(t *testing.T) {
	cfg := Config{
		TargetFPS:    30,
		Smoothing:    0.5,
		Sensitivity:  1.0,
		MinThreshold: 0.0,
	}
	a := newTestAnalyzer(cfg)

	// Constant 0.5 input: raw value 0.5 each frame, smoothed series
	// converges from 0.25 toward 0.5.
	env := a.FromPCM(constantSamples(16000, 0.5), 16000)
	require.NotEmpty(t, env)

	assert.InDelta(t, 0.25, env[0].Value, 1e-9)
	assert.Greater(t, env[1].Value, env[0].Value)
	assert.InDelta(t, 0.5, env[len(env)-1].Value, 0.01)
}

func TestFromPCMShortInput(t *testing.T) {
	a := newTestAnalyzer(DefaultConfig())

	// Fewer samples than one frame
	env := a.FromPCM(constantSamples(10, 0.5), 16000)
	assert.Empty(t, env)

	env = a.FromPCM(nil, 16000)
	assert.Empty(t, env)

	env = a.FromPCM(constantSamples(100, 0.5), 0)
	assert.Empty(t, env)
}

func TestExtractMalformedAudio(t *testing.T) {
	a := newTestAnalyzer(DefaultConfig())

	assert.Empty(t, a.Extract(nil))
	assert.Empty(t, a.Extract([]byte("definitely not an mp3 stream")))
}

func TestEnvelopeDuration(t *testing.T) {
	assert.Equal(t, 0.0, Envelope(nil).Duration())

	env := Envelope{{Timestamp: 0}, {Timestamp: 0.5}, {Timestamp: 1.0}}
	assert.Equal(t, 1.0, env.Duration())
}

func TestNewAnalyzerFallbackDefaults(t *testing.T) {
	a := NewAnalyzer(Config{TargetFPS: -1, Sensitivity: -5, Smoothing: 2}, zerolog.Nop())
	def := DefaultConfig()
	assert.Equal(t, def.TargetFPS, a.cfg.TargetFPS)
	assert.Equal(t, def.Sensitivity, a.cfg.Sensitivity)
	assert.Equal(t, def.Smoothing, a.cfg.Smoothing)
}
