// Package lipsync converts compressed speech audio into a time-indexed
// amplitude envelope that approximates mouth openness. The envelope is a
// proxy for loudness, not a phoneme analysis: each frame carries the RMS
// amplitude of one fixed-duration slice of the signal, thresholded,
// scaled and smoothed so an avatar mouth tracks speech without jitter.
package lipsync

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"
)

// Frame is one sample of the envelope: mouth openness at a point in time.
type Frame struct {
	Timestamp float64 // seconds from the start of the audio
	Value     float64 // mouth openness in [0, 1]
}

// Envelope is a fully materialized, timestamp-ordered amplitude curve.
type Envelope []Frame

// Duration returns the timestamp of the final frame, or 0 when empty.
func (e Envelope) Duration() float64 {
	if len(e) == 0 {
		return 0
	}
	return e[len(e)-1].Timestamp
}

// Config holds envelope extraction parameters
type Config struct {
	TargetFPS    int     // frames per second of the output envelope
	Smoothing    float64 // exponential smoothing factor in [0, 1)
	Sensitivity  float64 // RMS multiplier before clamping to 1.0
	MinThreshold float64 // RMS below this maps to 0
}

// DefaultConfig returns the default extraction parameters
func DefaultConfig() Config {
	return Config{
		TargetFPS:    30,
		Smoothing:    0.3,
		Sensitivity:  3.0,
		MinThreshold: 0.02,
	}
}

// Analyzer extracts amplitude envelopes from MP3 audio
type Analyzer struct {
	cfg    Config
	logger zerolog.Logger
}

// NewAnalyzer creates an analyzer with the given config. Out-of-range
// fields fall back to their defaults; a smoothing of exactly 0 is valid
// and disables smoothing.
func NewAnalyzer(cfg Config, logger zerolog.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = def.TargetFPS
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = def.Sensitivity
	}
	if cfg.MinThreshold < 0 {
		cfg.MinThreshold = def.MinThreshold
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = def.Smoothing
	}
	return &Analyzer{
		cfg:    cfg,
		logger: logger.With().Str("component", "lipsync").Logger(),
	}
}

// Extract decodes MP3 bytes and returns the amplitude envelope. Decode
// failure yields an empty envelope, never an error: lip-sync is cosmetic
// and must not fail the audio path.
func (a *Analyzer) Extract(mp3Bytes []byte) Envelope {
	samples, sampleRate, err := decodeMP3(mp3Bytes)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Audio decode failed, skipping lip sync analysis")
		return nil
	}

	env := a.FromPCM(samples, sampleRate)
	if len(env) > 0 {
		a.logger.Debug().
			Int("frames", len(env)).
			Float64("duration", env.Duration()).
			Msg("Analyzed audio envelope")
	}
	return env
}

// FromPCM computes the envelope from normalized mono samples in [-1, 1].
// This is the pure analysis core; it never fails.
func (a *Analyzer) FromPCM(samples []float64, sampleRate int) Envelope {
	if sampleRate <= 0 || len(samples) == 0 {
		return nil
	}

	samplesPerFrame := sampleRate / a.cfg.TargetFPS
	if samplesPerFrame <= 0 {
		return nil
	}
	numFrames := len(samples) / samplesPerFrame
	if numFrames == 0 {
		return nil
	}

	env := make(Envelope, 0, numFrames)
	previous := 0.0

	for i := 0; i < numFrames; i++ {
		chunk := samples[i*samplesPerFrame : (i+1)*samplesPerFrame]

		sumSq := 0.0
		for _, s := range chunk {
			sumSq += s * s
		}
		rms := math.Sqrt(sumSq / float64(len(chunk)))

		value := 0.0
		if rms >= a.cfg.MinThreshold {
			value = math.Min(1.0, rms*a.cfg.Sensitivity)
		}

		value = previous*a.cfg.Smoothing + value*(1-a.cfg.Smoothing)
		previous = value

		env = append(env, Frame{
			Timestamp: float64(i) / float64(a.cfg.TargetFPS),
			Value:     value,
		})
	}

	return env
}

// decodeMP3 decodes MP3 bytes to normalized mono samples at the stream's
// native sample rate. go-mp3 always emits 16-bit little-endian stereo.
func decodeMP3(data []byte) ([]float64, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, err
	}

	const frameBytes = 4 // 2 channels x int16
	n := len(raw) / frameBytes
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		left := int16(binary.LittleEndian.Uint16(raw[i*frameBytes:]))
		right := int16(binary.LittleEndian.Uint16(raw[i*frameBytes+2:]))
		mono := (float64(left) + float64(right)) / 2
		samples = append(samples, mono/math.MaxInt16)
	}

	return samples, dec.SampleRate(), nil
}
