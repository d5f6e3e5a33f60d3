// Package tts synthesizes speech through an OpenAI-compatible audio
// endpoint and returns raw MP3 bytes. The same bytes feed the browser
// player and the avatar lip-sync driver.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// Config holds synthesis settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Speed   float64
	Timeout time.Duration
}

// Client wraps the SDK's speech endpoint.
type Client struct {
	client openai.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a synthesis client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SpeechModelTTS1)
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

// Synthesize turns text into MP3 audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("empty text")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.cfg.Model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(c.cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if c.cfg.Speed > 0 {
		params.Speed = openai.Float(c.cfg.Speed)
	}

	start := time.Now()
	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	c.logger.Debug().
		Int("bytes", len(audio)).
		Dur("duration", time.Since(start)).
		Msg("speech synthesized")

	return audio, nil
}
