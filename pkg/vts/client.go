package vts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by protocol calls issued without a live
// connection.
var ErrNotConnected = errors.New("not connected to VTube Studio")

// ErrConnectionRefused indicates VTube Studio is not listening on the
// configured address, or its API is disabled. A normal operating
// condition, not a fault.
var ErrConnectionRefused = errors.New("VTube Studio is not running or its API is disabled")

const defaultExchangeTimeout = 15 * time.Second

// ClientConfig holds connection parameters for the protocol client.
type ClientConfig struct {
	Host            string
	Port            int
	PluginName      string
	PluginDeveloper string

	// ExchangeTimeout bounds one request/response round trip. The
	// protocol itself has no timeout; without this a hung remote would
	// stall the session forever. Token requests are exempt because they
	// block on a human clicking Allow.
	ExchangeTimeout time.Duration
}

// Client speaks the VTube Studio request/response protocol over one
// websocket connection. The protocol allows a single outstanding request,
// so every exchange runs under one mutex; concurrent playbacks interleave
// whole request/response pairs and the last write wins at the remote.
type Client struct {
	cfg    ClientConfig
	tokens *TokenStore
	logger zerolog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	token         string
	requestSeq    int
}

// NewClient creates a protocol client. The token store may be nil, in
// which case tokens are held in memory only and re-approval is needed
// every process start.
func NewClient(cfg ClientConfig, tokens *TokenStore, logger zerolog.Logger) *Client {
	if cfg.PluginName == "" {
		cfg.PluginName = "Lobby Receptionist"
	}
	if cfg.PluginDeveloper == "" {
		cfg.PluginDeveloper = "Lobby"
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}

	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With().Str("component", "vts").Logger(),
	}

	if tokens != nil {
		token, err := tokens.Load()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Could not load saved auth token")
		} else if token != "" {
			c.token = token
			c.logger.Info().Msg("Loaded saved auth token")
		}
	}

	return c
}

// Connect opens the websocket connection. It does not authenticate.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	uri := fmt.Sprintf("ws://%s:%d", c.cfg.Host, c.cfg.Port)
	c.logger.Info().Str("uri", uri).Msg("Connecting to VTube Studio")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return ErrConnectionRefused
		}
		return fmt.Errorf("connection error: %w", err)
	}

	c.conn = conn
	c.logger.Info().Msg("Connected to VTube Studio")
	return nil
}

// Authenticate runs the two-phase handshake. It returns true when the
// session ends up authenticated. A rejected token or denied approval
// yields (false, nil); the caller decides whether to retry. Transport
// failures yield an error.
func (c *Client) Authenticate(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return false, ErrNotConnected
	}

	// Phase 1: saved token
	if c.token != "" {
		c.logger.Info().Msg("Authenticating with saved token")
		ok, err := c.authenticateWithToken(ctx, c.token)
		if err != nil {
			return false, err
		}
		if ok {
			c.authenticated = true
			c.logger.Info().Msg("Authentication successful")
			return true, nil
		}

		c.logger.Info().Msg("Saved token rejected, requesting new token")
		c.token = ""
		if c.tokens != nil {
			if err := c.tokens.Clear(); err != nil {
				c.logger.Warn().Err(err).Msg("Could not clear rejected token")
			}
		}
	}

	// Phase 2: request a fresh token. This blocks until the user clicks
	// Allow inside VTube Studio, so no exchange deadline applies.
	c.logger.Info().Msg("Requesting new auth token -- click 'Allow' in VTube Studio")
	resp, err := c.exchange(ctx, msgAuthenticationTokenRequest, authTokenRequestData{
		PluginName:      c.cfg.PluginName,
		PluginDeveloper: c.cfg.PluginDeveloper,
	}, 0)
	if err != nil {
		return false, err
	}

	var tokenData authResponseData
	if err := resp.decodeData(&tokenData); err != nil {
		return false, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenData.AuthenticationToken == "" {
		c.logger.Error().
			Str("reason", tokenData.Message).
			Msg("Token request rejected")
		return false, nil
	}

	c.token = tokenData.AuthenticationToken
	if c.tokens != nil {
		if err := c.tokens.Save(c.token); err != nil {
			c.logger.Warn().Err(err).Msg("Could not persist auth token")
		} else {
			c.logger.Info().Msg("Auth token saved")
		}
	}

	ok, err := c.authenticateWithToken(ctx, c.token)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Error().Msg("Authentication with fresh token failed")
		return false, nil
	}

	c.authenticated = true
	c.logger.Info().Msg("Authentication successful")
	return true, nil
}

// authenticateWithToken sends one AuthenticationRequest. Caller holds mu.
func (c *Client) authenticateWithToken(ctx context.Context, token string) (bool, error) {
	resp, err := c.exchange(ctx, msgAuthenticationRequest, authRequestData{
		PluginName:          c.cfg.PluginName,
		PluginDeveloper:     c.cfg.PluginDeveloper,
		AuthenticationToken: token,
	}, c.cfg.ExchangeTimeout)
	if err != nil {
		return false, err
	}

	var data authResponseData
	if err := resp.decodeData(&data); err != nil {
		return false, fmt.Errorf("failed to decode auth response: %w", err)
	}
	return data.Authenticated, nil
}

// CreateParameter registers a custom tracking parameter. A parameter
// that already exists counts as success.
func (c *Client) CreateParameter(ctx context.Context, name string, min, max, defaultValue float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.authenticated {
		return ErrNotConnected
	}

	resp, err := c.exchange(ctx, msgParameterCreationRequest, paramCreationData{
		ParameterName: name,
		Explanation:   fmt.Sprintf("Lip sync parameter for %s", c.cfg.PluginName),
		Min:           min,
		Max:           max,
		DefaultValue:  defaultValue,
	}, c.cfg.ExchangeTimeout)
	if err != nil {
		return err
	}

	var data paramCreationResponseData
	if err := resp.decodeData(&data); err != nil {
		return fmt.Errorf("failed to decode parameter response: %w", err)
	}

	if data.ParameterName != "" {
		c.logger.Info().Str("parameter", name).Msg("Custom parameter ready")
		return nil
	}
	if data.ErrorID == errorIDParameterExists {
		c.logger.Info().Str("parameter", name).Msg("Parameter already exists")
		return nil
	}

	return fmt.Errorf("could not create parameter %s: %s (errorID %d)", name, data.Message, data.ErrorID)
}

// InjectParameter sets one custom parameter value on the live model.
func (c *Client) InjectParameter(ctx context.Context, name string, value, weight float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.authenticated {
		return ErrNotConnected
	}

	_, err := c.exchange(ctx, msgInjectParameterDataRequest, injectParamData{
		FaceFound: true,
		Mode:      "set",
		ParameterValues: []parameterValue{
			{ID: name, Value: value, Weight: weight},
		},
	}, c.cfg.ExchangeTimeout)
	return err
}

// IsConnected reports whether the session is connected and authenticated.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.authenticated
}

// Close closes the connection and clears the authenticated state. Safe
// to call when already disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.authenticated = false
	c.logger.Info().Msg("Disconnected from VTube Studio")
	return err
}

// exchange sends one request and reads its response. timeout of 0 means
// no deadline (used for the token approval wait). Caller holds mu.
func (c *Client) exchange(ctx context.Context, messageType string, data interface{}, timeout time.Duration) (*response, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	c.requestSeq++
	req := request{
		APIName:     apiName,
		APIVersion:  apiVersion,
		RequestID:   fmt.Sprintf("lobby-%d", c.requestSeq),
		MessageType: messageType,
		Data:        data,
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.dropConn()
		return nil, fmt.Errorf("failed to send %s: %w", messageType, err)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	var resp response
	if err := c.conn.ReadJSON(&resp); err != nil {
		c.dropConn()
		return nil, fmt.Errorf("failed to read %s response: %w", messageType, err)
	}

	return &resp, nil
}

// dropConn discards a connection after a transport failure. Caller holds mu.
func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.authenticated = false
}
