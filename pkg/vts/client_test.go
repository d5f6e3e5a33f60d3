package vts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVTS is an in-process stand-in for the VTube Studio websocket API.
type fakeVTS struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu sync.Mutex
	// behavior
	validTokens map[string]bool
	issueToken  string // token handed out on AuthenticationTokenRequest, "" denies
	paramExists bool   // respond with errorID 352 to parameter creation
	// observations
	injected     []parameterValue
	paramCreates int
	tokenIssued  int
}

func newFakeVTS() *fakeVTS {
	f := &fakeVTS{
		validTokens: make(map[string]bool),
		issueToken:  "issued-token",
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeVTS) hostPort(t *testing.T) (string, int) {
	t.Helper()
	addr := strings.TrimPrefix(f.server.URL, "http://")
	host, portStr, ok := strings.Cut(addr, ":")
	require.True(t, ok)
	var port int
	_, err := fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return host, port
}

func (f *fakeVTS) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		// The response struct shares the wire envelope shape and keeps
		// data raw, which is what the server side needs for decoding.
		var req response
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		resp := response{
			APIName:    req.APIName,
			APIVersion: req.APIVersion,
			RequestID:  req.RequestID,
		}

		switch req.MessageType {
		case msgAuthenticationTokenRequest:
			f.mu.Lock()
			token := f.issueToken
			if token != "" {
				f.validTokens[token] = true
				f.tokenIssued++
			}
			f.mu.Unlock()
			resp.MessageType = "AuthenticationTokenResponse"
			if token == "" {
				resp.Data = mustJSON(map[string]interface{}{"message": "user denied plugin"})
			} else {
				resp.Data = mustJSON(map[string]interface{}{"authenticationToken": token})
			}

		case msgAuthenticationRequest:
			var data authRequestData
			_ = json.Unmarshal(req.Data, &data)
			f.mu.Lock()
			ok := f.validTokens[data.AuthenticationToken]
			f.mu.Unlock()
			resp.MessageType = "AuthenticationResponse"
			resp.Data = mustJSON(map[string]interface{}{"authenticated": ok})

		case msgParameterCreationRequest:
			f.mu.Lock()
			f.paramCreates++
			exists := f.paramExists
			f.paramExists = true
			f.mu.Unlock()
			if exists {
				resp.MessageType = "APIError"
				resp.Data = mustJSON(map[string]interface{}{
					"errorID": errorIDParameterExists,
					"message": "parameter already exists",
				})
			} else {
				var data paramCreationData
				_ = json.Unmarshal(req.Data, &data)
				resp.MessageType = "ParameterCreationResponse"
				resp.Data = mustJSON(map[string]interface{}{"parameterName": data.ParameterName})
			}

		case msgInjectParameterDataRequest:
			var data injectParamData
			_ = json.Unmarshal(req.Data, &data)
			f.mu.Lock()
			f.injected = append(f.injected, data.ParameterValues...)
			f.mu.Unlock()
			resp.MessageType = "InjectParameterDataResponse"
			resp.Data = mustJSON(map[string]interface{}{})
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (f *fakeVTS) injections() []parameterValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]parameterValue, len(f.injected))
	copy(out, f.injected)
	return out
}

func (f *fakeVTS) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paramCreates
}

func (f *fakeVTS) close() {
	f.server.Close()
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func newTestClient(t *testing.T, f *fakeVTS, tokenFile string) *Client {
	t.Helper()
	host, port := f.hostPort(t)
	var store *TokenStore
	if tokenFile != "" {
		store = NewTokenStore(tokenFile)
	}
	return NewClient(ClientConfig{
		Host:            host,
		Port:            port,
		ExchangeTimeout: 2 * time.Second,
	}, store, zerolog.Nop())
}

func TestClientConnectRefused(t *testing.T) {
	// Port 1 is essentially never listening
	c := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1}, nil, zerolog.Nop())
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestClientAuthenticateWithSavedToken(t *testing.T) {
	f := newFakeVTS()
	defer f.close()
	f.validTokens["saved-token"] = true

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("saved-token\n"), 0600))

	c := newTestClient(t, f, tokenFile)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, c.IsConnected())

	// No fresh token was needed
	assert.Equal(t, 0, f.tokenIssued)
}

func TestClientAuthenticateRejectedTokenRequestsFresh(t *testing.T) {
	f := newFakeVTS()
	defer f.close()
	// "stale-token" is not in validTokens, so phase 1 is rejected

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("stale-token"), 0600))

	c := newTestClient(t, f, tokenFile)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// The durable credential was overwritten with the fresh token
	data, err := os.ReadFile(tokenFile)
	require.NoError(t, err)
	assert.Equal(t, "issued-token", string(data))
}

func TestClientAuthenticateTokenDenied(t *testing.T) {
	f := newFakeVTS()
	defer f.close()
	f.issueToken = "" // user never clicks Allow

	c := newTestClient(t, f, "")
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	ok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.IsConnected())
}

func TestClientCreateParameterIdempotent(t *testing.T) {
	f := newFakeVTS()
	defer f.close()
	f.validTokens["tok"] = true

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("tok"), 0600))

	c := newTestClient(t, f, tokenFile)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	ok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// First creation succeeds, second reports "already exists"; both are
	// success to the caller.
	assert.NoError(t, c.CreateParameter(context.Background(), MouthParameter, 0, 1, 0))
	assert.NoError(t, c.CreateParameter(context.Background(), MouthParameter, 0, 1, 0))
	assert.Equal(t, 2, f.creates())
}

func TestClientCallsWithoutConnection(t *testing.T) {
	c := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1}, nil, zerolog.Nop())

	_, err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.CreateParameter(context.Background(), MouthParameter, 0, 1, 0)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.InjectParameter(context.Background(), MouthParameter, 0.5, 1.0)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.False(t, c.IsConnected())
}

func TestClientCloseIdempotent(t *testing.T) {
	f := newFakeVTS()
	defer f.close()

	c := newTestClient(t, f, "")
	assert.NoError(t, c.Close()) // never connected

	require.NoError(t, c.Connect(context.Background()))
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
}

func TestClientInjectParameter(t *testing.T) {
	f := newFakeVTS()
	defer f.close()
	f.validTokens["tok"] = true

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("tok"), 0600))

	c := newTestClient(t, f, tokenFile)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	ok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.InjectParameter(context.Background(), MouthParameter, 0.75, 1.0))

	injected := f.injections()
	require.Len(t, injected, 1)
	assert.Equal(t, MouthParameter, injected[0].ID)
	assert.Equal(t, 0.75, injected[0].Value)
	assert.Equal(t, 1.0, injected[0].Weight)
}
