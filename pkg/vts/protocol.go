// Package vts implements a client for the VTube Studio public websocket
// API, the connection supervisor that keeps an authenticated session
// alive, and the frame player that replays lip-sync envelopes against
// the avatar's mouth parameter.
//
// The protocol is JSON request/response over a single websocket: one
// request in flight at a time, each response read directly after its
// request. Authentication is a two-phase handshake: a stored token is
// tried first, and a fresh token is requested (requiring the user to
// click Allow inside VTube Studio) when no token exists or the stored
// one is rejected.
package vts

import "encoding/json"

const (
	apiName    = "VTubeStudioPublicAPI"
	apiVersion = "1.0"

	// MouthParameter is the custom parameter driven during playback.
	MouthParameter = "MouthOpen"

	// errorIDParameterExists is returned by ParameterCreationRequest
	// when the custom parameter was already created by a previous run.
	errorIDParameterExists = 352
)

// Message types used by this client.
const (
	msgAuthenticationTokenRequest = "AuthenticationTokenRequest"
	msgAuthenticationRequest      = "AuthenticationRequest"
	msgParameterCreationRequest   = "ParameterCreationRequest"
	msgInjectParameterDataRequest = "InjectParameterDataRequest"
)

// request is the wire envelope for every outgoing message.
type request struct {
	APIName     string      `json:"apiName"`
	APIVersion  string      `json:"apiVersion"`
	RequestID   string      `json:"requestID"`
	MessageType string      `json:"messageType"`
	Data        interface{} `json:"data"`
}

// response is the wire envelope for every incoming message. Data is kept
// raw; callers decode it into the payload they expect.
type response struct {
	APIName     string          `json:"apiName"`
	APIVersion  string          `json:"apiVersion"`
	RequestID   string          `json:"requestID"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

// decodeData unmarshals the response payload into v. A missing payload
// leaves v untouched.
func (r *response) decodeData(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// authTokenRequestData asks VTube Studio to issue a new plugin token.
type authTokenRequestData struct {
	PluginName      string `json:"pluginName"`
	PluginDeveloper string `json:"pluginDeveloper"`
}

// authRequestData authenticates the session with an issued token.
type authRequestData struct {
	PluginName          string `json:"pluginName"`
	PluginDeveloper     string `json:"pluginDeveloper"`
	AuthenticationToken string `json:"authenticationToken"`
}

// authResponseData carries the result of both authentication phases.
type authResponseData struct {
	Authenticated       bool   `json:"authenticated"`
	AuthenticationToken string `json:"authenticationToken"`
	Reason              string `json:"reason"`
	ErrorID             int    `json:"errorID"`
	Message             string `json:"message"`
}

// paramCreationData registers a custom tracking parameter.
type paramCreationData struct {
	ParameterName string  `json:"parameterName"`
	Explanation   string  `json:"explanation"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	DefaultValue  float64 `json:"defaultValue"`
}

// paramCreationResponseData is the result of a creation request.
type paramCreationResponseData struct {
	ParameterName string `json:"parameterName"`
	ErrorID       int    `json:"errorID"`
	Message       string `json:"message"`
}

// parameterValue is one parameter write inside an injection request.
type parameterValue struct {
	ID     string  `json:"id"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// injectParamData sets custom parameter values on the live model.
type injectParamData struct {
	FaceFound       bool             `json:"faceFound"`
	Mode            string           `json:"mode"`
	ParameterValues []parameterValue `json:"parameterValues"`
}
