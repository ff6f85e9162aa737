package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client -> relay
const (
	TypeRegister     = "register"
	TypeHeartbeat    = "heartbeat"
	TypeHTTPResponse = "http_response"
	TypeUnregister   = "unregister"
)

// Relay -> client
const (
	TypeRegistered   = "registered"
	TypeHTTPRequest  = "http_request"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"
)

var (
	// ErrMalformed marks frames that cannot be acted on
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType marks well-formed frames of a type the client does not handle
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidRequest marks an http_request whose requestId is usable but whose other
	// fields are not. It wraps ErrMalformed; the message still carries the request id.
	ErrInvalidRequest = fmt.Errorf("%w: invalid http_request", ErrMalformed)
)

// RegisterInfo describes the local network in a register message
type RegisterInfo struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Register asks the relay to open a tunnel for a network
type Register struct {
	Type      string       `json:"type"`
	NetworkID string       `json:"network_id"`
	Info      RegisterInfo `json:"info"`
}

// Heartbeat keeps a registered tunnel alive
type Heartbeat struct {
	Type string `json:"type"`
}

// Unregister tells the relay the client is going away
type Unregister struct {
	Type string `json:"type"`
}

// HTTPResponse answers one forwarded request. Body is a json.RawMessage when the local
// server replied with JSON, a string otherwise.
type HTTPResponse struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      interface{}       `json:"body"`
}

// ErrorBody is the payload of a synthetic error response
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Registered is the relay accepting a registration
type Registered struct {
	Token    string `json:"token"`
	TunnelID string `json:"tunnel_id"`
	RelayURL string `json:"relay_url"`
}

// HTTPRequest is one public request to replay against the local server
type HTTPRequest struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Query     Query           `json:"query"`
	Headers   Headers         `json:"headers"`
	Body      json.RawMessage `json:"body"`
}

// ErrorMessage is a relay error, usually a rejected registration
type ErrorMessage struct {
	Message string `json:"message"`
}

// Message is a decoded relay -> client frame. Exactly one payload field is set for the
// types that carry one.
type Message struct {
	Type       string
	Registered *Registered
	Request    *HTTPRequest
	Error      *ErrorMessage
}

// NewRegister builds the register message for networkID
func NewRegister(networkID string, info RegisterInfo) Register {
	return Register{Type: TypeRegister, NetworkID: networkID, Info: info}
}

// NewHeartbeat builds a heartbeat message
func NewHeartbeat() Heartbeat {
	return Heartbeat{Type: TypeHeartbeat}
}

// NewUnregister builds an unregister message
func NewUnregister() Unregister {
	return Unregister{Type: TypeUnregister}
}

// NewHTTPResponse builds the answer to a forwarded request. nil headers are sent as {}.
func NewHTTPResponse(requestID string, status int, headers map[string]string, body interface{}) HTTPResponse {
	if headers == nil {
		headers = map[string]string{}
	}
	return HTTPResponse{
		Type:      TypeHTTPResponse,
		RequestID: requestID,
		Status:    status,
		Headers:   headers,
		Body:      body,
	}
}

// NewErrorResponse builds a synthetic response for a request that could not be served locally
func NewErrorResponse(requestID string, status int, reason, details string) HTTPResponse {
	return NewHTTPResponse(requestID, status, map[string]string{"Content-Type": "application/json"},
		ErrorBody{Error: reason, Details: details})
}

// ParseMessage decodes one text frame from the relay.
// Frames that are not JSON objects, or that lack what their type needs, return ErrMalformed.
// Unknown types return the message together with ErrUnknownType. An http_request with a
// string requestId but unusable fields returns a message carrying only the id and method,
// together with ErrInvalidRequest, so it can still be answered.
func ParseMessage(data []byte) (*Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := &Message{Type: envelope.Type}

	switch envelope.Type {
	case TypeRegistered:
		var r Registered
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: registered: %v", ErrMalformed, err)
		}
		if r.Token == "" {
			return nil, fmt.Errorf("%w: registered without token", ErrMalformed)
		}
		msg.Registered = &r
	case TypeHTTPRequest:
		var r HTTPRequest
		if err := json.Unmarshal(data, &r); err != nil {
			ref, ok := requestRef(data)
			if !ok {
				return nil, fmt.Errorf("%w: http_request: %v", ErrMalformed, err)
			}
			msg.Request = ref
			return msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if r.RequestID == "" {
			return nil, fmt.Errorf("%w: http_request without requestId", ErrMalformed)
		}
		if r.Method == "" {
			r.Method = "GET"
		}
		msg.Request = &r
	case TypeError:
		var e ErrorMessage
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformed, err)
		}
		if e.Message == "" {
			e.Message = "relay error"
		}
		msg.Error = &e
	case TypeHeartbeatAck:
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	return msg, nil
}

// requestRef recovers the request id, and the method when it is a string, from an
// http_request that failed to decode as a whole
func requestRef(data []byte) (*HTTPRequest, bool) {
	var ref struct {
		RequestID string          `json:"requestId"`
		Method    json.RawMessage `json:"method"`
	}
	if err := json.Unmarshal(data, &ref); err != nil || ref.RequestID == "" {
		return nil, false
	}
	var method string
	if err := json.Unmarshal(ref.Method, &method); err != nil || method == "" {
		method = "GET"
	}
	return &HTTPRequest{RequestID: ref.RequestID, Method: method}, true
}

// BodyBytes returns the request body to replay locally.
// A JSON string is sent as its raw text; any other JSON value is sent as JSON.
func (r *HTTPRequest) BodyBytes() (data []byte, isJSON bool) {
	raw := bytes.TrimSpace(r.Body)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s), false
		}
	}
	return raw, true
}

// Query holds forwarded query parameters. The relay may send each value as a string,
// number, boolean or array of those.
type Query map[string][]string

// UnmarshalJSON accepts an object of scalars or scalar arrays; null and "" mean no query
func (q *Query) UnmarshalJSON(data []byte) error {
	*q = Query{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err == nil {
			for _, item := range items {
				if s, ok := scalarString(item); ok {
					(*q)[key] = append((*q)[key], s)
				}
			}
			continue
		}
		if s, ok := scalarString(value); ok {
			(*q)[key] = append((*q)[key], s)
		}
	}
	return nil
}

// Headers holds forwarded request headers. Array values are joined with ", ".
type Headers map[string]string

// UnmarshalJSON accepts an object of scalars or scalar arrays
func (h *Headers) UnmarshalJSON(data []byte) error {
	*h = Headers{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err == nil {
			parts := make([]string, 0, len(items))
			for _, item := range items {
				if s, ok := scalarString(item); ok {
					parts = append(parts, s)
				}
			}
			(*h)[key] = strings.Join(parts, ", ")
			continue
		}
		if s, ok := scalarString(value); ok {
			(*h)[key] = s
		}
	}
	return nil
}

// scalarString renders a JSON string, number or boolean as text. null and objects are rejected.
func scalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '{', '[':
		return "", false
	}
	return string(raw), true
}
