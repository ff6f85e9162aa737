package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/routing"
)

// Reasons sent to the relay in synthetic error responses
const (
	ReasonUnreachable      = "Failed to reach local network"
	ReasonInvalidRequest   = "Invalid forwarded request"
	ReasonResponseTooLarge = "Local response too large"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 32 << 20
)

var (
	// ErrLocalUnreachable means the local server could not be reached or its response not read
	ErrLocalUnreachable = errors.New("local server unreachable")
	// ErrInvalidRequest means the forwarded request could not be turned into a local request
	ErrInvalidRequest = errors.New("invalid forwarded request")
	// ErrResponseTooLarge means the local response body exceeded the size limit
	ErrResponseTooLarge = errors.New("local response too large")
)

// Request headers that describe the relay hop rather than the original client request.
// Keys are lower case.
var strippedRequestHeaders = map[string]struct{}{
	"host":               {},
	"x-forwarded-for":    {},
	"x-forwarded-proto":  {},
	"x-forwarded-port":   {},
	"x-forwarded-host":   {},
	"x-forwarded-server": {},
	"x-forwarded-prefix": {},
	"forwarded":          {},
	"x-real-ip":          {},
	"true-client-ip":     {},
	"cf-connecting-ip":   {},
	"cf-ray":             {},
	"cf-visitor":         {},
	"cf-ipcountry":       {},
	"cf-worker":          {},
	"cdn-loop":           {},
	"x-amzn-trace-id":    {},
	"via":                {},
	"connection":         {},
	"upgrade":            {},
	"keep-alive":         {},
	"proxy-connection":   {},
	"te":                 {},
	"trailer":            {},
	"transfer-encoding":  {},
	"content-length":     {},
	"accept-encoding":    {},
}

var strippedRequestPrefixes = []string{"x-vercel-", "fly-", "x-envoy-"}

// Response headers the relay sets itself, plus framing headers that no longer match once
// the body is re-encoded into a frame
var strippedResponseHeaders = map[string]struct{}{
	"access-control-allow-origin":      {},
	"access-control-allow-methods":     {},
	"access-control-allow-headers":     {},
	"access-control-allow-credentials": {},
	"access-control-expose-headers":    {},
	"access-control-max-age":           {},
	"content-length":                   {},
	"transfer-encoding":                {},
	"connection":                       {},
	"keep-alive":                       {},
}

// IsStrippedRequestHeader reports whether name is removed before a request is replayed locally
func IsStrippedRequestHeader(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := strippedRequestHeaders[name]; ok {
		return true
	}
	for _, prefix := range strippedRequestPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// SanitizeRequestHeaders copies the forwarded headers minus relay-hop headers.
// Header names are matched case-insensitively; the result is canonicalized.
func SanitizeRequestHeaders(in map[string]string) http.Header {
	out := make(http.Header, len(in))
	for name, value := range in {
		if name == "" || IsStrippedRequestHeader(name) {
			continue
		}
		out.Set(name, value)
	}
	return out
}

// FilterResponseHeaders flattens local response headers for the relay, dropping CORS
// control headers and framing headers. Multiple values are joined with ", ".
func FilterResponseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, ok := strippedResponseHeaders[strings.ToLower(name)]; ok {
			continue
		}
		if len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// Options configure a Forwarder
type Options struct {
	Timeout         time.Duration     // Per-request timeout, default 30s
	Transport       http.RoundTripper // Defaults to a clone of http.DefaultTransport
	MaxResponseBody int64             // Largest local response body relayed, default 32 MiB
}

// Forwarder replays forwarded requests against the local server
type Forwarder struct {
	target  routing.LocalTarget
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

// NewForwarder creates a forwarder for target
func NewForwarder(target routing.LocalTarget, opts Options) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &Forwarder{
		target:  target,
		timeout: opts.Timeout,
		maxBody: opts.MaxResponseBody,
		client: &http.Client{
			Transport: opts.Transport,
			// Redirects go back to the public caller, whose browser resolves them against the public URL
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Target returns the local server this forwarder talks to
func (f *Forwarder) Target() routing.LocalTarget {
	return f.target
}

// Forward replays req locally and returns the response to send back to the relay.
// The response always carries req.RequestID. When the local call fails the response is a
// synthetic 502 and the error says why. Bodies over the size limit are never truncated;
// they are answered with a 502 and ErrResponseTooLarge.
func (f *Forwarder) Forward(ctx context.Context, req *protocol.HTTPRequest) (protocol.HTTPResponse, error) {
	target, err := f.target.URL(req.Path, req.Query)
	if err != nil {
		return protocol.NewErrorResponse(req.RequestID, http.StatusBadRequest, ReasonInvalidRequest, err.Error()),
			fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	method := strings.ToUpper(req.Method)
	var body io.Reader
	data, isJSON := req.BodyBytes()
	if data != nil && method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return protocol.NewErrorResponse(req.RequestID, http.StatusBadRequest, ReasonInvalidRequest, err.Error()),
			fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header = SanitizeRequestHeaders(req.Headers)
	if body != nil && isJSON && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return protocol.NewErrorResponse(req.RequestID, http.StatusBadGateway, ReasonUnreachable, err.Error()),
			fmt.Errorf("%w: %v", ErrLocalUnreachable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return protocol.NewErrorResponse(req.RequestID, http.StatusBadGateway, ReasonUnreachable, err.Error()),
			fmt.Errorf("%w: read response: %v", ErrLocalUnreachable, err)
	}
	if int64(len(payload)) > f.maxBody {
		details := fmt.Sprintf("body exceeds %d bytes", f.maxBody)
		return protocol.NewErrorResponse(req.RequestID, http.StatusBadGateway, ReasonResponseTooLarge, details),
			fmt.Errorf("%w: %s", ErrResponseTooLarge, details)
	}

	return protocol.NewHTTPResponse(req.RequestID, resp.StatusCode, FilterResponseHeaders(resp.Header),
		decodeBody(resp.Header.Get("Content-Type"), payload)), nil
}

// decodeBody keeps JSON bodies as JSON and everything else as text
func decodeBody(contentType string, payload []byte) interface{} {
	if isJSONContentType(contentType) && len(bytes.TrimSpace(payload)) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
