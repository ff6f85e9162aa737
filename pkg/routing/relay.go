package routing

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultRegisterPath is the relay endpoint that accepts tunnel registrations
const DefaultRegisterPath = "/tunnel/register"

// NormalizeRelayURL turns a relay base URL into the WebSocket URL of its registration endpoint.
//   - http -> ws, https -> wss, ws/wss kept, no scheme -> wss
//   - the path is made to end with registerPath (DefaultRegisterPath when empty)
//
// Example: "https://relay.example" -> "wss://relay.example/tunnel/register"
func NormalizeRelayURL(raw, registerPath string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("relay url is required")
	}
	if registerPath == "" {
		registerPath = DefaultRegisterPath
	}
	if !strings.HasPrefix(registerPath, "/") {
		registerPath = "/" + registerPath
	}
	registerPath = strings.TrimSuffix(registerPath, "/")

	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", raw)
	}

	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, registerPath) {
		path += registerPath
	}
	u.Path = path
	u.RawPath = ""
	u.Fragment = ""
	return u.String(), nil
}
