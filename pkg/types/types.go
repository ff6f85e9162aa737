package types

// Status is the observable state of a relay connection
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// RelayConfig describes one tunnel: where the relay is and which local server it exposes.
// It is supplied by the caller and not modified for the duration of a connection attempt.
type RelayConfig struct {
	RelayBaseURL string // Relay base URL (http, https, ws or wss)
	NetworkID    string // Identifier the local network registers under
	NetworkName  string // Optional display name, defaults to NetworkID
	LocalHost    string // Local server host forwarded requests are replayed against
	LocalPort    int    // Local server port
	UseHTTPS     bool   // Use https when talking to the local server
}

// DisplayName returns the name sent in the register info
func (c RelayConfig) DisplayName() string {
	if c.NetworkName != "" {
		return c.NetworkName
	}
	return c.NetworkID
}

// RelayConnection is the state of the tunnel as seen by observers
type RelayConnection struct {
	NetworkID    string `json:"network_id"`
	TunnelID     string `json:"tunnel_id,omitempty"`
	Token        string `json:"-"`
	RelayBaseURL string `json:"relay_base_url"`
	PublicURL    string `json:"public_url,omitempty"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
}
