package routing

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

const defaultLocalHost = "localhost"

// LocalTarget is the local server that forwarded requests are replayed against
type LocalTarget struct {
	Host     string
	Port     int
	UseHTTPS bool
}

// BaseURL returns scheme://host[:port] for the target.
// An empty host falls back to localhost, a zero port leaves the scheme default.
func (t LocalTarget) BaseURL() string {
	scheme := "http"
	if t.UseHTTPS {
		scheme = "https"
	}
	host := strings.TrimSpace(t.Host)
	if host == "" {
		host = defaultLocalHost
	}
	if t.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(t.Port))
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		// bare IPv6 literal
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

// URL joins a forwarded path and its query parameters onto the target.
// A query string already present in path is kept; query values are appended to it.
func (t LocalTarget) URL(path string, query map[string][]string) (string, error) {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	u, err := url.Parse(t.BaseURL() + path)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		values := u.Query()
		for key, vals := range query {
			for _, v := range vals {
				values.Add(key, v)
			}
		}
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}
