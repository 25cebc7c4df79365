// Package httpclient builds the *http.Client injected into the GenAI
// driver and the SSE reader, adapted from the teacher's proxy helper so
// the core never dials the network directly (spec.md §1: "the network
// transport itself ... treated as an injected HTTP client").
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// New builds an *http.Client with the given timeout and, if proxyURL is
// non-empty, routed through a SOCKS5, HTTP or HTTPS proxy.
func New(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	return WithProxy(proxyURL, client)
}

// WithProxy configures client's transport from proxyURL in place and
// returns it, supporting SOCKS5, HTTP and HTTPS schemes.
func WithProxy(proxyURL string, client *http.Client) *http.Client {
	if proxyURL == "" {
		return client
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Errorf("httpclient: invalid proxy url: %v", err)
		return client
	}

	var transport *http.Transport
	switch parsed.Scheme {
	case "socks5":
		username := parsed.User.Username()
		password, _ := parsed.User.Password()
		auth := &proxy.Auth{User: username, Password: password}
		dialer, errDial := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errDial != nil {
			log.Errorf("httpclient: create SOCKS5 dialer failed: %v", errDial)
			return client
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Warnf("httpclient: unsupported proxy scheme %q, ignoring", parsed.Scheme)
		return client
	}
	client.Transport = transport
	return client
}
