// Package transport adapts TCP, TLS, Unix domain sockets, and WebSocket
// byte streams to a uniform net.Listener/net.Conn surface so the rest of
// the suite (C1-C10) never has to know which wire carried an MQTT packet.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Listen creates a listener for network, one of "tcp", "tls", "unix", "ws",
// or "wss". TLS and WSS require tlsConfig. addr is a host:port pair for
// tcp/tls/ws/wss, or a filesystem path for unix.
func Listen(network, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	network = strings.ToLower(network)

	switch network {
	case "tcp", "":
		if !strings.Contains(addr, ":") {
			addr += ":1883"
		}
		return net.Listen("tcp", addr)

	case "tls":
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls config required for tls listener")
		}
		if !strings.Contains(addr, ":") {
			addr += ":8883"
		}
		return tls.Listen("tcp", addr, tlsConfig)

	case "unix":
		return net.Listen("unix", addr)

	case "ws":
		if !strings.Contains(addr, ":") {
			addr += ":80"
		}
		return newWSListener(addr, nil)

	case "wss":
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls config required for wss listener")
		}
		if !strings.Contains(addr, ":") {
			addr += ":443"
		}
		return newWSListener(addr, tlsConfig)

	default:
		return nil, fmt.Errorf("transport: unsupported network: %s", network)
	}
}

// Dial connects to addr, choosing the transport from its URL scheme:
// tcp://, tls://, unix://, ws://, or wss://. A bare host:port with no
// scheme is dialed over plain TCP.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if !strings.Contains(addr, "://") {
		if !strings.Contains(addr, ":") {
			addr += ":1883"
		}
		return dialTCP(ctx, addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return dialTCP(ctx, addr)
	}

	scheme := strings.ToLower(u.Scheme)
	host := u.Host

	switch scheme {
	case "", "tcp", "mqtt":
		if host == "" {
			host = addr
		}
		if !strings.Contains(host, ":") {
			host += ":1883"
		}
		return dialTCP(ctx, host)

	case "tls", "mqtts", "ssl":
		if !strings.Contains(host, ":") {
			host += ":8883"
		}
		return dialTLS(ctx, host, tlsConfig)

	case "unix":
		var d net.Dialer
		return d.DialContext(ctx, "unix", u.Path)

	case "ws":
		if !strings.Contains(host, ":") {
			host += ":80"
		}
		wsURL := "ws://" + host + u.Path
		if u.Path == "" {
			wsURL += "/mqtt"
		}
		return dialWebSocket(ctx, wsURL, nil)

	case "wss":
		if !strings.Contains(host, ":") {
			host += ":443"
		}
		wsURL := "wss://" + host + u.Path
		if u.Path == "" {
			wsURL += "/mqtt"
		}
		return dialWebSocket(ctx, wsURL, tlsConfig)

	default:
		return nil, fmt.Errorf("transport: unsupported scheme: %s", scheme)
	}
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func dialTLS(ctx context.Context, addr string, config *tls.Config) (net.Conn, error) {
	if config == nil {
		host, _, _ := net.SplitHostPort(addr)
		config = &tls.Config{ServerName: host}
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(c, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return tlsConn, nil
}
