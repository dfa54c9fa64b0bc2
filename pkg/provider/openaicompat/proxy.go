package openaicompat

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Transport builds the plain upstream transport. headerTimeout bounds the
// wait for response headers; the body itself may stream for much longer.
func Transport(verifySSL bool, headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !verifySSL},
		ResponseHeaderTimeout: headerTimeout,
	}
}

// ProxyTransport builds a transport that tunnels upstream traffic through a
// socks5 or http(s) proxy. Certificate verification towards the target is
// disabled because inspecting proxies re-sign the traffic.
func ProxyTransport(addr, user, password, scheme string, headerTimeout time.Duration) (http.RoundTripper, error) {
	// The address may arrive with a scheme already attached.
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if host, port, ok := strings.Cut(addr, ":"); !ok || host == "" || port == "" {
		return nil, fmt.Errorf("openaicompat: invalid proxy address %q", addr)
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: true}

	if scheme == "socks5" {
		var auth *xproxy.Auth
		if user != "" && password != "" {
			auth = &xproxy.Auth{User: user, Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", addr, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("openaicompat: socks5 proxy %q: %w", addr, err)
		}
		transport := &http.Transport{
			TLSClientConfig:       tlsConfig,
			ResponseHeaderTimeout: headerTimeout,
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, address string) (net.Conn, error) {
				return dialer.Dial(network, address)
			}
		}
		return transport, nil
	}

	proxyURL := &url.URL{Scheme: scheme, Host: addr}
	if user != "" && password != "" {
		proxyURL.User = url.UserPassword(user, password)
	}
	return &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		TLSClientConfig:       tlsConfig,
		ResponseHeaderTimeout: headerTimeout,
	}, nil
}
