package rpdispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	ValidMaxIdleConns             = 200
	ValidMinIdleConns             = 1
	ValidMaxIdleConnsPerHost      = 200
	ValidMinIdleConnsPerHost      = 1
	ValidMaxIdleConnTimeout       = 120 * time.Second
	ValidMinIdleConnTimeout       = 1 * time.Second
	ValidMaxTLSHandshakeTimeout   = 15 * time.Second
	ValidMinTLSHandshakeTimeout   = 1 * time.Second
	ValidMaxExpectContinueTimeout = 5 * time.Second
	ValidMinExpectContinueTimeout = 1 * time.Second
	ValidMaxTimeout               = 600 * time.Second
	ValidMinTimeout               = 1 * time.Second

	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 100

	// DefaultIdleConnTimeout is the default idle connection timeout
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultTLSHandshakeTimeout is the default TLS handshake timeout
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultExpectContinueTimeout is the default expect continue timeout
	DefaultExpectContinueTimeout = 1 * time.Second

	// DefaultMaxIdleConnsPerHost is the default maximum number of idle connections per host
	DefaultMaxIdleConnsPerHost = 100

	// DefaultTimeout is the default timeout for a request, including reading the response
	DefaultTimeout = 300 * time.Second
)

// Connection is an HTTP session bound to the service origin and bearer token.
// In persistent mode keep-alives stay on and requests are addressed by path only.
// Otherwise every request carries the absolute URL and the connection is not reused.
type Connection struct {
	client     *http.Client
	origin     string
	token      string
	persistent bool
}

// Persistent reports whether the connection is bound to the origin
func (c *Connection) Persistent() bool {
	return c.persistent
}

// Origin returns the scheme, host and port the connection talks to
func (c *Connection) Origin() string {
	return c.origin
}

// NewRequest builds an authorized request. In persistent mode target is a path
// relative to the origin, otherwise it is an absolute URL.
func (c *Connection) NewRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	if c.persistent && strings.HasPrefix(target, "/") {
		target = c.origin + target
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, strings.ToUpper(method), target, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, strings.ToUpper(method), target, nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// Do sends the request on the connection
func (c *Connection) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Close releases the idle connections held by the session
func (c *Connection) Close() {
	c.client.CloseIdleConnections()
}

// ConnectionBuilder is a builder for creating a Connection
type ConnectionBuilder struct {
	settings              Settings
	maxIdleConns          int
	idleConnTimeout       time.Duration
	tlsHandshakeTimeout   time.Duration
	expectContinueTimeout time.Duration
	maxIdleConnsPerHost   int
	timeout               time.Duration
}

// NewConnectionBuilder creates a new ConnectionBuilder with default transport settings
// for the given service settings
func NewConnectionBuilder(settings Settings) *ConnectionBuilder {
	return &ConnectionBuilder{
		settings:              settings,
		maxIdleConns:          DefaultMaxIdleConns,
		idleConnTimeout:       DefaultIdleConnTimeout,
		tlsHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		expectContinueTimeout: DefaultExpectContinueTimeout,
		maxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		timeout:               DefaultTimeout,
	}
}

// WithMaxIdleConns sets the maximum number of idle connections
// and returns the ConnectionBuilder for method chaining
func (b *ConnectionBuilder) WithMaxIdleConns(maxIdleConns int) *ConnectionBuilder {
	// Just set the value, Build will validate/default
	b.maxIdleConns = maxIdleConns
	return b
}

// WithIdleConnTimeout sets the idle connection timeout
// and returns the ConnectionBuilder for method chaining
// The value must be between ValidMinIdleConnTimeout and ValidMaxIdleConnTimeout
// If the value is invalid, a warning is logged and the default value is used
func (b *ConnectionBuilder) WithIdleConnTimeout(idleConnTimeout time.Duration) *ConnectionBuilder {
	b.idleConnTimeout = idleConnTimeout
	return b
}

// WithTLSHandshakeTimeout sets the TLS handshake timeout
// and returns the ConnectionBuilder for method chaining
// The TLS handshake timeout is not the same as the overall request timeout
func (b *ConnectionBuilder) WithTLSHandshakeTimeout(tlsHandshakeTimeout time.Duration) *ConnectionBuilder {
	b.tlsHandshakeTimeout = tlsHandshakeTimeout
	return b
}

// WithExpectContinueTimeout sets the expect continue timeout
// and returns the ConnectionBuilder for method chaining
func (b *ConnectionBuilder) WithExpectContinueTimeout(expectContinueTimeout time.Duration) *ConnectionBuilder {
	b.expectContinueTimeout = expectContinueTimeout
	return b
}

// WithMaxIdleConnsPerHost sets the maximum number of idle connections per host
// and returns the ConnectionBuilder for method chaining
func (b *ConnectionBuilder) WithMaxIdleConnsPerHost(maxIdleConnsPerHost int) *ConnectionBuilder {
	b.maxIdleConnsPerHost = maxIdleConnsPerHost
	return b
}

// WithTimeout sets the timeout for a request
// and returns the ConnectionBuilder for method chaining
// The timeout must be between ValidMinTimeout and ValidMaxTimeout
// If the timeout is invalid, a warning is logged and the default value is used
func (b *ConnectionBuilder) WithTimeout(timeout time.Duration) *ConnectionBuilder {
	b.timeout = timeout
	return b
}

// Build validates the transport settings and creates a new Connection.
// It fails only when the service settings cannot produce an origin.
func (b *ConnectionBuilder) Build() (*Connection, error) {
	origin, err := b.settings.Origin()
	if err != nil {
		return nil, err
	}

	// validate the settings and set defaults if necessary

	if b.maxIdleConns < ValidMinIdleConns || b.maxIdleConns > ValidMaxIdleConns {
		slog.Warn("Invalid max idle connections, using default value", "invalidValue", b.maxIdleConns, "defaultValue", DefaultMaxIdleConns)
		b.maxIdleConns = DefaultMaxIdleConns
	}

	if b.idleConnTimeout < ValidMinIdleConnTimeout || b.idleConnTimeout > ValidMaxIdleConnTimeout {
		slog.Warn("Invalid idle connection timeout, using default value", "invalidValue", b.idleConnTimeout, "defaultValue", DefaultIdleConnTimeout)
		b.idleConnTimeout = DefaultIdleConnTimeout
	}

	if b.tlsHandshakeTimeout < ValidMinTLSHandshakeTimeout || b.tlsHandshakeTimeout > ValidMaxTLSHandshakeTimeout {
		slog.Warn("Invalid TLS handshake timeout, using default value", "invalidValue", b.tlsHandshakeTimeout, "defaultValue", DefaultTLSHandshakeTimeout)
		b.tlsHandshakeTimeout = DefaultTLSHandshakeTimeout
	}

	if b.expectContinueTimeout < ValidMinExpectContinueTimeout || b.expectContinueTimeout > ValidMaxExpectContinueTimeout {
		slog.Warn("Invalid expect continue timeout, using default value", "invalidValue", b.expectContinueTimeout, "defaultValue", DefaultExpectContinueTimeout)
		b.expectContinueTimeout = DefaultExpectContinueTimeout
	}

	if b.maxIdleConnsPerHost < ValidMinIdleConnsPerHost || b.maxIdleConnsPerHost > ValidMaxIdleConnsPerHost {
		slog.Warn("Invalid max idle connections per host, using default value", "invalidValue", b.maxIdleConnsPerHost, "defaultValue", DefaultMaxIdleConnsPerHost)
		b.maxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}

	if b.timeout < ValidMinTimeout || b.timeout > ValidMaxTimeout {
		slog.Warn("Invalid timeout, using default value", "invalidValue", b.timeout, "defaultValue", DefaultTimeout)
		b.timeout = DefaultTimeout
	}

	persistent := b.settings.UsePersistentConnection()

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          b.maxIdleConns,
		IdleConnTimeout:       b.idleConnTimeout,
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ExpectContinueTimeout: b.expectContinueTimeout,
		DisableKeepAlives:     !persistent,
		MaxIdleConnsPerHost:   b.maxIdleConnsPerHost,
	}

	if b.settings.InsecureSkipVerify() {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via disable_ssl_verification
	}

	return &Connection{
		client: &http.Client{
			Timeout:   b.timeout,
			Transport: transport,
		},
		origin:     origin,
		token:      b.settings.UUID,
		persistent: persistent,
	}, nil
}
