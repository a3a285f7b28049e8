package rpdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ValidMaxAttempts      = 10
	ValidMinAttempts      = 1
	ValidMaxRetryDelay    = 60 * time.Second
	ValidMinRetryDelay    = 10 * time.Millisecond
	ValidMaxRetryMaxDelay = 300 * time.Second
	ValidMinRetryMaxDelay = 10 * time.Millisecond

	// DefaultMaxAttempts is the default number of attempts of DispatchWithRecovery
	DefaultMaxAttempts = 5

	// DefaultRetryDelay is the default delay before repeating a failed request
	DefaultRetryDelay = 2 * time.Second

	// DefaultRetryMaxDelay is the default cap of the backoff strategies
	DefaultRetryMaxDelay = 30 * time.Second

	// RequestIDHeader carries a unique id per attempt for correlating logs with the service
	RequestIDHeader = "X-Request-Id"
)

//go:generate mockgen -destination=mocks/mock_sleeper.go -package=mocks github.com/p2p-b2b/rpdispatch Sleeper

// Sleeper waits between attempts. Sleep returns early with the context error
// when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CorrectionHandler is called with the new start time, in epoch milliseconds,
// every time a request body is corrected
type CorrectionHandler func(startTime int64)

// Dispatcher sends requests to the service project API.
// It holds one live Connection and is not safe for concurrent use.
type Dispatcher struct {
	settings Settings
	logger   *slog.Logger
	builder  *ConnectionBuilder
	conn     *Connection

	maxAttempts       int
	retryStrategyType Strategy
	retryDelay        time.Duration
	retryMaxDelay     time.Duration
	retryStrategy     RetryStrategy
	sleeper           Sleeper
	onCorrection      CorrectionHandler
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithConnectionBuilder sets the builder used to create and recreate the connection
func WithConnectionBuilder(b *ConnectionBuilder) Option {
	return func(d *Dispatcher) {
		d.builder = b
	}
}

// WithMaxAttempts sets how many times DispatchWithRecovery tries a request
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = n
	}
}

// WithRetryStrategy sets the strategy computing the delay before a repeated request
func WithRetryStrategy(s Strategy) Option {
	return func(d *Dispatcher) {
		d.retryStrategyType = s
	}
}

// WithRetryStrategyAsString sets the retry strategy from its string representation
func WithRetryStrategyAsString(s string) Option {
	return func(d *Dispatcher) {
		strategy := Strategy(s)
		if !strategy.IsValid() {
			slog.Warn("Invalid retry strategy type, using default (Fixed)", "invalidValue", s, "defaultValue", FixedDelayStrategy)
			strategy = FixedDelayStrategy
		}
		d.retryStrategyType = strategy
	}
}

// WithRetryDelay sets the fixed delay, or the base delay of the backoff strategies
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryDelay = delay
	}
}

// WithRetryMaxDelay sets the cap of the backoff strategies. FixedDelay ignores it.
func WithRetryMaxDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryMaxDelay = delay
	}
}

// WithSleeper replaces the timer used between attempts
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) {
		d.sleeper = s
	}
}

// WithCorrectionHandler registers a callback for corrected start times
func WithCorrectionHandler(fn CorrectionHandler) Option {
	return func(d *Dispatcher) {
		d.onCorrection = fn
	}
}

// New creates a Dispatcher and opens its connection.
// A nil logger uses slog.Default().
func New(settings Settings, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		settings:          settings,
		logger:            logger.With(slog.String("component", "rpdispatch"), slog.String("project", settings.Project)),
		maxAttempts:       DefaultMaxAttempts,
		retryStrategyType: FixedDelayStrategy,
		retryDelay:        DefaultRetryDelay,
		retryMaxDelay:     DefaultRetryMaxDelay,
		sleeper:           SleeperFunc(sleepContext),
		onCorrection:      func(int64) {},
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.builder == nil {
		d.builder = NewConnectionBuilder(settings)
	}

	if d.maxAttempts < ValidMinAttempts || d.maxAttempts > ValidMaxAttempts {
		slog.Warn("Invalid max attempts, using default value", "invalidValue", d.maxAttempts, "defaultValue", DefaultMaxAttempts)
		d.maxAttempts = DefaultMaxAttempts
	}

	if d.retryDelay < ValidMinRetryDelay || d.retryDelay > ValidMaxRetryDelay {
		slog.Warn("Invalid retry delay, using default value", "invalidValue", d.retryDelay, "defaultValue", DefaultRetryDelay)
		d.retryDelay = DefaultRetryDelay
	}

	if d.retryMaxDelay < ValidMinRetryMaxDelay || d.retryMaxDelay > ValidMaxRetryMaxDelay {
		slog.Warn("Invalid retry max delay, using default value", "invalidValue", d.retryMaxDelay, "defaultValue", DefaultRetryMaxDelay)
		d.retryMaxDelay = DefaultRetryMaxDelay
	}

	if !d.retryStrategyType.IsValid() {
		slog.Warn("No valid retry strategy type set, using default (Fixed)", "currentType", d.retryStrategyType)
		d.retryStrategyType = FixedDelayStrategy
	}
	d.retryStrategy = newRetryStrategy(d.retryStrategyType, d.retryDelay, d.retryMaxDelay)

	if d.sleeper == nil {
		d.sleeper = SleeperFunc(sleepContext)
	}
	if d.onCorrection == nil {
		d.onCorrection = func(int64) {}
	}

	conn, err := d.builder.Build()
	if err != nil {
		return nil, err
	}
	d.conn = conn

	return d, nil
}

// Connection returns the live connection. It changes after every transport failure.
func (d *Dispatcher) Connection() *Connection {
	return d.conn
}

// Close releases the idle connections of the live connection
func (d *Dispatcher) Close() {
	d.conn.Close()
}

// Dispatch sends one request to path under the project API and returns the JSON body
// of a successful response.
//
// Failures are logged and returned as a *DispatchError with no result. A transport failure
// replaces the connection; the request is not sent again.
func (d *Dispatcher) Dispatch(ctx context.Context, verb, path string, opts RequestOptions) (json.RawMessage, error) {
	target := d.target(path)

	status, body, err := d.roundTrip(ctx, verb, target, opts)
	if err != nil {
		d.logger.Error("Request failed",
			"request", d.requestInfo(verb, target),
			"error", err)
		if IsKind(err, KindTransport) {
			d.recreateConnection()
		}
		return nil, err
	}

	if status >= 200 && status < 300 {
		result, err := d.decode(verb, target, status, body)
		if err != nil {
			d.logger.Error("Request returned a malformed body",
				"request", d.requestInfo(verb, target),
				"status", status,
				"error", err)
			return nil, err
		}
		return result, nil
	}

	attrs := []any{
		"request", d.requestInfo(verb, target),
		"status", status,
	}
	if len(body) > 0 {
		attrs = append(attrs, "response", string(body))
	}
	d.logger.Error(fmt.Sprintf("Request returned code %d", status), attrs...)

	return nil, &DispatchError{
		Kind:       KindStatus,
		Method:     verb,
		URI:        d.uri(target),
		StatusCode: status,
		Body:       string(body),
	}
}

// target rewrites path to the project API. Non-persistent connections get the absolute URL.
func (d *Dispatcher) target(path string) string {
	target := d.settings.ProjectPath(path)
	if !d.conn.Persistent() {
		target = d.conn.Origin() + target
	}
	return target
}

func (d *Dispatcher) uri(target string) string {
	if d.conn.Persistent() {
		return d.conn.Origin() + target
	}
	return target
}

func (d *Dispatcher) requestInfo(verb, target string) string {
	return fmt.Sprintf("%s `%s`", strings.ToUpper(verb), d.uri(target))
}

// roundTrip sends one attempt and reads the whole response. Errors are *DispatchError
// of kind KindRequest or KindTransport.
func (d *Dispatcher) roundTrip(ctx context.Context, verb, target string, opts RequestOptions) (int, []byte, error) {
	body, contentType, err := opts.encode()
	if err != nil {
		return 0, nil, &DispatchError{Kind: KindRequest, Method: verb, URI: d.uri(target), Cause: err}
	}

	req, err := d.conn.NewRequest(ctx, verb, target, body)
	if err != nil {
		return 0, nil, &DispatchError{Kind: KindRequest, Method: verb, URI: d.uri(target), Cause: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, values := range opts.Headers {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := d.conn.Do(req)
	if err != nil {
		return 0, nil, &DispatchError{Kind: KindTransport, Method: verb, URI: d.uri(target), Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &DispatchError{Kind: KindTransport, Method: verb, URI: d.uri(target), Cause: err}
	}

	return resp.StatusCode, respBody, nil
}

// decode validates a success body. An empty body yields a nil result.
func (d *Dispatcher) decode(verb, target string, status int, body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, &DispatchError{
			Kind:       KindDecode,
			Method:     verb,
			URI:        d.uri(target),
			StatusCode: status,
			Body:       string(body),
			Cause:      errors.New("response body is not valid JSON"),
		}
	}
	return json.RawMessage(body), nil
}

// recreateConnection drops the live connection, which may be left half-read after
// a transport failure, and opens a new one
func (d *Dispatcher) recreateConnection() {
	d.conn.Close()

	conn, err := d.builder.Build()
	if err != nil {
		d.logger.Error("Failed to recreate connection", "error", err)
		return
	}
	d.conn = conn
}
