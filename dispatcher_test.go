package rpdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "6f1c2a0e-3b4d-4c5e-9f60-718293a4b5c6"

// newTestSlogger creates a *slog.Logger that writes JSON lines to a buffer.
func newTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

// newTestService starts a fake reporting service whose routes are registered by setup.
func newTestService(t *testing.T, setup func(r chi.Router)) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Route("/api/v1/{project}", setup)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testSettings(endpoint string, modes ...string) Settings {
	return Settings{
		Endpoint:       endpoint,
		Project:        "demo",
		UUID:           testToken,
		FormatterModes: modes,
	}
}

func newTestDispatcher(t *testing.T, settings Settings, opts ...Option) (*Dispatcher, *bytes.Buffer) {
	t.Helper()

	logger, buf := newTestSlogger()
	d, err := New(settings, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, buf
}

func TestNew_InvalidSettings(t *testing.T) {
	_, err := New(Settings{Endpoint: "not a url", Project: "demo", UUID: testToken}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	_, err = New(Settings{Endpoint: "https://rp.example.com", UUID: testToken}, nil)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestNew_InvalidRetrySettingsUseDefaults(t *testing.T) {
	d, _ := newTestDispatcher(t, testSettings("https://rp.example.com"),
		WithMaxAttempts(0),
		WithRetryDelay(time.Nanosecond),
		WithRetryMaxDelay(time.Hour),
		WithRetryStrategy("invalid"),
	)

	assert.Equal(t, DefaultMaxAttempts, d.maxAttempts)
	assert.Equal(t, DefaultRetryDelay, d.retryDelay)
	assert.Equal(t, DefaultRetryMaxDelay, d.retryMaxDelay)
	assert.Equal(t, FixedDelayStrategy, d.retryStrategyType)
	assert.Equal(t, DefaultRetryDelay, d.retryStrategy(3))
}

func TestDispatch_Success(t *testing.T) {
	var requests int32
	srv := newTestService(t, func(r chi.Router) {
		r.Post("/launch", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requests, 1)
			assert.Equal(t, "demo", chi.URLParam(r, "project"))
			assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			assert.NotEmpty(t, r.Header.Get(RequestIDHeader))

			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "nightly", body["name"])

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"4f9a","number":7}`))
		})
	})

	for _, modes := range [][]string{nil, {PersistentConnectionMode}} {
		d, logs := newTestDispatcher(t, testSettings(srv.URL, modes...))
		before := d.Connection()

		result, err := d.Dispatch(context.Background(), "post", "launch", RequestOptions{
			JSON: map[string]any{"name": "nightly"},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"4f9a","number":7}`, string(result))
		assert.Same(t, before, d.Connection())
		assert.Empty(t, logs.String())
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestDispatch_PathRewrite(t *testing.T) {
	d, _ := newTestDispatcher(t, testSettings("https://RP.example.com:8443/ui/#login"))
	assert.False(t, d.Connection().Persistent())
	assert.Equal(t, "https://rp.example.com:8443/api/v1/demo/item/42", d.target("item/42"))

	d, _ = newTestDispatcher(t, testSettings("https://rp.example.com:8443/ui/", PersistentConnectionMode))
	assert.True(t, d.Connection().Persistent())
	assert.Equal(t, "/api/v1/demo/item/42", d.target("/item/42"))
	assert.Equal(t, "https://rp.example.com:8443/api/v1/demo/item/42", d.uri(d.target("/item/42")))
}

func TestDispatch_NonSuccessStatus(t *testing.T) {
	srv := newTestService(t, func(r chi.Router) {
		r.Put("/item/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":4004,"message":"Test Item not found"}`))
		})
		r.Delete("/item/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
	})

	d, logs := newTestDispatcher(t, testSettings(srv.URL))
	before := d.Connection()

	result, err := d.Dispatch(context.Background(), http.MethodPut, "item/1", RequestOptions{})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStatus))

	var dErr *DispatchError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, http.StatusNotFound, dErr.StatusCode)
	assert.Equal(t, srv.URL+"/api/v1/demo/item/1", dErr.URI)
	assert.Same(t, before, d.Connection(), "status failures keep the connection")

	out := logs.String()
	assert.Contains(t, out, "Request returned code 404")
	assert.Contains(t, out, `"status":404`)
	assert.Contains(t, out, "Test Item not found")
	assert.Contains(t, out, "PUT `"+srv.URL+"/api/v1/demo/item/1`")

	logs.Reset()
	result, err = d.Dispatch(context.Background(), http.MethodDelete, "item/1", RequestOptions{})
	assert.Nil(t, result)
	assert.True(t, IsKind(err, KindStatus))
	assert.Contains(t, logs.String(), "Request returned code 502")
	assert.NotContains(t, logs.String(), `"response"`)
}

func TestDispatch_TransportFailureRecreatesConnection(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	for _, modes := range [][]string{nil, {PersistentConnectionMode}} {
		d, logs := newTestDispatcher(t, testSettings(endpoint, modes...))
		before := d.Connection()

		result, err := d.Dispatch(context.Background(), http.MethodGet, "launch/latest", RequestOptions{})
		assert.Nil(t, result)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindTransport))
		assert.True(t, IsRetryable(err))

		assert.NotSame(t, before, d.Connection(), "connection must be recreated")
		assert.Equal(t, before.Persistent(), d.Connection().Persistent())
		assert.Contains(t, logs.String(), "Request failed")
		assert.Contains(t, logs.String(), "GET `"+endpoint+"/api/v1/demo/launch/latest`")
	}
}

func TestDispatch_MalformedSuccessBody(t *testing.T) {
	srv := newTestService(t, func(r chi.Router) {
		r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		})
		r.Delete("/launch/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	d, _ := newTestDispatcher(t, testSettings(srv.URL))

	result, err := d.Dispatch(context.Background(), http.MethodGet, "settings", RequestOptions{})
	assert.Nil(t, result)
	assert.True(t, IsKind(err, KindDecode))

	result, err = d.Dispatch(context.Background(), http.MethodDelete, "launch/1", RequestOptions{})
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestDispatch_MultipartAndHeaders(t *testing.T) {
	srv := newTestService(t, func(r chi.Router) {
		r.Post("/log", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "yes", r.Header.Get("X-Trace"))
			assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))

			assert.NoError(t, r.ParseMultipartForm(1<<20))
			assert.JSONEq(t, `[{"level":"info"}]`, r.FormValue("json_request_part"))

			file, header, err := r.FormFile("file")
			if assert.NoError(t, err) {
				defer file.Close()
				data, _ := io.ReadAll(file)
				assert.Equal(t, "screen.png", header.Filename)
				assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
			}

			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"responses":[{"id":"l1"}]}`))
		})
	})

	d, _ := newTestDispatcher(t, testSettings(srv.URL, PersistentConnectionMode))

	result, err := d.Dispatch(context.Background(), http.MethodPost, "log", RequestOptions{
		Multipart: []MultipartField{
			{Name: "json_request_part", ContentType: "application/json", Content: []byte(`[{"level":"info"}]`)},
			{Name: "file", FileName: "screen.png", ContentType: "image/png", Content: []byte{0x89, 'P', 'N', 'G'}},
		},
		Headers: http.Header{"X-Trace": []string{"yes"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"responses":[{"id":"l1"}]}`, string(result))
}

func TestDispatch_ConflictingBody(t *testing.T) {
	d, logs := newTestDispatcher(t, testSettings("https://rp.example.com"))
	before := d.Connection()

	result, err := d.Dispatch(context.Background(), http.MethodPost, "launch", RequestOptions{
		JSON: map[string]any{"name": "x"},
		Body: []byte(`{}`),
	})
	assert.Nil(t, result)
	assert.True(t, IsKind(err, KindRequest))
	assert.ErrorIs(t, err, ErrConflictingBody)
	assert.Same(t, before, d.Connection())
	assert.Contains(t, logs.String(), "Request failed")
}
