package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGatewayPost(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(slog.Default(), srv.URL, time.Second)
	err := g.Post(context.Background(), "cred-1", "pin 13 went high")
	require.NoError(t, err)
	assert.Contains(t, gotBody, "pin 13 went high")
	assert.Contains(t, gotBody, "cred-1")
}

func TestHTTPGatewayErrorMessageExtracted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"duplicate status"}}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(slog.Default(), srv.URL, time.Second)
	err := g.Post(context.Background(), "cred-1", "same text twice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate status")
}

func TestHTTPGatewayOpaqueError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewHTTPGateway(slog.Default(), srv.URL, time.Second)
	err := g.Post(context.Background(), "", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestAsyncDeliversResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(slog.Default(), srv.URL, time.Second)
	done := make(chan error, 1)
	Async(g, slog.Default(), "cred", "text", time.Second, func(err error) { done <- err })

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("async post never completed")
	}
}

func TestLogGateway(t *testing.T) {
	g := &LogGateway{Logger: slog.Default()}
	assert.NoError(t, g.Post(context.Background(), "", "anything"))
}
