package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSendsUserAgent(t *testing.T) {
	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := NewCollector(Options{UserAgent: "scout-test/1.0", Timeout: 5 * time.Second, Parallelism: 2})
	resp, err := Fetch(context.Background(), c, srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "scout-test/1.0", <-gotUA)
}

func TestFetchRevisitsSameURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewCollector(Options{Timeout: 5 * time.Second})
	for i := 0; i < 2; i++ {
		_, err := Fetch(context.Background(), c, srv.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), NewCollector(Options{Timeout: 5 * time.Second}), srv.URL)
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	assert.Equal(t, "HTTP 503", err.Error())
}

func TestFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := Fetch(context.Background(), NewCollector(Options{Timeout: 2 * time.Second}), url)
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 0, fe.StatusCode)
	assert.NotEmpty(t, err.Error())
}

func TestFetchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Fetch(ctx, NewCollector(Options{}), "http://127.0.0.1:1/")
	assert.ErrorIs(t, err, context.Canceled)
}
