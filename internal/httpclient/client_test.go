package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/errors"
)

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		client := New(nil)

		require.NotNil(t, client)
		assert.Equal(t, DefaultTimeout, client.defaultTimeout)
		assert.Equal(t, defaultUserAgent, client.userAgent)
	})

	t.Run("custom config", func(t *testing.T) {
		client := New(&Config{DefaultTimeout: 5 * time.Second, UserAgent: "TestAgent/1.0"})

		assert.Equal(t, 5*time.Second, client.defaultTimeout)
		assert.Equal(t, "TestAgent/1.0", client.userAgent)
	})

	t.Run("zero values use defaults", func(t *testing.T) {
		client := New(&Config{})

		assert.Equal(t, DefaultTimeout, client.defaultTimeout)
		assert.NotEmpty(t, client.userAgent)
		assert.NotNil(t, client.HTTPClient())
	})
}

func TestDo_UserAgent(t *testing.T) {
	var got string
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t)
	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	closeResponseBody(t, resp)

	assert.Equal(t, "QuestVision", got)
}

func TestDo_NilRequest(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.Do(t.Context(), nil) //nolint:bodyclose // nil response
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))
}

func TestDo_ContextCancellation(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	client := newTestClient(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	req, err := NewRequest(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(ctx, req) //nolint:bodyclose // error path
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_DefaultTimeout(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	})

	client := newTestClientWithConfig(t, &Config{DefaultTimeout: 50 * time.Millisecond})

	start := time.Now()
	resp, err := client.Get(t.Context(), server.URL) //nolint:bodyclose // error path
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestDo_BodyReadableAfterDefaultTimeoutWrap(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})

	client := newTestClient(t)
	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestDo_ConcurrentRequests(t *testing.T) {
	var requestCount atomic.Int32
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t)

	const concurrency = 20
	var wg sync.WaitGroup
	for range concurrency {
		wg.Go(func() {
			resp, err := client.Get(t.Context(), server.URL)
			if assert.NoError(t, err) {
				closeResponseBody(t, resp)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(concurrency), requestCount.Load())
}

func TestDo_Hooks(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	client := newTestClient(t)

	var beforeCalled bool
	var status int
	var elapsed time.Duration
	client.SetBeforeRequestHook(func(r *http.Request) {
		beforeCalled = true
		assert.Equal(t, server.URL, r.URL.String())
	})
	client.SetAfterResponseHook(func(_ *http.Request, resp *http.Response, err error, d time.Duration) {
		assert.NoError(t, err)
		status = resp.StatusCode
		elapsed = d
	})

	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	assert.True(t, beforeCalled)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Positive(t, elapsed)
}

func TestPost_JSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "cats", p.Name)
		w.WriteHeader(http.StatusCreated)
	})

	client := newTestClient(t)
	resp, err := client.Post(t.Context(), server.URL, "", payload{Name: "cats"})
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestPost_RawBodyKeepsContentType(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte{0x1, 0x2}, body)
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClient(t)
	resp, err := client.Post(t.Context(), server.URL, "application/octet-stream", []byte{0x1, 0x2})
	require.NoError(t, err)
	closeResponseBody(t, resp)
}

func TestNewRequest_MarshalError(t *testing.T) {
	_, err := NewRequest(t.Context(), http.MethodPost, "http://example.invalid", make(chan int))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))
}

func TestClose(t *testing.T) {
	client := New(nil)
	client.Close()
	client.Close()
}
