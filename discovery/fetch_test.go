package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFetcher_Get verifies headers are sent and the body is returned.
func TestFetcher_Get(t *testing.T) {
	var gotUA, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
		w.Write([]byte("<html><body><p>hello</p></body></html>"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{})
	resp, err := f.Get(context.Background(), srv.URL, map[string]string{"Cookie": "consent=1"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "hello")
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "consent=1", gotCookie)
}

// TestFetcher_GetNon2xx verifies the body is still returned for error
// statuses.
func TestFetcher_GetNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{})
	resp, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHTTPStatus))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "blocked", string(resp.Body))
}

// TestFetcher_FetchHTML verifies successful pages parse and error statuses
// fail.
func TestFetcher_FetchHTML(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><h1>Title</h1></body></html>`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewFetcher(FetcherConfig{})

	doc, err := f.FetchHTML(context.Background(), srv.URL+"/ok", nil)
	require.NoError(t, err)
	assert.Equal(t, "Title", doc.Find("h1").Text())

	_, err = f.FetchHTML(context.Background(), srv.URL+"/missing", nil)
	assert.ErrorIs(t, err, ErrHTTPStatus)
}

// TestFetcher_Timeout verifies slow servers are cut off.
func TestFetcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{Timeout: 50 * time.Millisecond})
	_, err := f.Get(context.Background(), srv.URL, nil)
	assert.Error(t, err)
}

// TestHostLimiter_SpacesRequests verifies requests to one host are paced
// and other hosts are not held up.
func TestHostLimiter_SpacesRequests(t *testing.T) {
	h := newHostLimiter(60 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, h.wait(ctx, "example.com"))
	require.NoError(t, h.wait(ctx, "other.example"))
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	require.NoError(t, h.wait(ctx, "EXAMPLE.com"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestHostLimiter_Disabled(t *testing.T) {
	h := newHostLimiter(0)
	for range 5 {
		require.NoError(t, h.wait(context.Background(), "example.com"))
	}
	assert.Empty(t, h.limiters)
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, href, want string
	}{
		{"https://example.com/news/", "story-1", "https://example.com/news/story-1"},
		{"https://example.com/news", "/a/b", "https://example.com/a/b"},
		{"https://example.com/news", "https://other.ca/x", "https://other.ca/x"},
		{"https://example.com/news", "  ", ""},
		{"", "/relative", ""},
	}

	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveURL(tt.base, tt.href))
		})
	}
}
