package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pevans/newsharvest/harvest"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func at(y int, m time.Month, d, h int) *time.Time {
	t := time.Date(y, m, d, h, 0, 0, 0, time.UTC)
	return &t
}

func sampleItems() []harvest.Item {
	return []harvest.Item{
		{Title: "Water main break closes King Street downtown", Link: "https://a/1", PublishedAt: at(2025, 3, 9, 10)},
		{Title: "King Street shut after water main bursts", Link: "https://b/1", PublishedAt: at(2025, 3, 9, 14)},
		{Title: "Council approves new budget for parks", Link: "https://a/2"},
	}
}

// newModelServer answers chat completion requests with content, after
// failing the first failures requests with status.
func newModelServer(t *testing.T, failures int32, status int, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		if n <= failures {
			http.Error(w, "try later", status)
			return
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestLLM(endpoint string) *LLM {
	return NewLLM(LLMConfig{
		Endpoint:  endpoint,
		Model:     "test-model",
		APIKey:    "test-key",
		BaseDelay: time.Millisecond,
		Now:       func() time.Time { return fixedNow },
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "Flood||2025-03-09", Key("Flood", at(2025, 3, 9, 23), fixedNow))
	assert.Equal(t, "Flood||2025-03-10", Key("Flood", nil, fixedNow))

	// Days are UTC days.
	halifax := time.FixedZone("AST", -4*3600)
	late := time.Date(2025, 3, 9, 22, 0, 0, 0, halifax)
	assert.Equal(t, "Flood||2025-03-10", Key("Flood", &late, fixedNow))
}

// TestTitleDay verifies each item is keyed by its title and day without
// touching the input.
func TestTitleDay(t *testing.T) {
	in := sampleItems()
	out, err := TitleDay{Now: func() time.Time { return fixedNow }}.Cluster(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "Water main break closes King Street downtown||2025-03-09", out[0].ClusterKey)
	assert.Equal(t, "Council approves new budget for parks||2025-03-10", out[2].ClusterKey)
	assert.Empty(t, in[0].ClusterKey)
}

// TestLLM_GroupsItems verifies the model's keys are applied with the day
// suffix and missing entries fall back to the title.
func TestLLM_GroupsItems(t *testing.T) {
	content := `{"clusters": [{"idx": 0, "cluster_key": "King Street water main break"}, {"idx": 1, "cluster_key": "King Street water main break"}]}`
	srv, calls := newModelServer(t, 0, 0, content)

	out, err := newTestLLM(srv.URL).Cluster(context.Background(), sampleItems())
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "King Street water main break||2025-03-09", out[0].ClusterKey)
	assert.Equal(t, out[0].ClusterKey, out[1].ClusterKey)
	assert.Equal(t, "Council approves new budget for parks||2025-03-10", out[2].ClusterKey)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLLM_AcceptsBareArray(t *testing.T) {
	content := `[{"idx": 0, "cluster_key": "A"}, {"idx": 1, "cluster_key": "A"}, {"idx": 2, "cluster_key": "B"}]`
	srv, _ := newModelServer(t, 0, 0, content)

	out, err := newTestLLM(srv.URL).Cluster(context.Background(), sampleItems())
	require.NoError(t, err)
	assert.Equal(t, "A||2025-03-09", out[1].ClusterKey)
	assert.Equal(t, "B||2025-03-10", out[2].ClusterKey)
}

// TestLLM_RetriesTransientFailures verifies server errors are retried until
// a response arrives.
func TestLLM_RetriesTransientFailures(t *testing.T) {
	srv, calls := newModelServer(t, 2, http.StatusServiceUnavailable, `{"clusters": []}`)

	out, err := newTestLLM(srv.URL).Cluster(context.Background(), sampleItems())
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, int32(3), calls.Load())
}

// TestLLM_Exhausted verifies the attempt cap is honoured.
func TestLLM_Exhausted(t *testing.T) {
	srv, calls := newModelServer(t, 100, http.StatusTooManyRequests, "")

	_, err := newTestLLM(srv.URL).Cluster(context.Background(), sampleItems())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())
}

// TestLLM_ClientErrorNotRetried verifies a rejected request fails at once.
func TestLLM_ClientErrorNotRetried(t *testing.T) {
	srv, calls := newModelServer(t, 100, http.StatusUnauthorized, "")

	_, err := newTestLLM(srv.URL).Cluster(context.Background(), sampleItems())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLLM_MalformedContent(t *testing.T) {
	srv, _ := newModelServer(t, 0, 0, "not json at all")

	_, err := newTestLLM(srv.URL).Cluster(context.Background(), sampleItems())
	assert.Error(t, err)
}

// TestLLM_SkipsShortTitles verifies mostly-short batches never reach the
// model.
func TestLLM_SkipsShortTitles(t *testing.T) {
	srv, calls := newModelServer(t, 0, 0, `{"clusters": []}`)

	items := []harvest.Item{
		{Title: "Update", Link: "https://a/1"},
		{Title: "Notice", Link: "https://a/2"},
		{Title: "Alert", Link: "https://a/3"},
		{Title: "A much longer headline about something", Link: "https://a/4"},
	}

	_, err := newTestLLM(srv.URL).Cluster(context.Background(), items)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, int32(0), calls.Load())
}

func TestLLM_SkipsWithoutKeyOrItems(t *testing.T) {
	_, err := NewLLM(LLMConfig{}).Cluster(context.Background(), sampleItems())
	assert.ErrorIs(t, err, ErrSkipped)

	_, err = newTestLLM("http://127.0.0.1:0").Cluster(context.Background(), sampleItems()[:1])
	assert.ErrorIs(t, err, ErrSkipped)
}

type failingClusterer struct{ calls int }

func (f *failingClusterer) Cluster(context.Context, []harvest.Item) ([]harvest.Item, error) {
	f.calls++
	return nil, fmt.Errorf("wrapped: %w", errors.New("model down"))
}

// TestWithFallback verifies the fallback keys are used when the primary
// clusterer fails.
func TestWithFallback(t *testing.T) {
	primary := &failingClusterer{}
	c := WithFallback(primary, TitleDay{Now: func() time.Time { return fixedNow }}, nil)

	out, err := c.Cluster(context.Background(), sampleItems())
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, "King Street shut after water main bursts||2025-03-09", out[1].ClusterKey)
}

// TestWithFallback_ShortTitles verifies a skipped batch still gets keys.
func TestWithFallback_ShortTitles(t *testing.T) {
	items := []harvest.Item{{Title: "Update", Link: "https://a/1"}, {Title: "Notice", Link: "https://a/2"}}
	c := WithFallback(newTestLLM("http://127.0.0.1:0"), TitleDay{Now: func() time.Time { return fixedNow }}, nil)

	out, err := c.Cluster(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, "Update||2025-03-10", out[0].ClusterKey)
}
