package harvest

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWriteAndReadItems verifies the items document survives a file round
// trip.
func TestWriteAndReadItems(t *testing.T) {
	published := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	items := []Item{
		{Title: "Water main break", Link: "https://x/a", Source: "town", PublishedAt: &published, ClusterKey: "Water main||2025-03-09"},
	}

	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, WriteItemsFile(path, items))

	got, err := ReadItemsFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://x/a", got[0].Link)
	assert.Equal(t, "Water main||2025-03-09", got[0].ClusterKey)
	assert.True(t, published.Equal(*got[0].PublishedAt))
}

func TestWriteItems_EmptyIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteItems(&buf, nil))
	assert.JSONEq(t, `{"items": []}`, buf.String())
}

// TestReadItems_PrefersItemsField verifies an explicit items array wins
// even when other fields look like items.
func TestReadItems_PrefersItemsField(t *testing.T) {
	in := `{"link": "https://x/ignored", "items": [{"title": "A", "link": "https://x/a"}]}`

	items, err := ReadItems(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://x/a", items[0].Link)
}

// TestReadItems_FlattensGroups verifies a top-level array of source groups
// and bare items is flattened.
func TestReadItems_FlattensGroups(t *testing.T) {
	in := `[
		{"sourceId": "cbc", "name": "CBC NB", "items": [
			{"title": "Bridge closes", "link": "https://cbc.example/a", "dateISO": "2025-03-09T10:00:00.000Z"},
			{"title": "No link here"}
		]},
		{"title": "Standalone", "url": "https://x/b", "source": "town", "date": "2025-03-08T09:00:00Z"},
		42
	]`

	items, err := ReadItems(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "cbc", items[0].Source)
	require.NotNil(t, items[0].PublishedAt)
	assert.True(t, time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC).Equal(*items[0].PublishedAt))

	assert.Equal(t, "https://x/b", items[1].Link)
	assert.Equal(t, "town", items[1].Source)
	require.NotNil(t, items[1].PublishedAt)
}

func TestReadItems_UnknownShape(t *testing.T) {
	_, err := ReadItems(strings.NewReader(`{"data": []}`))
	assert.ErrorIs(t, err, ErrUnknownItemsShape)

	_, err = ReadItems(strings.NewReader(`"just a string"`))
	assert.ErrorIs(t, err, ErrUnknownItemsShape)
}
