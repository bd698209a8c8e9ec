package harvest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pevans/newsharvest/dates"
)

// ErrUnknownItemsShape is returned when JSON input is neither an items
// document nor a flat array of items or item groups.
var ErrUnknownItemsShape = errors.New("unrecognized items JSON shape")

type itemsDocument struct {
	Items []Item `json:"items"`
}

// WriteItems writes items as {"items": [...]}.
func WriteItems(w io.Writer, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(itemsDocument{Items: items}); err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	return nil
}

// WriteItemsFile writes items to path.
func WriteItemsFile(path string, items []Item) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create items file: %w", err)
	}
	if err := WriteItems(f, items); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadItemsFile reads items from path. See ReadItems.
func ReadItemsFile(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read items file: %w", err)
	}
	return ReadItems(bytes.NewReader(data))
}

// looseItem accepts the field names older exports used.
type looseItem struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	URL         string     `json:"url"`
	Source      string     `json:"source"`
	PublishedAt *time.Time `json:"published_at"`
	Date        string     `json:"date"`
	DateISO     string     `json:"dateISO"`
	Content     string     `json:"content"`
	ClusterKey  string     `json:"cluster_key"`
}

func (l looseItem) item(defaultSource string) Item {
	it := Item{
		Title:       l.Title,
		Link:        l.Link,
		Source:      l.Source,
		PublishedAt: l.PublishedAt,
		Content:     l.Content,
		ClusterKey:  l.ClusterKey,
	}
	if it.Link == "" {
		it.Link = l.URL
	}
	if it.Source == "" {
		it.Source = defaultSource
	}
	if it.PublishedAt == nil {
		for _, raw := range []string{l.DateISO, l.Date} {
			if t, ok := dates.ParseLoose(raw); ok {
				it.PublishedAt = &t
				break
			}
		}
	}
	return it
}

type looseGroup struct {
	SourceID *string          `json:"sourceId"`
	Items    []json.RawMessage `json:"items"`
}

// ReadItems decodes harvested items. A document with a top-level "items"
// array is read as is. Otherwise a top-level array is flattened: each
// element is either an item or a group holding its own "items" array.
func ReadItems(r io.Reader) ([]Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '{' {
		var doc struct {
			Items *[]Item `json:"items"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode items: %w", err)
		}
		if doc.Items == nil {
			return nil, ErrUnknownItemsShape
		}
		return *doc.Items, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownItemsShape, err)
	}

	var items []Item
	for _, raw := range elements {
		var group looseGroup
		if err := json.Unmarshal(raw, &group); err == nil && group.Items != nil {
			source := ""
			if group.SourceID != nil {
				source = *group.SourceID
			}
			for _, rawItem := range group.Items {
				var li looseItem
				if err := json.Unmarshal(rawItem, &li); err != nil {
					continue
				}
				if it := li.item(source); it.Link != "" {
					items = append(items, it)
				}
			}
			continue
		}

		var li looseItem
		if err := json.Unmarshal(raw, &li); err != nil {
			continue
		}
		if it := li.item(""); it.Link != "" {
			items = append(items, it)
		}
	}

	return items, nil
}
