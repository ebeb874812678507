package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tidemark/internal/catalog"
	"github.com/roach88/tidemark/internal/queue"
)

// Built-in task types.
const (
	TypeNoop      = "noop"
	TypeTouchItem = "touch_item"
)

// ItemPayload is the payload of item-scoped tasks such as ingest follow-ons.
type ItemPayload struct {
	ItemID string `json:"item_id"`
}

// Noop succeeds without doing anything.
func Noop() Handler {
	return HandlerFunc(func(context.Context, queue.Task) error {
		return nil
	})
}

// TouchItem marks the payload's item as updated.
func TouchItem(cat *catalog.Catalog) Handler {
	return HandlerFunc(func(ctx context.Context, task queue.Task) error {
		var p ItemPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.ItemID == "" {
			return errors.New("payload has no item_id")
		}
		return cat.Touch(ctx, p.ItemID)
	})
}
