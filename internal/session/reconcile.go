package session

import (
	"context"
	"encoding/json"

	"github.com/relaycode/relayd/internal/storage"
	"github.com/relaycode/relayd/pkg/types"
)

// interruptedToolMessage is the error recorded on a ToolPart left "running"
// by a process that terminated mid-turn. spec §9 leaves the choice of
// whether to reconcile such parts on restart to the implementer; this
// module marks them rather than leaving a part permanently stuck "running"
// with no runner left alive to ever finish it.
const interruptedToolMessage = "interrupted"

// ReconcileInterruptedToolParts scans every stored part and marks any
// ToolPart still "running" as errored with interruptedToolMessage. Intended
// to run once at daemon startup, before any session accepts new turns,
// to clean up after an unclean previous shutdown (crash, kill -9).
// Returns the number of parts reconciled.
func ReconcileInterruptedToolParts(ctx context.Context, store *storage.Storage) (int, error) {
	messageIDs, err := store.List(ctx, []string{"part"})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, messageID := range messageIDs {
		var partIDs []string
		err := store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
			partIDs = append(partIDs, key)
			return nil
		})
		if err != nil {
			continue
		}

		for _, partID := range partIDs {
			var raw struct {
				Type string `json:"type"`
			}
			path := []string{"part", messageID, partID}
			if err := store.Get(ctx, path, &raw); err != nil || raw.Type != "tool" {
				continue
			}

			var toolPart types.ToolPart
			if err := store.Get(ctx, path, &toolPart); err != nil {
				continue
			}
			if toolPart.State.Status != "running" {
				continue
			}

			msg := interruptedToolMessage
			toolPart.State.Status = "error"
			toolPart.State.Error = &msg
			if err := store.Put(ctx, path, &toolPart); err == nil {
				count++
			}
		}
	}

	return count, nil
}
