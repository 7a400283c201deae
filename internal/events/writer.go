package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dealline/internal/domain"
)

// TypeDealMutation is the audit event type for every deal write.
const TypeDealMutation = "commercial_project_mutation"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record describes one event to append. Before and After are full
// snapshots; Meta carries free-form context such as the note.
type Record struct {
	Source   string
	Channel  string
	Type     string
	EntityID string
	Before   *domain.Deal
	After    *domain.Deal
	Meta     map[string]any
}

// Append writes the event inside the caller's transaction so the audit
// trail commits or rolls back together with the state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (string, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if rec.Type == "" {
		rec.Type = TypeDealMutation
	}
	before, err := marshalOrNil(rec.Before)
	if err != nil {
		return "", fmt.Errorf("marshal event before: %w", err)
	}
	after, err := marshalOrNil(rec.After)
	if err != nil {
		return "", fmt.Errorf("marshal event after: %w", err)
	}
	var meta any
	if len(rec.Meta) > 0 {
		data, err := json.Marshal(rec.Meta)
		if err != nil {
			return "", fmt.Errorf("marshal event meta: %w", err)
		}
		meta = string(data)
	}
	eventID := "evt-" + uuid.NewString()
	_, err = tx.ExecContext(ctx, `INSERT INTO events(event_id,ts,schema_version,source,channel,type,entity_id,before_json,after_json,meta_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		eventID, ts, 1, rec.Source, channelFor(rec.Source, rec.Channel), rec.Type, rec.EntityID, before, after, meta)
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// channelFor defaults the channel from the source: direct-message
// sources stay on "dm", everything else lands on "roadmap".
func channelFor(source, channel string) string {
	if channel != "" {
		return channel
	}
	if source == "dm" {
		return "dm"
	}
	return "roadmap"
}

func marshalOrNil(d *domain.Deal) (any, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
