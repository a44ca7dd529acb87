package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// OutboxStore is the subset of *pgxpool.Pool the outbox needs.
type OutboxStore interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// insertOutbox keeps the first row for a given (event_id, topic); the no-op
// update makes RETURNING yield the existing id for duplicates.
const insertOutbox = `INSERT INTO bridge_outbox (event_id, topic, resource_type, attributes, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_id, topic) DO UPDATE SET topic = bridge_outbox.topic
RETURNING id`

// Outbox writes envelopes to the bridge_outbox table for a relay to forward.
// Redeliveries of one change collapse onto a single row.
type Outbox struct {
	store  OutboxStore
	origin string
}

func NewOutbox(store OutboxStore, origin string) *Outbox {
	return &Outbox{store: store, origin: origin}
}

// Publish inserts msg and returns "outbox:<row id>".
func (o *Outbox) Publish(ctx context.Context, msg Message) (string, error) {
	attrs, err := json.Marshal(headers(o.origin, msg))
	if err != nil {
		return "", publishErr("outbox", msg.Topic, err)
	}

	var id int64
	err = o.store.QueryRow(ctx, insertOutbox,
		msg.EventID, msg.Topic, msg.ResourceType, attrs, msg.Data,
	).Scan(&id)
	if err != nil {
		return "", publishErr("outbox", msg.Topic, fmt.Errorf("insert: %w", err))
	}
	return "outbox:" + strconv.FormatInt(id, 10), nil
}

func (o *Outbox) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller.
func (o *Outbox) Close() error { return nil }
