// Package handoff relays stage outputs within one pipeline run. Keys are write-once;
// readers get a copy of the published bytes.
package handoff

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"modelops/db"
	"modelops/errs"
)

// ErrAlreadyPublished is returned when a stage publishes the same key twice.
var ErrAlreadyPublished = errors.New("key already published")

// Channel is a write-once, read-many key/value relay scoped to one run.
type Channel interface {
	Put(ctx context.Context, stageID, key string, value []byte) error
	Get(ctx context.Context, stageID, key string) ([]byte, error)
}

type slotKey struct {
	stage string
	key   string
}

// MemoryChannel keeps values in process memory.
type MemoryChannel struct {
	mu     sync.RWMutex
	values map[slotKey][]byte
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{values: make(map[slotKey][]byte)}
}

func (c *MemoryChannel) Put(ctx context.Context, stageID, key string, value []byte) error {
	const op = "handoff.put"
	if err := ctx.Err(); err != nil {
		return errs.E(errs.Unavailable, op, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := slotKey{stage: stageID, key: key}
	if _, ok := c.values[k]; ok {
		return errs.E(errs.Validation, op, errors.Wrapf(ErrAlreadyPublished, "%s/%s", stageID, key))
	}
	c.values[k] = append([]byte(nil), value...)
	return nil
}

func (c *MemoryChannel) Get(ctx context.Context, stageID, key string) ([]byte, error) {
	const op = "handoff.get"
	if err := ctx.Err(); err != nil {
		return nil, errs.E(errs.Unavailable, op, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.values[slotKey{stage: stageID, key: key}]
	if !ok {
		return nil, errs.Errorf(errs.NotFound, op, "nothing published under %s/%s", stageID, key)
	}
	return append([]byte(nil), value...), nil
}

// SQLiteChannel persists values in the handoff table so a run can be inspected after a crash.
type SQLiteChannel struct {
	db    *db.DB
	runID string
}

func NewSQLiteChannel(database *db.DB, runID string) *SQLiteChannel {
	return &SQLiteChannel{db: database, runID: runID}
}

func (c *SQLiteChannel) Put(ctx context.Context, stageID, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	inserted, err := c.db.InsertHandoff(ctx, c.runID, stageID, key, value)
	if err != nil {
		return err
	}
	if !inserted {
		return errs.E(errs.Validation, "handoff.put", errors.Wrapf(ErrAlreadyPublished, "%s/%s", stageID, key))
	}
	return nil
}

func (c *SQLiteChannel) Get(ctx context.Context, stageID, key string) ([]byte, error) {
	value, ok, err := c.db.GetHandoff(ctx, c.runID, stageID, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "handoff.get", "nothing published under %s/%s", stageID, key)
	}
	return value, nil
}

// Purge removes everything this run published.
func (c *SQLiteChannel) Purge(ctx context.Context) error {
	return c.db.PurgeHandoff(ctx, c.runID)
}

// PutJSON publishes v encoded as JSON.
func PutJSON(ctx context.Context, ch Channel, stageID, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errs.E(errs.Unexpected, "handoff.put_json", err)
	}
	return ch.Put(ctx, stageID, key, payload)
}

// GetJSON decodes the value published under stageID/key into v.
func GetJSON(ctx context.Context, ch Channel, stageID, key string, v interface{}) error {
	payload, err := ch.Get(ctx, stageID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errs.E(errs.Unexpected, "handoff.get_json", err)
	}
	return nil
}
