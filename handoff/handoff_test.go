package handoff

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelops/db"
	"modelops/errs"
)

func channels(t *testing.T) map[string]Channel {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "handoff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return map[string]Channel{
		"memory": NewMemoryChannel(),
		"sqlite": NewSQLiteChannel(database, "run-1"),
	}
}

func TestChannelContract(t *testing.T) {
	ctx := context.Background()
	for name, ch := range channels(t) {
		t.Run(name, func(t *testing.T) {
			large := bytes.Repeat([]byte{0xAB, 0x00, 0x7F}, 3<<20)
			require.NoError(t, ch.Put(ctx, "train", "model", large))

			got, err := ch.Get(ctx, "train", "model")
			require.NoError(t, err)
			assert.Equal(t, large, got, "large values must not be truncated")

			err = ch.Put(ctx, "train", "model", []byte("again"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAlreadyPublished))

			_, err = ch.Get(ctx, "train", "metrics")
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.NotFound))

			// the same key under another stage is a separate slot
			require.NoError(t, ch.Put(ctx, "load", "model", []byte("x")))
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel()
	type payload struct {
		Rows int      `json:"rows"`
		Tags []string `json:"tags"`
	}

	require.NoError(t, PutJSON(ctx, ch, "load", "summary", payload{Rows: 3, Tags: []string{"a"}}))
	var got payload
	require.NoError(t, GetJSON(ctx, ch, "load", "summary", &got))
	assert.Equal(t, payload{Rows: 3, Tags: []string{"a"}}, got)
}

func TestMemoryChannelCopiesValues(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel()
	value := []byte("abc")
	require.NoError(t, ch.Put(ctx, "s", "k", value))
	value[0] = 'z'

	got, err := ch.Get(ctx, "s", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestSQLiteChannelRunsAreIsolated(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "handoff.db"))
	require.NoError(t, err)
	defer database.Close()

	first := NewSQLiteChannel(database, "run-1")
	second := NewSQLiteChannel(database, "run-2")
	require.NoError(t, first.Put(ctx, "load", "dataset", []byte("one")))
	require.NoError(t, second.Put(ctx, "load", "dataset", []byte("two")))

	require.NoError(t, first.Purge(ctx))
	_, err = first.Get(ctx, "load", "dataset")
	assert.True(t, errs.Is(err, errs.NotFound))
	got, err := second.Get(ctx, "load", "dataset")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}
