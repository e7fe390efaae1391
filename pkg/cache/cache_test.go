package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const thermostatURL = "https://api.ecobee.com/1/thermostat"

func setupRedis(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", 0)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Both backends must behave identically from the driver's point of view.
func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  setupRedis(t),
	}
}

func TestStore_PutGet(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := time.Now().UTC().Truncate(time.Millisecond)

			entry := &Entry{
				Payload:          json.RawMessage(`{"thermostatList":[]}`),
				RequestTimestamp: ts,
			}
			require.NoError(t, store.Put(ctx, thermostatURL, entry))

			got, err := store.Get(ctx, thermostatURL)
			require.NoError(t, err)
			assert.JSONEq(t, `{"thermostatList":[]}`, string(got.Payload))
			assert.True(t, got.RequestTimestamp.Equal(ts))
		})
	}
}

func TestStore_Miss(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "https://example.com/absent")
			assert.ErrorIs(t, err, ErrMiss)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := &Entry{Payload: json.RawMessage(`1`), RequestTimestamp: time.Now()}
			require.NoError(t, store.Put(ctx, thermostatURL, entry))

			require.NoError(t, store.Delete(ctx, thermostatURL))
			_, err := store.Get(ctx, thermostatURL)
			assert.ErrorIs(t, err, ErrMiss)

			// Deleting a missing key is fine.
			require.NoError(t, store.Delete(ctx, thermostatURL))
		})
	}
}

func TestStore_Keys(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := &Entry{Payload: json.RawMessage(`1`), RequestTimestamp: time.Now()}
			require.NoError(t, store.Put(ctx, "url-a", entry))
			require.NoError(t, store.Put(ctx, "url-b", entry))

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"url-a", "url-b"}, keys)
		})
	}
}

func TestEntry_Fresh(t *testing.T) {
	now := time.Now()
	entry := &Entry{RequestTimestamp: now.Add(-30 * time.Second)}

	assert.True(t, entry.Fresh(time.Minute, now))
	assert.False(t, entry.Fresh(10*time.Second, now))

	var nilEntry *Entry
	assert.False(t, nilEntry.Fresh(time.Minute, now))
}
