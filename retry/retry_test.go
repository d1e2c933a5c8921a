package retry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newGorm(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:retry-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewGormStore(db)
	require.NoError(t, err)
	return store
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   newGorm(t),
	}
}

func TestRegistryDeadLetters(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := NewRegistry(store, 3)
			ev := Entry{Key: "/series/s1", ResourceID: "s1", ResourceType: "Series", ChangeType: "StableSeries", Seq: 4}

			for i := 1; i <= 2; i++ {
				e, err := reg.Fail(ctx, ev, errors.New("model down"))
				require.NoError(t, err)
				assert.Equal(t, i, e.Attempts)
				assert.False(t, e.DeadLettered)
			}
			pending, err := reg.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "model down", pending[0].LastError)

			ev.Seq = 9
			e, err := reg.Fail(ctx, ev, errors.New("still down"))
			require.NoError(t, err)
			assert.True(t, e.DeadLettered)
			assert.Equal(t, int64(9), e.Seq)

			pending, err = reg.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
			dead, err := reg.DeadLettered(ctx)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, 3, dead[0].Attempts)

			// further failures leave a dead-lettered entry alone
			e, err = reg.Fail(ctx, ev, errors.New("again"))
			require.NoError(t, err)
			assert.Equal(t, 3, e.Attempts)

			require.NoError(t, reg.Requeue(ctx, ev.Key))
			pending, err = reg.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, 0, pending[0].Attempts)
		})
	}
}

func TestRegistrySucceedForgets(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := NewRegistry(store, 0)
			assert.Equal(t, DefaultMaxAttempts, reg.MaxAttempts())

			_, err := reg.Fail(ctx, Entry{Key: "/series/b", Seq: 7}, nil)
			require.NoError(t, err)
			_, err = reg.Fail(ctx, Entry{Key: "/series/a", Seq: 2}, nil)
			require.NoError(t, err)

			pending, err := reg.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "/series/a", pending[0].Key)

			require.NoError(t, reg.Succeed(ctx, "/series/a"))
			require.NoError(t, reg.Succeed(ctx, "/series/unknown"))
			pending, err = reg.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "/series/b", pending[0].Key)
		})
	}
}

func TestGormStoreGetMissing(t *testing.T) {
	_, err := newGorm(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenSQLiteReopensAfterClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "retry", "ark-retry.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	reg := NewRegistry(store, 1)
	_, err = reg.Fail(ctx, Entry{Key: "/series/a", Seq: 4}, errors.New("boom"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.List(ctx)
	assert.Error(t, err, "closed store must not serve queries")

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	dead, err := NewRegistry(store, 1).DeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "/series/a", dead[0].Key)
}
