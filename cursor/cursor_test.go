package cursor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", ".processed_dict.json")
	fs := NewFileStore(path)

	st, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Last)

	require.NoError(t, fs.Save(ctx, State{Last: 42}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Last":42}`, string(b))

	st, err = fs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), st.Last)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rs, err := NewRedisStore(client, "")
	require.NoError(t, err)
	ctx := context.Background()

	st, err := rs.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Last)

	require.NoError(t, rs.Save(ctx, State{Last: 7}))
	raw, err := mr.Get(DefaultRedisKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Last":7}`, raw)

	c, err := Open(ctx, rs)
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.Last())
}

type flakyStore struct {
	State
	fail bool
}

func (f *flakyStore) Load(context.Context) (State, error) { return f.State, nil }

func (f *flakyStore) Save(_ context.Context, s State) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.State = s
	return nil
}

func TestCursorNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{State: State{Last: 10}}
	c, err := Open(ctx, store)
	require.NoError(t, err)

	prev := c.Last()
	for _, seq := range []int64{12, 11, 12, 3, 20, 19} {
		_, err := c.Advance(ctx, seq)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, c.Last(), prev)
		prev = c.Last()
	}
	assert.Equal(t, int64(20), c.Last())
	assert.Equal(t, int64(20), store.Last)

	store.fail = true
	moved, err := c.Advance(ctx, 25)
	assert.Error(t, err)
	assert.False(t, moved)
	assert.Equal(t, int64(20), c.Last())

	store.fail = false
	require.NoError(t, c.Reset(ctx, 5))
	assert.Equal(t, int64(5), c.Last())
}
