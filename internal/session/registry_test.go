package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/nbcopilot/internal/wire"
)

func TestRegistry_OpenIsPerKey(t *testing.T) {
	b := newBackend(t)
	r := NewRegistry(b.options())
	defer r.CloseAll()
	ctx := context.Background()

	a1, err := r.Open(ctx, "a", "a.ipynb")
	require.NoError(t, err)
	a2, err := r.Open(ctx, "a", "a.ipynb")
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	other, err := r.Open(ctx, "b", "b.ipynb")
	require.NoError(t, err)
	assert.NotSame(t, a1, other)
	assert.NotEqual(t, a1.ID, other.ID)
	assert.Equal(t, "b.ipynb", other.Path())
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_Rename(t *testing.T) {
	b := newBackend(t)
	r := NewRegistry(b.options())
	defer r.CloseAll()
	ctx := context.Background()

	s, err := r.Open(ctx, "old", "old.ipynb")
	require.NoError(t, err)

	require.NoError(t, r.Rename(ctx, "old", "new", "new.ipynb"))
	assert.Nil(t, r.Get("old"))
	assert.Same(t, s, r.Get("new"))
	assert.Equal(t, "new.ipynb", s.Path())
	assert.Equal(t, &wire.ChangePath{NewPath: "new.ipynb"}, b.next(t))

	assert.ErrorIs(t, r.Rename(ctx, "missing", "x", "x.ipynb"), ErrNotFound)
}

func TestRegistry_CloseDisposesSession(t *testing.T) {
	b := newBackend(t)
	r := NewRegistry(b.options())
	ctx := context.Background()

	s, err := r.Open(ctx, "k", "k.ipynb")
	require.NoError(t, err)
	require.NoError(t, r.Close("k"))
	assert.Nil(t, r.Get("k"))
	assert.ErrorIs(t, s.CellUpdate(ctx, 0, ""), ErrSessionDisposed)

	assert.ErrorIs(t, r.Close("k"), ErrNotFound)
}

func TestRegistry_ReplacesSessionClosedDirectly(t *testing.T) {
	b := newBackend(t)
	r := NewRegistry(b.options())
	defer r.CloseAll()
	ctx := context.Background()

	s, err := r.Open(ctx, "k", "k.ipynb")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Nil(t, r.Get("k"))

	fresh, err := r.Open(ctx, "k", "k.ipynb")
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
	assert.False(t, fresh.Disposed())
	require.NoError(t, fresh.CellUpdate(ctx, 0, "x"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CloseIdle(t *testing.T) {
	b := newBackend(t)
	r := NewRegistry(b.options())
	defer r.CloseAll()
	ctx := context.Background()

	_, err := r.Open(ctx, "stale", "stale.ipynb")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	fresh, err := r.Open(ctx, "fresh", "fresh.ipynb")
	require.NoError(t, err)
	require.NoError(t, fresh.CellUpdate(ctx, 0, "x"))

	assert.Equal(t, 1, r.CloseIdle(20*time.Millisecond))
	assert.Nil(t, r.Get("stale"))
	assert.NotNil(t, r.Get("fresh"))
}

func TestRegistry_CloseAll(t *testing.T) {
	b := newBackend(t)
	r := NewRegistry(b.options())
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, err := r.Open(ctx, k, k+".ipynb")
		require.NoError(t, err)
	}
	require.NoError(t, r.CloseAll())
	assert.Equal(t, 0, r.Len())
}
