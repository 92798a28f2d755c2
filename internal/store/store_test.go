package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string    `json:"name"`
	Value []float64 `json:"value"`
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "state/nd/numu", Join("state", "/nd/", "", "numu"))
	assert.Equal(t, "", Join())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)

	in := sample{Name: "pred", Value: []float64{1, 2.5, 0}}
	require.NoError(t, SaveObject(ctx, s, "state/pred", "Sample", in))

	var out sample
	require.NoError(t, LoadObject(ctx, s, "state/pred", "Sample", &out))
	assert.Equal(t, in, out)

	tag, err := TypeOf(ctx, s, "state/pred")
	require.NoError(t, err)
	assert.Equal(t, "Sample", tag)
}

func TestMemoryStoreOverwrites(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)

	require.NoError(t, SaveObject(ctx, s, "k", "Sample", sample{Name: "first"}))
	require.NoError(t, SaveObject(ctx, s, "k", "Sample", sample{Name: "second"}))

	var out sample
	require.NoError(t, LoadObject(ctx, s, "k", "Sample", &out))
	assert.Equal(t, "second", out.Name)
}

func TestLoadMissing(t *testing.T) {
	s, err := NewMemoryStore("")
	require.NoError(t, err)

	var out sample
	err = LoadObject(context.Background(), s, "nope", "Sample", &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadTypeMismatchPanics(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	require.NoError(t, SaveObject(ctx, s, "k", "Sample", sample{}))

	var out sample
	assert.Panics(t, func() { _ = LoadObject(ctx, s, "k", "Other", &out) })
}

func TestKeysAndCopy(t *testing.T) {
	ctx := context.Background()
	src, err := NewMemoryStore("")
	require.NoError(t, err)
	dst, err := NewMemoryStore("")
	require.NoError(t, err)

	for _, k := range []string{"a/2", "a/1", "b/1"} {
		require.NoError(t, src.Put(ctx, k, &Record{Type: "T", Payload: []byte(`{}`), SavedAt: time.Now()}))
	}

	keys, err := src.Keys(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	n, err := Copy(ctx, src, dst, "a/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := dst.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, all)
}

func TestMemoryStoreSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := NewMemoryStore(path)
	require.NoError(t, err)
	require.NoError(t, SaveObject(ctx, s, "runplan/nu", "Sample", sample{Name: "nu", Value: []float64{3}}))
	require.NoError(t, s.Close())

	reopened, err := NewMemoryStore(path)
	require.NoError(t, err)
	var out sample
	require.NoError(t, LoadObject(ctx, reopened, "runplan/nu", "Sample", &out))
	assert.Equal(t, "nu", out.Name)
	assert.Equal(t, []float64{3}, out.Value)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)

	_, err = Open(ctx, Config{Backend: "tape"})
	assert.Error(t, err)
}

func TestRemoteBackendsFailFast(t *testing.T) {
	if testing.Short() {
		t.Skip("dials unroutable addresses")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Open(ctx, Config{Backend: "redis", RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: "postgres", PostgresConn: "postgres://prism@127.0.0.1:1/prism?connect_timeout=1"})
	assert.Error(t, err)
}
