package registry

import (
	"context"
	stderr "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/storage/memory"
	"github.com/stowage/stowage/pkg/types"
)

func TestRegisterAndGet(t *testing.T) {
	reg := New()
	store := memory.New(memory.Config{})

	require.NoError(t, reg.Register("uploads", store))

	got, err := reg.Get("uploads")
	require.NoError(t, err)
	assert.Same(t, types.Storage(store), got)

	_, err = reg.Get("unknown")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestRegisterValidation(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Register("", memory.New(memory.Config{})))
	assert.Error(t, reg.Register("x", nil))
}

func TestDefault(t *testing.T) {
	reg := New()
	_, err := reg.Default()
	require.Error(t, err)

	store := memory.New(memory.Config{})
	require.NoError(t, reg.Register(DefaultName, store))

	got, err := reg.Default()
	require.NoError(t, err)
	assert.Same(t, types.Storage(store), got)
}

func TestNamesSorted(t *testing.T) {
	reg := New()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(name, memory.New(memory.Config{})))
	}
	assert.Equal(t, []string{"a", "b", "c"}, reg.Names())
}

func TestParamName(t *testing.T) {
	assert.Equal(t, "storage", ParamName(DefaultName))
	assert.Equal(t, "uploads_storage", ParamName("uploads"))
	assert.Equal(t, "cache_storage", ParamName("cache"))
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	reg := New()
	require.NoError(t, reg.Register("media", memory.New(memory.Config{})))

	result, err := reg.Upload(ctx, "media", "img/cat.png", strings.NewReader("pixels"), nil)
	require.NoError(t, err)
	assert.Equal(t, "img/cat.png", result.File.Key)
	assert.Equal(t, int64(6), result.File.Size)
	assert.Equal(t, "memory://img/cat.png", result.URL)

	_, err = reg.Upload(ctx, "unknown", "k", strings.NewReader("x"), nil)
	require.Error(t, err)
}

type failingClose struct {
	types.Storage
	closed bool
}

func (f *failingClose) Close() error {
	f.closed = true
	return stderr.New("close failed")
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	reg := New()
	bad := &failingClose{Storage: memory.New(memory.Config{})}
	good := memory.New(memory.Config{})

	require.NoError(t, reg.Register("bad", bad))
	require.NoError(t, reg.Register("good", good))

	err := reg.CloseAll()
	require.Error(t, err)
	assert.True(t, bad.closed)

	// The registry is empty afterwards.
	assert.Empty(t, reg.Names())
}

func TestCloseAllEmpty(t *testing.T) {
	assert.NoError(t, New().CloseAll())
}
