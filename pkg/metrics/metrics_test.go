package metrics

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/pkg/storage/memory"
)

func newWrapped(t *testing.T) (*Collector, *prometheus.Registry, *memory.Storage) {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	require.NoError(t, err)
	return collector, reg, memory.New(memory.Config{})
}

func TestNewCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)

	// A second collector on the same registry collides.
	_, err = NewCollector(reg)
	require.Error(t, err)
}

func TestWrapCountsOperations(t *testing.T) {
	ctx := context.Background()
	collector, _, inner := newWrapped(t)
	store := collector.Wrap("memory", inner)

	_, err := store.Put(ctx, "a.txt", strings.NewReader("hello"), nil)
	require.NoError(t, err)

	data, err := store.GetBytes(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	puts := testutil.ToFloat64(collector.operationCounter.WithLabelValues("memory", "put", "success"))
	assert.Equal(t, float64(1), puts)

	gets := testutil.ToFloat64(collector.operationCounter.WithLabelValues("memory", "get_bytes", "success"))
	assert.Equal(t, float64(1), gets)

	uploaded := testutil.ToFloat64(collector.bytesCounter.WithLabelValues("memory", "upload"))
	assert.Equal(t, float64(5), uploaded)

	downloaded := testutil.ToFloat64(collector.bytesCounter.WithLabelValues("memory", "download"))
	assert.Equal(t, float64(5), downloaded)
}

func TestWrapCountsFailuresByCode(t *testing.T) {
	ctx := context.Background()
	collector, _, inner := newWrapped(t)
	store := collector.Wrap("memory", inner)

	_, err := store.Get(ctx, "missing.txt")
	require.Error(t, err)

	failures := testutil.ToFloat64(collector.operationCounter.WithLabelValues("memory", "get", "OBJECT_NOT_FOUND"))
	assert.Equal(t, float64(1), failures)
}

func TestWrapDelegatesMultipart(t *testing.T) {
	ctx := context.Background()
	collector, _, inner := newWrapped(t)
	store := collector.Wrap("memory", inner)

	upload, err := store.StartMultipartUpload(ctx, "big.bin", nil)
	require.NoError(t, err)
	_, err = store.UploadPart(ctx, upload, 1, []byte("chunk"))
	require.NoError(t, err)
	_, err = store.CompleteMultipartUpload(ctx, upload)
	require.NoError(t, err)

	data, err := inner.GetBytes(ctx, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, "chunk", string(data))

	parts := testutil.ToFloat64(collector.operationCounter.WithLabelValues("memory", "upload_part", "success"))
	assert.Equal(t, float64(1), parts)
}

func TestWrapList(t *testing.T) {
	ctx := context.Background()
	collector, _, inner := newWrapped(t)
	store := collector.Wrap("memory", inner)

	_, err := store.Put(ctx, "dir/a.txt", bytes.NewReader([]byte("x")), nil)
	require.NoError(t, err)

	count := 0
	for _, err := range store.List(ctx, "dir/", 0) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)

	lists := testutil.ToFloat64(collector.operationCounter.WithLabelValues("memory", "list", "success"))
	assert.Equal(t, float64(1), lists)
}

func TestWrapPutLarge(t *testing.T) {
	ctx := context.Background()
	collector, _, inner := newWrapped(t)
	store := collector.Wrap("memory", inner)

	payload := bytes.Repeat([]byte("p"), 2048)
	_, err := store.PutLarge(ctx, "large.bin", bytes.NewReader(payload), nil)
	require.NoError(t, err)

	calls := testutil.ToFloat64(collector.operationCounter.WithLabelValues("memory", "put_large", "success"))
	assert.Equal(t, float64(1), calls)
}
