// Package metrics instruments storage backends with Prometheus
// counters and histograms. Wrap decorates any backend; callers that do
// not need instrumentation simply skip the wrapper.
package metrics

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stowage/stowage/pkg/errors"
	"github.com/stowage/stowage/pkg/types"
)

// Collector holds the metric families shared by all wrapped backends.
type Collector struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesCounter      *prometheus.CounterVec
}

// NewCollector creates the metric families and registers them.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		operationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stowage",
			Name:      "operations_total",
			Help:      "Total storage operations by backend, operation, and status.",
		}, []string{"backend", "operation", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stowage",
			Name:      "operation_duration_seconds",
			Help:      "Storage operation latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"backend", "operation"}),
		bytesCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stowage",
			Name:      "transferred_bytes_total",
			Help:      "Bytes uploaded and downloaded by backend and direction.",
		}, []string{"backend", "direction"}),
	}

	for _, col := range []prometheus.Collector{c.operationCounter, c.operationDuration, c.bytesCounter} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to register metrics", err)
		}
	}
	return c, nil
}

// observe records one finished operation.
func (c *Collector) observe(backend, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = string(errors.CodeOf(err))
	}
	c.operationCounter.WithLabelValues(backend, operation, status).Inc()
	c.operationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

func (c *Collector) addBytes(backend, direction string, n int64) {
	if n > 0 {
		c.bytesCounter.WithLabelValues(backend, direction).Add(float64(n))
	}
}

// Wrap decorates a backend so every operation is counted and timed
// under the given backend label.
func (c *Collector) Wrap(backend string, s types.MultipartStorage) types.MultipartStorage {
	return &instrumented{backend: backend, next: s, collector: c}
}

type instrumented struct {
	backend   string
	next      types.MultipartStorage
	collector *Collector
}

var _ types.MultipartStorage = (*instrumented)(nil)

func (m *instrumented) Put(ctx context.Context, key string, data io.Reader, opts *types.PutOptions) (types.StoredFile, error) {
	start := time.Now()
	file, err := m.next.Put(ctx, key, data, opts)
	m.collector.observe(m.backend, "put", start, err)
	if err == nil {
		m.collector.addBytes(m.backend, "upload", file.Size)
	}
	return file, err
}

func (m *instrumented) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := m.next.Get(ctx, key)
	m.collector.observe(m.backend, "get", start, err)
	return rc, err
}

func (m *instrumented) GetBytes(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := m.next.GetBytes(ctx, key)
	m.collector.observe(m.backend, "get_bytes", start, err)
	m.collector.addBytes(m.backend, "download", int64(len(data)))
	return data, err
}

func (m *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := m.next.Delete(ctx, key)
	m.collector.observe(m.backend, "delete", start, err)
	return err
}

func (m *instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := m.next.Exists(ctx, key)
	m.collector.observe(m.backend, "exists", start, err)
	return ok, err
}

func (m *instrumented) List(ctx context.Context, prefix string, limit int) iter.Seq2[types.StoredFile, error] {
	inner := m.next.List(ctx, prefix, limit)
	return func(yield func(types.StoredFile, error) bool) {
		start := time.Now()
		var iterErr error
		for file, err := range inner {
			if err != nil {
				iterErr = err
			}
			if !yield(file, err) {
				break
			}
		}
		m.collector.observe(m.backend, "list", start, iterErr)
	}
}

func (m *instrumented) URL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	start := time.Now()
	u, err := m.next.URL(ctx, key, expiresIn)
	m.collector.observe(m.backend, "url", start, err)
	return u, err
}

func (m *instrumented) Copy(ctx context.Context, source, destination string) (types.StoredFile, error) {
	start := time.Now()
	file, err := m.next.Copy(ctx, source, destination)
	m.collector.observe(m.backend, "copy", start, err)
	return file, err
}

func (m *instrumented) Move(ctx context.Context, source, destination string) (types.StoredFile, error) {
	start := time.Now()
	file, err := m.next.Move(ctx, source, destination)
	m.collector.observe(m.backend, "move", start, err)
	return file, err
}

func (m *instrumented) Info(ctx context.Context, key string) (types.StoredFile, error) {
	start := time.Now()
	file, err := m.next.Info(ctx, key)
	m.collector.observe(m.backend, "info", start, err)
	return file, err
}

func (m *instrumented) Close() error {
	return m.next.Close()
}

func (m *instrumented) StartMultipartUpload(ctx context.Context, key string, opts *types.MultipartOptions) (*types.MultipartUpload, error) {
	start := time.Now()
	upload, err := m.next.StartMultipartUpload(ctx, key, opts)
	m.collector.observe(m.backend, "start_multipart", start, err)
	return upload, err
}

func (m *instrumented) UploadPart(ctx context.Context, upload *types.MultipartUpload, partNumber int, data []byte) (string, error) {
	start := time.Now()
	token, err := m.next.UploadPart(ctx, upload, partNumber, data)
	m.collector.observe(m.backend, "upload_part", start, err)
	if err == nil {
		m.collector.addBytes(m.backend, "upload", int64(len(data)))
	}
	return token, err
}

func (m *instrumented) CompleteMultipartUpload(ctx context.Context, upload *types.MultipartUpload) (types.StoredFile, error) {
	start := time.Now()
	file, err := m.next.CompleteMultipartUpload(ctx, upload)
	m.collector.observe(m.backend, "complete_multipart", start, err)
	return file, err
}

func (m *instrumented) AbortMultipartUpload(ctx context.Context, upload *types.MultipartUpload) error {
	start := time.Now()
	err := m.next.AbortMultipartUpload(ctx, upload)
	m.collector.observe(m.backend, "abort_multipart", start, err)
	return err
}

func (m *instrumented) PutLarge(ctx context.Context, key string, data io.Reader, opts *types.PutLargeOptions) (types.StoredFile, error) {
	start := time.Now()
	file, err := m.next.PutLarge(ctx, key, data, opts)
	m.collector.observe(m.backend, "put_large", start, err)
	if err == nil {
		m.collector.addBytes(m.backend, "upload", file.Size)
	}
	return file, err
}
