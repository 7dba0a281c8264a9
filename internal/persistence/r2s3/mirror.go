package r2s3

import (
	"context"
	"hash/fnv"
	"log"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/persistence/imagestore"
)

type Stats struct {
	QueueDepth          int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	DeleteSuccessTotal  uint64
	DeleteFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type opKind uint8

const (
	opPut opKind = iota + 1
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opPut:
		return "put"
	case opDelete:
		return "delete"
	}
	return "unknown"
}

type job struct {
	op   opKind
	name string
}

// objectStore is the subset of *Client the mirror drives.
type objectStore interface {
	PutFile(ctx context.Context, objectKey, localPath, contentType string) error
	Delete(ctx context.Context, objectKey string) error
}

// Mirror copies post images to object storage. It is a boarddb.EventSink:
// created posts upload their image, deleted posts remove it. Jobs for one
// image name always land on the same worker, so a delete never overtakes its
// upload.
type Mirror struct {
	client  objectStore
	images  *imagestore.Store
	prefix  string
	logger  *log.Logger
	backoff time.Duration

	queues      []chan job
	enqueueWait time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	deleteSuccessTotal  atomic.Uint64
	deleteFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client *Client, images *imagestore.Store, prefix string, workers, queueCapacity int, enqueueWait time.Duration, logger *log.Logger) *Mirror {
	return newMirror(client, images, prefix, workers, queueCapacity, enqueueWait, logger)
}

func newMirror(client objectStore, images *imagestore.Store, prefix string, workers, queueCapacity int, enqueueWait time.Duration, logger *log.Logger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	m := &Mirror{
		client:      client,
		images:      images,
		prefix:      normalizeObjectKey(prefix),
		logger:      logger,
		backoff:     200 * time.Millisecond,
		queues:      make([]chan job, workers),
		enqueueWait: enqueueWait,
	}
	for i := range m.queues {
		ch := make(chan job, queueCapacity)
		m.queues[i] = ch
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for j := range ch {
				m.runOne(j)
			}
		}()
	}
	return m
}

// Publish implements boarddb.EventSink.
func (m *Mirror) Publish(ev boarddb.Event) {
	switch ev.Kind {
	case boarddb.EventPostCreated:
		if ev.Post != nil && ev.Post.Image != nil {
			m.enqueue(opPut, *ev.Post.Image)
		}
	case boarddb.EventPostDeleted:
		if ev.Image != "" {
			m.enqueue(opDelete, ev.Image)
		}
	}
}

func (m *Mirror) enqueue(op opKind, name string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueuedTotal.Add(1)
	q := m.queueFor(name)
	j := job{op: op, name: name}

	select {
	case q <- j:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	// Publish runs on the database worker, so the wait stays short.
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case q <- j:
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.printf("mirror drop image=%s reason=queue_saturated wait_ms=%d dropped_total=%d", name, m.enqueueWait.Milliseconds(), dropped)
	}
}

func (m *Mirror) queueFor(name string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return m.queues[h.Sum32()%uint32(len(m.queues))]
}

// Close drains queued jobs and stops the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		for _, q := range m.queues {
			close(q)
		}
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	depth := 0
	for _, q := range m.queues {
		depth += len(q)
	}
	return Stats{
		QueueDepth:          depth,
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		DeleteSuccessTotal:  m.deleteSuccessTotal.Load(),
		DeleteFailTotal:     m.deleteFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

// RegisterMetrics exposes Stats as Prometheus collectors.
func (m *Mirror) RegisterMetrics(reg prometheus.Registerer) error {
	counter := func(name, help string, v func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "zhaba", Subsystem: "mirror", Name: name, Help: help,
		}, func() float64 { return float64(v()) })
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "zhaba", Subsystem: "mirror", Name: "queue_depth",
			Help: "Mirror jobs waiting for a worker.",
		}, func() float64 { return float64(m.Stats().QueueDepth) }),
		counter("dropped_total", "Mirror jobs dropped on a saturated queue.", m.droppedTotal.Load),
		counter("upload_success_total", "Images uploaded.", m.uploadSuccessTotal.Load),
		counter("upload_fail_total", "Image uploads that failed after retries.", m.uploadFailTotal.Load),
		counter("delete_success_total", "Remote images deleted.", m.deleteSuccessTotal.Load),
		counter("delete_fail_total", "Remote deletes that failed after retries.", m.deleteFailTotal.Load),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) runOne(j job) {
	key := m.objectKey(j.name)
	var (
		err     error
		okCtr   *atomic.Uint64
		failCtr *atomic.Uint64
	)
	switch j.op {
	case opPut:
		okCtr, failCtr = &m.uploadSuccessTotal, &m.uploadFailTotal
		local, perr := m.images.Path(j.name)
		if perr != nil {
			m.printf("mirror skip image=%s err=%v", j.name, perr)
			return
		}
		if !m.images.Exists(j.name) {
			// Deleted before the upload ran.
			m.printf("mirror skip image=%s reason=gone", j.name)
			return
		}
		ctype := imagestore.ContentType(filepath.Ext(j.name))
		err = m.withRetry(func(ctx context.Context) error { return m.client.PutFile(ctx, key, local, ctype) })
	case opDelete:
		okCtr, failCtr = &m.deleteSuccessTotal, &m.deleteFailTotal
		err = m.withRetry(func(ctx context.Context) error { return m.client.Delete(ctx, key) })
	default:
		return
	}

	if err != nil {
		failCtr.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("mirror op=%s failed key=%s err=%v", j.op, key, err)
		return
	}
	okCtr.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.printf("mirror op=%s done key=%s", j.op, key)
}

func (m *Mirror) withRetry(fn func(ctx context.Context) error) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.backoff)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
