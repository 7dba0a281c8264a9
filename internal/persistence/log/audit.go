package log

import (
	stdlog "log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"zhaba.dev/internal/persistence/boarddb"
)

// AuditEntry is one line of the moderation audit log.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	BoardID   int64     `json:"board_id,omitempty"`
	BoardName string    `json:"board_name,omitempty"`
	PostID    int64     `json:"post_id,omitempty"`
	Image     string    `json:"image,omitempty"`
	IP        string    `json:"ip,omitempty"`
	ASN       uint32    `json:"asn,omitempty"`
	Mnt       string    `json:"mnt,omitempty"`
	Content   string    `json:"content,omitempty"`
	Color     *uint32   `json:"color,omitempty"`
}

func entryFromEvent(ev boarddb.Event) AuditEntry {
	e := AuditEntry{
		Time:      ev.Time,
		Kind:      string(ev.Kind),
		BoardID:   ev.BoardID,
		BoardName: ev.BoardName,
		PostID:    ev.PostID,
		Image:     ev.Image,
	}
	if p := ev.Post; p != nil {
		e.IP = p.IP
		e.Content = p.Content
		if p.Image != nil {
			e.Image = *p.Image
		}
		if p.Whois != nil {
			e.ASN = p.Whois.ASN
			e.Mnt = p.Whois.Mnt
		}
	}
	if b := ev.Board; b != nil {
		c := b.Color
		e.Color = &c
	}
	return e
}

type AuditStats struct {
	QueueDepth   int
	WrittenTotal uint64
	DroppedTotal uint64
	ErrorTotal   uint64
}

// AuditLog is a boarddb.EventSink that appends every committed mutation to
// hourly audit files. Publish never blocks; entries are dropped and counted
// when the buffer is full.
type AuditLog struct {
	w   *JSONLZstdWriter
	ch  chan AuditEntry
	log *stdlog.Logger

	wg   sync.WaitGroup
	once sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

func NewAuditLog(dir string, buffer int, logger *stdlog.Logger) *AuditLog {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = stdlog.Default()
	}
	a := &AuditLog{
		w:   NewJSONLZstdWriter(filepath.Clean(dir), "audit"),
		ch:  make(chan AuditEntry, buffer),
		log: logger,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AuditLog) Publish(ev boarddb.Event) {
	select {
	case a.ch <- entryFromEvent(ev):
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.log.Printf("audit drop kind=%s dropped_total=%d", ev.Kind, n)
		}
	}
}

func (a *AuditLog) run() {
	defer a.wg.Done()
	for e := range a.ch {
		if err := a.w.Write(e); err != nil {
			a.errors.Add(1)
			a.log.Printf("audit write err=%v", err)
			continue
		}
		a.written.Add(1)
	}
}

// Close flushes buffered entries and closes the current file. Publish must
// not be called after Close.
func (a *AuditLog) Close() error {
	var err error
	a.once.Do(func() {
		close(a.ch)
		a.wg.Wait()
		err = a.w.Close()
	})
	return err
}

func (a *AuditLog) Stats() AuditStats {
	return AuditStats{
		QueueDepth:   len(a.ch),
		WrittenTotal: a.written.Load(),
		DroppedTotal: a.dropped.Load(),
		ErrorTotal:   a.errors.Load(),
	}
}
