package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/whois"
)

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "audit")
	now := time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for hour, want := range map[string]int{"2024-03-01-10": 1, "2024-03-01-11": 2} {
		path := filepath.Join(dir, "audit-"+hour+".jsonl.zst")
		var got []int
		err := ReadJSONL(path, func(line []byte) error {
			var v map[string]int
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			got = append(got, v["n"])
			return nil
		})
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if len(got) != 1 || got[0] != want {
			t.Fatalf("%s: got %v want [%d]", hour, got, want)
		}
	}
}

func TestJSONLZstdWriter_ReadableBeforeClose(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "audit")
	defer w.Close()
	if err := w.Write(map[string]string{"k": "v"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.zst"))
	if len(matches) != 1 {
		t.Fatalf("files=%v", matches)
	}
	lines := 0
	err := ReadJSONL(matches[0], func([]byte) error { lines++; return nil })
	if err != nil || lines != 1 {
		t.Fatalf("lines=%d err=%v", lines, err)
	}
}

func TestReadJSONL_OpenFrameAfterSeveralWrites(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "audit")
	w.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	defer w.Close()

	for i := 1; i <= 3; i++ {
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	path := filepath.Join(dir, "audit-2024-03-01-10.jsonl.zst")
	read := func() []int {
		t.Helper()
		var got []int
		err := ReadJSONL(path, func(line []byte) error {
			var v map[string]int
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			got = append(got, v["n"])
			return nil
		})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return got
	}
	if got := read(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
	if err := w.Write(map[string]int{"n": 4}); err != nil {
		t.Fatalf("write 4: %v", err)
	}
	if got := read(); len(got) != 4 || got[3] != 4 {
		t.Fatalf("after append got %v", got)
	}
}

func TestReadJSONL_TruncatedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit-2024-03-01-10.jsonl.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write([]byte("{\"n\":1}\n{\"n\":")); err != nil {
		t.Fatal(err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	lines := 0
	err = ReadJSONL(path, func([]byte) error { lines++; return nil })
	if err == nil || lines != 1 {
		t.Fatalf("lines=%d err=%v", lines, err)
	}
}

func TestAuditLog_WritesEvents(t *testing.T) {
	dir := t.TempDir()
	a := NewAuditLog(dir, 16, nil)

	img := "abc.png"
	a.Publish(boarddb.Event{
		Kind:      boarddb.EventPostCreated,
		Time:      time.Unix(100, 0).UTC(),
		BoardID:   1,
		BoardName: "b",
		PostID:    7,
		Post: &boarddb.Post{
			ID: 7, Board: 1, Content: "hi", IP: "192.0.2.1", Image: &img,
			Whois: &whois.Result{ASN: 64512, Mnt: "TEST-MNT"},
		},
	})
	a.Publish(boarddb.Event{Kind: boarddb.EventPostDeleted, Time: time.Unix(200, 0).UTC(), BoardID: 1, PostID: 7, Image: img})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := a.Stats(); st.WrittenTotal != 2 || st.DroppedTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.zst"))
	if len(matches) != 1 {
		t.Fatalf("files=%v", matches)
	}
	var entries []AuditEntry
	err := ReadJSONL(matches[0], func(line []byte) error {
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d", len(entries))
	}
	c := entries[0]
	if c.Kind != "post_created" || c.IP != "192.0.2.1" || c.ASN != 64512 || c.Image != img || c.Content != "hi" {
		t.Fatalf("created entry=%+v", c)
	}
	if d := entries[1]; d.Kind != "post_deleted" || d.PostID != 7 || d.Image != img {
		t.Fatalf("deleted entry=%+v", d)
	}
}

func TestReadJSONL_Missing(t *testing.T) {
	err := ReadJSONL(filepath.Join(t.TempDir(), "none.jsonl.zst"), func([]byte) error { return nil })
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}
