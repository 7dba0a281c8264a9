package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zhaba.dev/internal/config"
	persistlog "zhaba.dev/internal/persistence/log"
)

func TestRun_ServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DB = filepath.Join(dir, "db", "zhaba.db")
	cfg.ImageDir = filepath.Join(dir, "images")
	cfg.AuditDir = filepath.Join(dir, "audit")
	cfg.AdminToken = "tok"
	cfg.WhoisServer = "!"
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, ln, log.New(io.Discard, "", 0)) }()
	defer func() {
		cancel()
		<-done
	}()

	waitHealthy(t, base)

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/admin/boards", strings.NewReader(`{"name":"b","color":"#123456"}`))
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create board status=%d", resp.StatusCode)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("content", "hello [i]world[/i]")
	_ = mw.Close()
	resp, err = http.Post(base+"/v1/boards/b/posts", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var post struct {
		Content string `json:"content"`
		Whois   *struct {
			ASN uint32 `json:"asn"`
		} `json:"whois"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&post)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || post.Content != "hello <i>world</i>" || post.Whois == nil {
		t.Fatalf("post status=%d body=%+v", resp.StatusCode, post)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"zhaba_boarddb_tasks_total", "zhaba_http_requests_total", "zhaba_boarddb_queue_depth"} {
		if !bytes.Contains(metrics, []byte(want)) {
			t.Fatalf("metrics missing %s", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		done <- err
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not stop")
	}

	files, _ := filepath.Glob(filepath.Join(cfg.AuditDir, "audit-*.jsonl.zst"))
	if len(files) != 1 {
		t.Fatalf("audit files=%v", files)
	}
	var kinds []string
	err = persistlog.ReadJSONL(files[0], func(line []byte) error {
		var e persistlog.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		kinds = append(kinds, string(e.Kind))
		return nil
	})
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if strings.Join(kinds, ",") != "board_created,post_created" {
		t.Fatalf("audit kinds=%v", kinds)
	}
}

func TestRun_BadBBCodeConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.BBCodeTags = []string{"script"}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if err := run(context.Background(), cfg, ln, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("expected bbcode error")
	}
}

func waitHealthy(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server never became healthy")
}
