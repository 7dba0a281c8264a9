package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zhaba.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadWithEnv("", map[string]string{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" || cfg.PageSize != 50 || cfg.WhoisTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.BBCodeTags) != 6 {
		t.Fatalf("default bbcode tags=%v", cfg.BBCodeTags)
	}
	if cfg.Mirror.Enabled() {
		t.Fatalf("mirror should be disabled by default")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
listen: "127.0.0.1:9000"
db: /var/lib/zhaba/board.db
image_dir: /var/lib/zhaba/img
whois_server: "whois.example:43"
whois_timeout: 2s
page_size: 20
bbcode_tags: [b, " I "]
mirror:
  endpoint: "https://r2.example/"
  bucket: zhaba
  access_key_id: key
  secret_access_key: secret
`)
	cfg, err := LoadWithEnv(path, map[string]string{
		"ZHABA_PAGE_SIZE":      "30",
		"ZHABA_DEBUG":          "true",
		"ZHABA_MIRROR_WORKERS": "4",
		"ZHABA_MIRROR_PREFIX":  "/pics/",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.DB != "/var/lib/zhaba/board.db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.WhoisTimeout != 2*time.Second {
		t.Fatalf("whois_timeout=%s", cfg.WhoisTimeout)
	}
	if cfg.PageSize != 30 || !cfg.Debug {
		t.Fatalf("env overrides not applied: page_size=%d debug=%v", cfg.PageSize, cfg.Debug)
	}
	if strings.Join(cfg.BBCodeTags, ",") != "b,i" {
		t.Fatalf("bbcode tags=%v", cfg.BBCodeTags)
	}
	if !cfg.Mirror.Enabled() || cfg.Mirror.Endpoint != "https://r2.example" || cfg.Mirror.Workers != 4 || cfg.Mirror.Prefix != "pics" {
		t.Fatalf("mirror=%+v", cfg.Mirror)
	}
	if cfg.MaxPostLength != 4000 {
		t.Fatalf("unset field lost its default: %d", cfg.MaxPostLength)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad listen":     "listen: nope\n",
		"zero page size": "page_size: 0\n",
		"bad tag":        "bbcode_tags: [script]\n",
		"bad whois":      "whois_server: whois.example\n",
		"mirror bucket":  "mirror:\n  endpoint: https://x\n  access_key_id: a\n  secret_access_key: b\n",
		"negative queue": "max_pending: -1\n",
		"not yaml":       "listen: [\n",
	}
	for name, body := range cases {
		if _, err := LoadWithEnv(writeFile(t, body), map[string]string{}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadWithEnv("", map[string]string{"ZHABA_PAGE_SIZE": "many"}); err == nil {
		t.Fatalf("bad env value: expected error")
	}
	if _, err := LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{}); err == nil {
		t.Fatalf("missing file: expected error")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("ZHABA_CONFIG", "/etc/zhaba.yaml")
	if got := Path("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("flag should win, got %q", got)
	}
	if got := Path(""); got != "/etc/zhaba.yaml" {
		t.Fatalf("env should apply, got %q", got)
	}
}
