package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zhaba.dev/internal/bbcode"
	"zhaba.dev/internal/persistence/boarddb"
	"zhaba.dev/internal/persistence/imagestore"
	"zhaba.dev/internal/protocol"
	"zhaba.dev/internal/whois"
)

const testToken = "s3cret"

var pngData = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01")

type fakeWhois struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeWhois) Lookup(_ context.Context, q string) (*whois.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return &whois.Result{ASN: 64500, Mnt: "TEST-MNT"}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testEnv struct {
	srv    *httptest.Server
	api    *Server
	store  *boarddb.Store
	whois  *fakeWhois
	clock  *clock
	reg    *prometheus.Registry
	images *imagestore.Store
}

func newTestEnv(t *testing.T, mod func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	images, err := imagestore.Open(filepath.Join(dir, "img"))
	if err != nil {
		t.Fatalf("open images: %v", err)
	}
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	quiet := log.New(io.Discard, "", 0)
	store, err := boarddb.Open(filepath.Join(dir, "board.sqlite"), boarddb.Options{Images: images, Logger: quiet, Now: clk.now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	renderer, err := bbcode.New(bbcode.Config{})
	if err != nil {
		t.Fatalf("bbcode: %v", err)
	}
	reg := prometheus.NewRegistry()
	fw := &fakeWhois{}
	opts := Options{
		Store:      store.Executor(),
		Images:     images,
		Renderer:   renderer,
		Whois:      fw,
		Logger:     quiet,
		Registerer: reg,
		AdminToken: testToken,
	}
	if mod != nil {
		mod(&opts)
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, api: a, store: store, whois: fw, clock: clk, reg: reg, images: images}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) createBoard(t *testing.T, name string) protocol.Board {
	t.Helper()
	body, _ := json.Marshal(protocol.BoardRequest{Name: name, Description: name + " talk", Color: "#ff8800"})
	resp := e.do(t, http.MethodPost, "/v1/admin/boards", testToken, bytes.NewReader(body), "application/json")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create board status=%d", resp.StatusCode)
	}
	var b protocol.Board
	decode(t, resp, &b)
	return b
}

type postForm struct {
	content string
	reply   string
	image   []byte
}

func (e *testEnv) post(t *testing.T, board string, f postForm, hdr map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("content", f.content)
	if f.reply != "" {
		_ = mw.WriteField("reply", f.reply)
	}
	if f.image != nil {
		w, err := mw.CreateFormFile("image", "upload.bin")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		_, _ = w.Write(f.image)
	}
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/boards/"+board+"/posts", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var er protocol.ErrorResponse
	decode(t, resp, &er)
	if er.RequestID == "" {
		t.Fatalf("error response without request id")
	}
	return er.Error.Code
}

func TestBoardAndPostFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.createBoard(t, "b")
	if b.Color != "#ff8800" || b.ID == 0 {
		t.Fatalf("board=%+v", b)
	}

	resp := e.do(t, http.MethodGet, "/v1/boards", "", nil, "")
	var list protocol.BoardList
	decode(t, resp, &list)
	if len(list.Boards) != 1 || list.Boards[0].Name != "b" {
		t.Fatalf("boards=%+v", list.Boards)
	}

	resp = e.post(t, "b", postForm{content: "[b]hello[/b] <x>", image: pngData}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create post status=%d", resp.StatusCode)
	}
	var first protocol.Post
	decode(t, resp, &first)
	if first.Content != "<b>hello</b> &lt;x&gt;" {
		t.Fatalf("content=%q", first.Content)
	}
	if !strings.HasSuffix(first.Image, ".png") || first.ImageURL != "/img/"+first.Image {
		t.Fatalf("image=%q url=%q", first.Image, first.ImageURL)
	}
	if first.Whois == nil || first.Whois.ASN != 64500 || first.Whois.Mnt != "TEST-MNT" {
		t.Fatalf("whois=%+v", first.Whois)
	}

	e.clock.set(e.clock.now().Add(time.Minute))
	resp = e.post(t, "b", postForm{content: "reply", reply: "1"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reply status=%d", resp.StatusCode)
	}
	var second protocol.Post
	decode(t, resp, &second)

	resp = e.do(t, http.MethodGet, "/v1/boards/b", "", nil, "")
	var page protocol.BoardPage
	decode(t, resp, &page)
	if len(page.Posts) != 2 || page.Posts[0].ID != second.ID || page.Posts[1].ID != first.ID {
		t.Fatalf("page posts=%+v", page.Posts)
	}
	rt := page.Posts[0].ReplyTo
	if rt == nil || rt.ID != first.ID || rt.BoardName != "b" {
		t.Fatalf("reply_to=%+v", rt)
	}

	resp = e.do(t, http.MethodGet, first.ImageURL, "", nil, "")
	got, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(got, pngData) {
		t.Fatalf("image status=%d body=%q", resp.StatusCode, got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type=%q", ct)
	}

	resp = e.do(t, http.MethodGet, "/v1/posts/2", "", nil, "")
	var one protocol.Post
	decode(t, resp, &one)
	if one.ID != second.ID || one.Reply == nil || *one.Reply != first.ID {
		t.Fatalf("get post=%+v", one)
	}
}

func TestCreatePost_Rejects(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.MaxPostLength = 5 })
	e.createBoard(t, "b")

	cases := []struct {
		name   string
		board  string
		form   postForm
		status int
		code   string
	}{
		{"empty", "b", postForm{content: "   "}, http.StatusBadRequest, protocol.ErrBadRequest},
		{"too long", "b", postForm{content: "абвгде"}, http.StatusBadRequest, protocol.ErrBadRequest},
		{"bad image", "b", postForm{content: "hi", image: []byte("not an image")}, http.StatusBadRequest, protocol.ErrBadRequest},
		{"bad reply", "b", postForm{content: "hi", reply: "x"}, http.StatusBadRequest, protocol.ErrBadRequest},
		{"missing reply", "b", postForm{content: "hi", reply: "99"}, http.StatusNotFound, protocol.ErrNotFound},
		{"missing board", "nope", postForm{content: "hi"}, http.StatusNotFound, protocol.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.post(t, tc.board, tc.form, nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("status=%d want %d", resp.StatusCode, tc.status)
			}
			if code := errorCode(t, resp); code != tc.code {
				t.Fatalf("code=%s want %s", code, tc.code)
			}
		})
	}

	// five runes, more bytes
	resp := e.post(t, "b", postForm{content: "абвгд"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("five runes status=%d", resp.StatusCode)
	}
}

func TestCreatePost_ImageTooLarge(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.MaxUploadSize = 16 })
	e.createBoard(t, "b")
	img := append(append([]byte{}, pngData...), make([]byte, 64)...)
	resp := e.post(t, "b", postForm{content: "hi", image: img}, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != protocol.ErrTooLarge {
		t.Fatalf("code=%s", code)
	}
	names, err := e.images.List()
	if err != nil || len(names) != 0 {
		t.Fatalf("images=%v err=%v", names, err)
	}
}

func TestAdminAuth(t *testing.T) {
	e := newTestEnv(t, nil)
	body := `{"name":"x"}`
	for _, tok := range []string{"", "wrong"} {
		resp := e.do(t, http.MethodPost, "/v1/admin/boards", tok, strings.NewReader(body), "application/json")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q status=%d", tok, resp.StatusCode)
		}
	}

	off := newTestEnv(t, func(o *Options) { o.AdminToken = "" })
	resp := off.do(t, http.MethodPost, "/v1/admin/boards", "anything", strings.NewReader(body), "application/json")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("disabled admin status=%d", resp.StatusCode)
	}
}

func TestAdminBoardLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.createBoard(t, "b")

	dup, _ := json.Marshal(protocol.BoardRequest{Name: "b"})
	resp := e.do(t, http.MethodPost, "/v1/admin/boards", testToken, bytes.NewReader(dup), "application/json")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status=%d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodPost, "/v1/admin/boards", testToken, strings.NewReader(`{"name":"c","extra":1}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", resp.StatusCode)
	}

	upd, _ := json.Marshal(protocol.BoardRequest{Name: "bee", Description: "renamed", Color: "000001"})
	resp = e.do(t, http.MethodPut, "/v1/admin/boards/1", testToken, bytes.NewReader(upd), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodGet, "/v1/boards/bee", "", nil, "")
	var page protocol.BoardPage
	decode(t, resp, &page)
	if page.Board.ID != b.ID || page.Board.Color != "#000001" || page.Posts == nil {
		t.Fatalf("page=%+v", page)
	}

	if resp := e.post(t, "bee", postForm{content: "keep"}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("post status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodDelete, "/v1/admin/boards/1", testToken, nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete non-empty status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodDelete, "/v1/admin/posts/1", testToken, nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete post status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodDelete, "/v1/admin/posts/1", testToken, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing post status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodDelete, "/v1/admin/boards/1", testToken, nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete board status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodDelete, "/v1/admin/boards/abc", testToken, nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", resp.StatusCode)
	}
}

func TestDeletePostRemovesImage(t *testing.T) {
	e := newTestEnv(t, nil)
	e.createBoard(t, "b")
	resp := e.post(t, "b", postForm{content: "pic", image: pngData}, nil)
	var p protocol.Post
	decode(t, resp, &p)

	resp = e.do(t, http.MethodDelete, "/v1/admin/posts/1", testToken, nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodGet, p.ImageURL, "", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("image after delete status=%d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodGet, "/img/..%2Fboard.sqlite", "", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("traversal status=%d", resp.StatusCode)
	}
}

func TestBoardPageDayRange(t *testing.T) {
	e := newTestEnv(t, nil)
	e.createBoard(t, "b")
	for _, ts := range []time.Time{
		time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC),
	} {
		e.clock.set(ts)
		if resp := e.post(t, "b", postForm{content: ts.Format(dayLayout)}, nil); resp.StatusCode != http.StatusCreated {
			t.Fatalf("post status=%d", resp.StatusCode)
		}
	}

	// [03-01 23:59:59, 03-02 23:59:59) holds only the second post.
	resp := e.do(t, http.MethodGet, "/v1/boards/b?s=2024-03-01&e=2024-03-02", "", nil, "")
	var page protocol.BoardPage
	decode(t, resp, &page)
	if len(page.Posts) != 1 || page.Posts[0].Content != "2024-03-02" {
		t.Fatalf("range posts=%+v", page.Posts)
	}
	if page.Start != "2024-03-01T23:59:59Z" || page.End != "2024-03-02T23:59:59Z" {
		t.Fatalf("start=%s end=%s", page.Start, page.End)
	}

	resp = e.do(t, http.MethodGet, "/v1/boards/b?s=2024-02-01&e=2024-04-01", "", nil, "")
	page = protocol.BoardPage{}
	decode(t, resp, &page)
	if len(page.Posts) != 3 || page.Posts[0].Content != "2024-03-03" {
		t.Fatalf("wide range posts=%+v", page.Posts)
	}

	resp = e.do(t, http.MethodGet, "/v1/boards/b?s=yesterday&e=2024-03-02", "", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date status=%d", resp.StatusCode)
	}

	limited := newTestEnv(t, func(o *Options) { o.PageSize = 2 })
	limited.createBoard(t, "b")
	for i := 0; i < 3; i++ {
		limited.clock.set(time.Date(2024, 3, 1+i, 12, 0, 0, 0, time.UTC))
		limited.post(t, "b", postForm{content: fmt.Sprintf("x%d", i)}, nil)
	}
	resp = limited.do(t, http.MethodGet, "/v1/boards/b", "", nil, "")
	page = protocol.BoardPage{}
	decode(t, resp, &page)
	if len(page.Posts) != 2 {
		t.Fatalf("page size posts=%d", len(page.Posts))
	}

	// The day-range listing is capped the same way, newest first.
	resp = limited.do(t, http.MethodGet, "/v1/boards/b?s=2024-02-01&e=2024-04-01", "", nil, "")
	page = protocol.BoardPage{}
	decode(t, resp, &page)
	if len(page.Posts) != 2 || page.Posts[0].Content != "x2" || page.Posts[1].Content != "x1" {
		t.Fatalf("capped range posts=%+v", page.Posts)
	}
}

func TestPostRateLimit(t *testing.T) {
	e := newTestEnv(t, func(o *Options) {
		o.PostRatePerMinute = 1
		o.PostBurst = 1
		o.TrustForwarded = true
	})
	e.createBoard(t, "b")
	a := map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}
	if resp := e.post(t, "b", postForm{content: "one"}, a); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first status=%d", resp.StatusCode)
	}
	resp := e.post(t, "b", postForm{content: "two"}, a)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status=%d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != protocol.ErrRateLimit {
		t.Fatalf("code=%s", code)
	}
	other := map[string]string{"X-Forwarded-For": "203.0.113.9"}
	if resp := e.post(t, "b", postForm{content: "three"}, other); resp.StatusCode != http.StatusCreated {
		t.Fatalf("other ip status=%d", resp.StatusCode)
	}

	e.whois.mu.Lock()
	defer e.whois.mu.Unlock()
	if len(e.whois.queries) != 2 || e.whois.queries[0] != "198.51.100.7" || e.whois.queries[1] != "203.0.113.9" {
		t.Fatalf("whois queries=%v", e.whois.queries)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		trust  bool
		remote string
		xff    string
		want   string
	}{
		{false, "192.0.2.1:5555", "198.51.100.1", "192.0.2.1"},
		{true, "192.0.2.1:5555", "198.51.100.1, 10.0.0.1", "198.51.100.1"},
		{true, "192.0.2.1:5555", "garbage", "192.0.2.1"},
		{true, "[2001:db8::1]:443", "", "2001:db8::1"},
		{false, "not-an-addr", "", "0.0.0.0"},
	}
	for _, tc := range cases {
		s := &Server{trustForwarded: tc.trust}
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tc.remote
		if tc.xff != "" {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := s.clientIP(r); got != tc.want {
			t.Fatalf("trust=%v remote=%s xff=%q: got %s want %s", tc.trust, tc.remote, tc.xff, got, tc.want)
		}
	}
}

func TestIPLimiterEvictsIdle(t *testing.T) {
	l := newIPLimiter(60, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	if !l.allow("a") || l.allow("a") {
		t.Fatalf("burst of one not enforced")
	}
	now = now.Add(2 * time.Second)
	if !l.allow("a") {
		t.Fatalf("token not refilled")
	}
	l.allow("b")
	now = now.Add(limiterIdleTTL + time.Minute)
	l.allow("c")
	if n := l.size(); n != 1 {
		t.Fatalf("entries=%d want 1 after sweep", n)
	}
	if newIPLimiter(0, 5) != nil {
		t.Fatalf("zero rate should disable the limiter")
	}
	var off *ipLimiter
	if !off.allow("x") {
		t.Fatalf("nil limiter must allow")
	}
}

func TestRequestMetrics(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodGet, "/v1/boards", "", nil, "")
	e.do(t, http.MethodGet, "/v1/boards/missing", "", nil, "")

	mfs, err := e.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "zhaba_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var route, code string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "route":
					route = lp.GetValue()
				case "code":
					code = lp.GetValue()
				}
			}
			seen[route+" "+code] = m.GetCounter().GetValue()
		}
	}
	if seen["GET /v1/boards 200"] != 1 || seen["GET /v1/boards/{name} 404"] != 1 {
		t.Fatalf("metrics=%v", seen)
	}
}
