package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"zhaba.dev/internal/protocol"
)

type remote struct {
	baseURL string
	token   string
	client  *http.Client
}

func remoteFlags(fs *flag.FlagSet) (*string, *string) {
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	token := fs.String("token", "", "admin token (or set ZHABA_ADMIN_TOKEN)")
	return baseURL, token
}

func newRemote(baseURL, token string) (*remote, error) {
	if token == "" {
		token = os.Getenv("ZHABA_ADMIN_TOKEN")
	}
	if strings.TrimSpace(token) == "" {
		return nil, usagef("missing -token")
	}
	return &remote{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (r *remote) do(method, path string, body any, out io.Writer) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, r.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		var er protocol.ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Error.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, er.Error.Code, er.Error.Message)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	if len(b) > 0 {
		_, err = out.Write(b)
		return err
	}
	_, err = fmt.Fprintf(out, "%s %s: %d\n", method, path, resp.StatusCode)
	return err
}

func boardCmd(args []string, out io.Writer) error {
	if len(args) == 0 {
		return usagef("board create|update|delete")
	}
	op := args[0]
	fs := flag.NewFlagSet("board "+op, flag.ContinueOnError)
	baseURL, token := remoteFlags(fs)
	id := fs.Int64("id", 0, "board id (update, delete)")
	name := fs.String("name", "", "board name")
	desc := fs.String("desc", "", "board description")
	color := fs.String("color", "", "board color, #rrggbb")
	if err := fs.Parse(args[1:]); err != nil {
		return usagef("%v", err)
	}
	r, err := newRemote(*baseURL, *token)
	if err != nil {
		return err
	}
	body := protocol.BoardRequest{Name: *name, Description: *desc, Color: *color}

	switch op {
	case "create":
		return r.do(http.MethodPost, "/v1/admin/boards", body, out)
	case "update":
		if *id <= 0 {
			return usagef("missing -id")
		}
		return r.do(http.MethodPut, "/v1/admin/boards/"+strconv.FormatInt(*id, 10), body, out)
	case "delete":
		if *id <= 0 {
			return usagef("missing -id")
		}
		return r.do(http.MethodDelete, "/v1/admin/boards/"+strconv.FormatInt(*id, 10), nil, out)
	}
	return usagef("unknown board op %q", op)
}

func postCmd(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "delete" {
		return usagef("post delete -id N")
	}
	fs := flag.NewFlagSet("post delete", flag.ContinueOnError)
	baseURL, token := remoteFlags(fs)
	id := fs.Int64("id", 0, "post id")
	if err := fs.Parse(args[1:]); err != nil {
		return usagef("%v", err)
	}
	if *id <= 0 {
		return usagef("missing -id")
	}
	r, err := newRemote(*baseURL, *token)
	if err != nil {
		return err
	}
	return r.do(http.MethodDelete, "/v1/admin/posts/"+strconv.FormatInt(*id, 10), nil, out)
}
