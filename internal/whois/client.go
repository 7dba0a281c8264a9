// Package whois resolves the route object covering an address and extracts
// the origin ASN and maintainer used to annotate posts.
package whois

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// StubServer makes Lookup return a fixed result without any network I/O.
const StubServer = "!"

const routeHeader = "% Information related to 'route/"

// ErrInvalidASN is returned when an origin line is not a prefixed integer.
var ErrInvalidASN = errors.New("invalid ASN format from whois")

// Result is the route object metadata attached to a post.
type Result struct {
	ASN uint32 `json:"asn"`
	Mnt string `json:"mnt"`
}

type Client struct {
	// Server is a host:port address, or StubServer.
	Server  string
	Timeout time.Duration
}

// Lookup sends query as one line and parses the first route object in the
// response. It returns (nil, nil) when the server has no route object or the
// object lacks an origin or maintainer.
func (c *Client) Lookup(ctx context.Context, query string) (*Result, error) {
	if c == nil || strings.TrimSpace(c.Server) == "" {
		return nil, nil
	}
	if c.Server == StubServer {
		return &Result{ASN: 4242426969, Mnt: "MIETEK-MNT"}, nil
	}
	if strings.ContainsAny(query, "\r\n") {
		return nil, fmt.Errorf("whois query contains a line break")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Server)
	if err != nil {
		return nil, fmt.Errorf("whois dial %s: %w", c.Server, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(query + "\n")); err != nil {
		return nil, fmt.Errorf("whois write: %w", err)
	}
	res, err := Parse(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Parse reads a WHOIS response. Everything before the route object header is
// skipped. After it, "key: value" lines are scanned for origin and mnt-by.
func Parse(r *bufio.Reader) (*Result, error) {
	sc := bufio.NewScanner(r)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), routeHeader) {
			found = true
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("whois read: %w", err)
	}
	if !found {
		return nil, nil
	}

	var (
		asn    uint32
		hasASN bool
		mnt    string
		hasMnt bool
	)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch key {
		case "origin":
			v, err := parseOrigin(value)
			if err != nil {
				return nil, err
			}
			asn, hasASN = v, true
		case "mnt-by":
			mnt, hasMnt = strings.TrimSpace(value), true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("whois read: %w", err)
	}
	if !hasASN || !hasMnt {
		return nil, nil
	}
	return &Result{ASN: asn, Mnt: mnt}, nil
}

// parseOrigin turns "   AS4242420000" into 4242420000.
func parseOrigin(value string) (uint32, error) {
	v := strings.TrimSpace(value)
	if len(v) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidASN, value)
	}
	n, err := strconv.ParseUint(v[2:], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidASN, value)
	}
	return uint32(n), nil
}
