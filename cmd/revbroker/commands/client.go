package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/roasbeef/revbroker/internal/config"
	"github.com/roasbeef/revbroker/internal/db"
	"github.com/roasbeef/revbroker/internal/store"
)

const (
	// defaultPort is the port revbrokerd serves HTTP on.
	defaultPort = "8000"

	// connectTimeout bounds the daemon liveness probe.
	connectTimeout = 2 * time.Second

	// requestTimeout bounds a single CLI request. Long-poll flags push
	// past this on their own.
	requestTimeout = 60 * time.Second
)

// ClientMode indicates how the client reaches the broker.
type ClientMode int

const (
	// ModeHTTP talks to a running revbrokerd web transport.
	ModeHTTP ClientMode = iota

	// ModeDirect reads the database directly. Mutating operations are
	// refused in this mode since lifecycle transitions must serialize
	// through the daemon.
	ModeDirect
)

// String returns a human-readable string for the client mode.
func (m ClientMode) String() string {
	switch m {
	case ModeHTTP:
		return "http"
	case ModeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Client backs CLI commands with either an HTTP connection to revbrokerd or
// direct read-only database access.
type Client struct {
	mode ClientMode

	// HTTP mode.
	base  string
	httpc *http.Client

	// Direct mode.
	database *db.DB
	store    store.Storage
}

// getClient probes the daemon first and falls back to the database when the
// daemon is unreachable.
func getClient() (*Client, error) {
	base := brokerAddr
	if base == "" {
		base = "http://" + net.JoinHostPort(config.Host(), defaultPort)
	}

	probe := &http.Client{Timeout: connectTimeout}
	resp, err := probe.Get(base + "/healthz")
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return &Client{
				mode:  ModeHTTP,
				base:  base,
				httpc: &http.Client{Timeout: requestTimeout},
			}, nil
		}
	}

	if verbose {
		fmt.Fprintf(os.Stderr,
			"Note: daemon not reachable at %s, using direct "+
				"database access\n", base)
	}

	path := dbPath
	if path == "" {
		path, err = config.DBPath()
		if err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s and no "+
			"database at %s; start revbrokerd first", base, path)
	}

	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Client{
		mode:     ModeDirect,
		database: database,
		store:    store.NewSQLStore(database),
	}, nil
}

// Close releases the direct-mode database handle.
func (c *Client) Close() {
	if c.database != nil {
		c.database.Close()
	}
}

// errDaemonRequired refuses a mutating operation in direct mode.
func errDaemonRequired(op string) error {
	return fmt.Errorf("%s requires a running daemon; start revbrokerd "+
		"or pass --addr", op)
}

// get performs a GET against the daemon and decodes the JSON document.
func (c *Client) get(ctx context.Context, path string,
	query url.Values) (map[string]any, error) {

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	return c.do(req)
}

// post performs a POST with a JSON body and decodes the JSON document.
func (c *Client) post(ctx context.Context, path string,
	body any) (map[string]any, error) {

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.base+path, bytes.NewReader(raw),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// do runs the request, surfacing the daemon's {"error": ...} document as a
// plain error on non-2xx responses.
func (c *Client) do(req *http.Request) (map[string]any, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s",
			resp.StatusCode, raw)
	}

	if resp.StatusCode >= 400 {
		if msg, ok := doc["error"].(string); ok {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("request failed (%d): %s",
			resp.StatusCode, raw)
	}

	return doc, nil
}
