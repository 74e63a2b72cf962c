// Command bmcp-stdio bridges a stdio JSON-RPC client to a running bMCP HTTP
// server. Clients that only speak newline-delimited JSON-RPC over
// stdin/stdout (e.g. desktop MCP launchers) run this binary; each request
// line is forwarded to POST /http and the response is written back as a
// single line. Logging goes to stderr so stdout stays protocol-clean.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxLineSize = 10 << 20

func main() {
	host := flag.String("host", envOr("BMCP_HOST", "127.0.0.1"), "server host")
	port := flag.Int("port", envOrInt("BMCP_PORT", 12097), "server port")
	token := flag.String("token", os.Getenv("BMCP_AUTH_TOKEN"), "bearer token")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "stdio-bridge").Logger()

	b := &bridge{
		endpoint: fmt.Sprintf("http://%s:%d/http", *host, *port),
		token:    *token,
		client:   &http.Client{Timeout: 10 * time.Minute},
		log:      log,
	}
	log.Info().Str("endpoint", b.endpoint).Msg("bridge started")

	if err := b.run(os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
	log.Info().Msg("stdin closed, exiting")
}

type bridge struct {
	endpoint string
	token    string
	client   *http.Client
	log      zerolog.Logger
}

func (b *bridge) run(in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	w := bufio.NewWriter(out)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		resp, err := b.forward([]byte(line))
		if err != nil {
			b.log.Error().Err(err).Msg("forward failed")
			resp = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"bridge: server unreachable"}}`)
		}
		if len(resp) == 0 {
			continue // notification, nothing to echo back
		}
		w.Write(resp)
		w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
	}
	return sc.Err()
}

// forward posts one request line and returns the response body. A transient
// connection error gets a single retry, covering the common case of the
// server restarting between requests.
func (b *bridge) forward(body []byte) ([]byte, error) {
	resp, err := b.post(body)
	if err != nil {
		b.log.Warn().Err(err).Msg("retrying after connection error")
		time.Sleep(500 * time.Millisecond)
		resp, err = b.post(body)
	}
	return resp, err
}

func (b *bridge) post(body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return bytes.TrimSpace(out), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
