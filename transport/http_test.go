package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/broker"
	"github.com/niewinny/bMCP/capability"
	"github.com/niewinny/bMCP/job"
	"github.com/niewinny/bMCP/router"
	"github.com/niewinny/bMCP/tick"
)

type testServer struct {
	handler  *Handler
	registry *capability.Registry
	srv      *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	registry := capability.NewRegistry()
	table := job.NewTable(0, zerolog.Nop())
	b := broker.New(table, registry, nil, broker.Options{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	adapter := tick.NewAdapter(table, zerolog.Nop())

	err := registry.Register(capability.Descriptor{
		Name:        "echo",
		Kind:        capability.KindTool,
		Description: "Echoes its input",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return capability.Output{Text: text}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				adapter.PollOnce(0)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	opts := Options{
		Router:   router.New(registry, b, router.Options{Name: "Test", Version: "0.0.1", Logger: zerolog.Nop()}),
		Registry: registry,
		Name:     "Test",
		Version:  "0.0.1",
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := NewHandler(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{handler: h, registry: registry, srv: srv}
}

func (ts *testServer) post(t *testing.T, path, body string, header map[string]string) (*http.Response, *router.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		return resp, nil
	}
	var rpc router.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, &rpc
}

func TestHandler_RPCRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, rpc := ts.post(t, "/http",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rpc.Error != nil {
		t.Fatalf("rpc error = %v", rpc.Error)
	}
	if string(rpc.ID) != "1" {
		t.Errorf("response id = %s, want 1", rpc.ID)
	}
	result, _ := json.Marshal(rpc.Result)
	if !strings.Contains(string(result), `"hi"`) {
		t.Errorf("result = %s", result)
	}
}

func TestHandler_RPCParseError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, rpc := ts.post(t, "/http", `{not json`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if rpc.Error == nil || rpc.Error.Code != router.CodeParseError {
		t.Fatalf("error = %v, want parse error", rpc.Error)
	}
}

func TestHandler_RPCMissingMethod(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, rpc := ts.post(t, "/http", `{"jsonrpc":"2.0","id":3}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rpc.Error == nil || rpc.Error.Code != router.CodeInvalidRequest {
		t.Fatalf("error = %v, want invalid request", rpc.Error)
	}
}

func TestHandler_RPCNotification(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.post(t, "/http", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestHandler_AuthGate(t *testing.T) {
	const token = "secret-token-for-tests"
	ts := newTestServer(t, func(o *Options) {
		o.AuthToken = token
		o.AuthRequired = true
	})

	// No credentials.
	resp, rpc := ts.post(t, "/http", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if rpc.Error == nil || rpc.Error.Code != router.CodeUnauthorized {
		t.Fatalf("error = %v, want unauthorized", rpc.Error)
	}

	// Wrong token.
	resp, _ = ts.post(t, "/http", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-token status = %d, want 401", resp.StatusCode)
	}

	// Correct bearer token.
	resp, rpc = ts.post(t, "/http", `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK || rpc.Error != nil {
		t.Fatalf("authenticated = (%d, %v), want success", resp.StatusCode, rpc.Error)
	}

	// Query parameter works on a loopback bind.
	resp2, err := ts.srv.Client().Post(ts.srv.URL+"/http?token="+token, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("query-token status = %d, want 200", resp2.StatusCode)
	}

	// Health stays open.
	resp3, err := ts.srv.Client().Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp3.StatusCode)
	}
}

func TestHandler_AuthGateRejectsQueryTokenInNetworkMode(t *testing.T) {
	const token = "secret-token-for-tests"
	ts := newTestServer(t, func(o *Options) {
		o.AuthToken = token
		o.AuthRequired = true
		o.NetworkAccess = true
	})

	resp, err := ts.srv.Client().Post(ts.srv.URL+"/http?token="+token, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for query token in network mode", resp.StatusCode)
	}
}

func TestHandler_ShutdownGate(t *testing.T) {
	down := false
	ts := newTestServer(t, func(o *Options) {
		o.ShuttingDown = func() bool { return down }
	})

	down = true
	resp, rpc := ts.post(t, "/http", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if rpc.Error == nil || rpc.Error.Code != router.CodeShuttingDown {
		t.Fatalf("error = %v, want shutting down", rpc.Error)
	}
}

func TestHandler_Health(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.srv.Client().Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
		Server struct {
			Name       string `json:"name"`
			ToolsCount int    `json:"tools_count"`
		} `json:"server"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Server.Name != "Test" {
		t.Errorf("server name = %q", body.Server.Name)
	}
	if body.Server.ToolsCount != 1 {
		t.Errorf("tools_count = %d, want 1", body.Server.ToolsCount)
	}
}

func TestHandler_StreamSessionAndAsyncDelivery(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.Heartbeat = 100 * time.Millisecond
	})

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan sseEvent, 16)
	go readEvents(resp.Body, events)

	// First two events announce the session and the endpoint.
	first := nextEvent(t, events, "session")
	var sessionInfo struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(first.data), &sessionInfo); err != nil {
		t.Fatalf("session event payload: %v", err)
	}
	if sessionInfo.SessionID == "" {
		t.Fatal("empty session id")
	}
	nextEvent(t, events, "endpoint")

	// Post an invocation bound to the stream; it must be acknowledged
	// immediately and answered over the stream.
	post, _ := ts.post(t, "/sse",
		`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"echo","arguments":{"text":"streamed"}}}`,
		map[string]string{SessionHeader: sessionInfo.SessionID})
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("post status = %d, want 202", post.StatusCode)
	}

	msg := nextEvent(t, events, "message")
	var rpc router.Response
	if err := json.Unmarshal([]byte(msg.data), &rpc); err != nil {
		t.Fatalf("message payload: %v", err)
	}
	if string(rpc.ID) != "9" {
		t.Errorf("streamed response id = %s, want 9", rpc.ID)
	}
	result, _ := json.Marshal(rpc.Result)
	if !strings.Contains(string(result), "streamed") {
		t.Errorf("streamed result = %s", result)
	}
}

func TestHandler_StreamPostWithoutSessionFallsBack(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, rpc := ts.post(t, "/sse", `{"jsonrpc":"2.0","id":4,"method":"ping"}`,
		map[string]string{SessionHeader: "no-such-session"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want synchronous 200", resp.StatusCode)
	}
	if rpc.Error != nil {
		t.Fatalf("rpc error = %v", rpc.Error)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(body io.Reader, out chan<- sseEvent) {
	defer close(out)
	sc := bufio.NewScanner(body)
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if ev.name != "" {
				out <- ev
			}
			ev = sseEvent{}
		}
	}
}

// nextEvent waits for the next event of the given name, skipping pings.
func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream ended before %q event", name)
			}
			if ev.name == "ping" {
				continue
			}
			if ev.name != name {
				t.Fatalf("got event %q, want %q", ev.name, name)
			}
			return ev
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}
