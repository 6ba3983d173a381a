package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-amplifier/internal/events"
	"github.com/basket/go-amplifier/internal/gateway"
)

type sseFrame struct {
	Event string
	Data  string
}

// readFrames parses SSE frames from the response body onto a channel.
func readFrames(t *testing.T, resp *http.Response) <-chan sseFrame {
	t.Helper()
	out := make(chan sseFrame, 64)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if cur.Event != "" || cur.Data != "" {
					out <- cur
				}
				cur = sseFrame{}
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("stream closed")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
	}
	return sseFrame{}
}

// nextMessage returns the next "message" frame whose inner event is want,
// skipping other frames.
func nextMessage(t *testing.T, frames <-chan sseFrame, want string) events.Event {
	t.Helper()
	for {
		f := nextFrame(t, frames)
		if f.Event != "message" {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", f.Data, err)
		}
		if ev.Event == want {
			return ev
		}
	}
}

func openStream(t *testing.T, ts *testServer, id string) (*http.Response, <-chan sseFrame) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/"+id+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	return resp, readFrames(t, resp)
}

func TestEventsSSE_SessionStartThenPromptEvents(t *testing.T) {
	ts := apiTestServer(t)
	id := createSession(t, ts, `{}`)
	_, frames := openStream(t, ts, id)

	first := nextFrame(t, frames)
	if first.Event != "message" {
		t.Fatalf("first frame event = %q, want message", first.Event)
	}
	var start events.Event
	if err := json.Unmarshal([]byte(first.Data), &start); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if start.Event != "session:start" || start.Data["session_id"] != id || start.Data["profile"] != "dev" {
		t.Fatalf("first event = %+v", start)
	}
	if _, ok := start.Data["timestamp"]; !ok {
		t.Fatalf("session:start missing timestamp: %+v", start)
	}

	resp := doRequest(t, http.MethodPost, ts.URL+"/sessions/"+id+"/prompt", `{"prompt":"hi"}`)
	resp.Body.Close()

	submit := nextMessage(t, frames, "prompt:submit")
	if submit.Data["prompt"] != "hi" {
		t.Fatalf("prompt:submit = %+v", submit)
	}
	complete := nextMessage(t, frames, "prompt:complete")
	if complete.Data["response"] != "ok" || complete.Data["session_id"] != id {
		t.Fatalf("prompt:complete = %+v", complete)
	}
}

func TestEventsSSE_Keepalive(t *testing.T) {
	ts := apiTestServer(t, func(cfg *gateway.Config) { cfg.Keepalive = 50 * time.Millisecond })
	id := createSession(t, ts, `{}`)
	_, frames := openStream(t, ts, id)

	nextMessage(t, frames, "session:start")
	f := nextFrame(t, frames)
	if f.Event != "ping" || f.Data != "keepalive" {
		t.Fatalf("frame = %+v, want ping keepalive", f)
	}
}

func TestEventsSSE_EndsWhenSessionStops(t *testing.T) {
	ts := apiTestServer(t)
	id := createSession(t, ts, `{}`)
	_, frames := openStream(t, ts, id)
	nextMessage(t, frames, "session:start")

	resp := doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+id, "")
	resp.Body.Close()

	end := nextMessage(t, frames, "session:end")
	if end.Data["reason"] != "user_stopped" {
		t.Fatalf("session:end = %+v", end)
	}
	select {
	case _, ok := <-frames:
		for ok {
			_, ok = <-frames
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after session stop")
	}
}

func TestEventsSSE_UnknownSession(t *testing.T) {
	ts := apiTestServer(t)
	expectError(t, doRequest(t, http.MethodGet, ts.URL+"/sessions/missing/events", ""), http.StatusNotFound, "SESSION_NOT_FOUND")
}

func dialWS(t *testing.T, ts *testServer, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/sessions/"+id+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + gatewayTestAuthToken}},
	})
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readWSEvent(t *testing.T, conn *websocket.Conn, want string) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var ev events.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read ws waiting for %s: %v", want, err)
		}
		if ev.Event == want {
			return ev
		}
	}
}

func TestWS_StreamsAndAcceptsApproval(t *testing.T) {
	ts := apiTestServer(t)
	id := createSession(t, ts, `{}`)
	conn := dialWS(t, ts, id)

	start := readWSEvent(t, conn, "session:start")
	if start.Data["session_id"] != id {
		t.Fatalf("session:start = %+v", start)
	}

	resp := doRequest(t, http.MethodPost, ts.URL+"/sessions/"+id+"/test-approval", "")
	resp.Body.Close()
	required := readWSEvent(t, conn, "approval:required")
	if required.Data["approval_id"] == "" {
		t.Fatalf("approval:required = %+v", required)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"type": "approval", "decision": "Deny"}); err != nil {
		t.Fatalf("write approval: %v", err)
	}
	denied := readWSEvent(t, conn, "approval:denied")
	if denied.Data["decision"] != "Deny" {
		t.Fatalf("approval:denied = %+v", denied)
	}
}

func TestWS_ApprovalWithoutPendingReportsError(t *testing.T) {
	ts := apiTestServer(t)
	id := createSession(t, ts, `{}`)
	conn := dialWS(t, ts, id)
	readWSEvent(t, conn, "session:start")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, map[string]any{"type": "approval", "decision": "Allow"}); err != nil {
		t.Fatalf("write approval: %v", err)
	}
	ev := readWSEvent(t, conn, "error")
	if ev.Data["code"] != "NO_PENDING_APPROVAL" {
		t.Fatalf("error event = %+v", ev)
	}
}

func TestWS_Keepalive(t *testing.T) {
	ts := apiTestServer(t, func(cfg *gateway.Config) { cfg.Keepalive = 50 * time.Millisecond })
	id := createSession(t, ts, `{}`)
	conn := dialWS(t, ts, id)
	readWSEvent(t, conn, "session:start")
	readWSEvent(t, conn, "ping")
}
