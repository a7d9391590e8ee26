package stream

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cora-labs/cora/internal/bus"
	"github.com/cora-labs/cora/internal/types"
)

func TestWriteFrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	ev := types.StreamEvent{Type: "message", Content: "hello", OutputID: "out-1"}
	if err := writeFrame(rec, ev); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: message\ndata: ") {
		t.Errorf("frame = %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Error("frame not terminated by a blank line")
	}
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: message\ndata: "), "\n\n")
	var got types.StreamEvent
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("frame data is not JSON: %v", err)
	}
	if got.Content != "hello" || got.OutputID != "out-1" {
		t.Errorf("decoded event = %+v", got)
	}
}

func TestEventsStreamDeliversAndDedupes(t *testing.T) {
	b := bus.New()
	defer b.Close()
	srv := httptest.NewServer(NewServer(b, nil, nil, nil, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/users/u1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// the connection opens with a comment frame
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("first line = %q, %v", line, err)
	}

	key := types.UserStreamKey("u1")
	awaitSubscriber(t, b, key)
	b.Publish(key, types.StreamEvent{Type: "message", Content: "one", OutputID: "a"})
	b.Publish(key, types.StreamEvent{Type: "message", Content: "dup", OutputID: "a"})
	b.Publish(key, types.StreamEvent{Type: "done", OutputID: "b"})

	frames := readFrames(t, reader, 2)
	if frames[0].Content != "one" {
		t.Errorf("first frame = %+v", frames[0])
	}
	if frames[1].Type != "done" {
		t.Errorf("second frame = %+v, want the dup dropped and done delivered", frames[1])
	}
}

func TestEventsStreamIsolatesUsers(t *testing.T) {
	b := bus.New()
	defer b.Close()
	srv := httptest.NewServer(NewServer(b, nil, nil, nil, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/users/alice/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	reader.ReadString('\n') // connected comment

	awaitSubscriber(t, b, types.UserStreamKey("alice"))
	b.Publish(types.UserStreamKey("bob"), types.StreamEvent{Type: "message", Content: "for bob", OutputID: "x"})
	b.Publish(types.UserStreamKey("alice"), types.StreamEvent{Type: "message", Content: "for alice", OutputID: "y"})

	frames := readFrames(t, reader, 1)
	if frames[0].Content != "for alice" {
		t.Errorf("alice received %+v", frames[0])
	}
}

func TestHealthz(t *testing.T) {
	b := bus.New()
	defer b.Close()
	health := func() map[string]any { return map[string]any{"status": "degraded"} }
	srv := httptest.NewServer(NewServer(b, nil, nil, nil, nil, health).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "degraded" {
		t.Errorf("status = %v", got["status"])
	}
}

// awaitSubscriber blocks until the SSE handler's Subscribe has landed.
func awaitSubscriber(t *testing.T, b *bus.Bus, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount(key) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no subscriber appeared on %s", key)
}

func readFrames(t *testing.T, r *bufio.Reader, n int) []types.StreamEvent {
	t.Helper()
	var out []types.StreamEvent
	for len(out) < n {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v (got %d of %d)", err, len(out), n)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
			t.Fatalf("bad data line %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}
