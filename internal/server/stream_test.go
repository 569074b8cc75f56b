package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/pricing"
)

func TestHandleStream_RelaysEventsThenResult(t *testing.T) {
	t.Parallel()
	p := &fakePool{outcome: &pool.Outcome{
		State: gateway.TaskCompleted,
		ExecutionLog: []gateway.ExecutionEvent{
			{Type: "tool_call", Timestamp: time.Now()},
		},
		Result: &gateway.TaskResult{Text: "streamed reply", Model: "sonnet", Usage: gateway.Usage{InputTokens: 1, OutputTokens: 1}},
	}}
	h := New(Deps{
		Auth:    &fakeAuth{identity: testIdentity()},
		Aliases: testAliases(),
		Pool:    p,
		Budget:  newTestLedger(),
		Pricing: pricing.NewTable(),
	})

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?api_key=anything"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(streamRequest{Model: "sonnet", Prompt: "hi"}); err != nil {
		t.Fatalf("write request frame: %v", err)
	}

	var sawEvent, sawResult bool
	for i := 0; i < 10; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		switch frame.Type {
		case "event":
			sawEvent = true
		case "result":
			sawResult = true
			if frame.Result == nil || frame.Result.Text != "streamed reply" {
				t.Fatalf("unexpected result frame: %+v", frame.Result)
			}
		case "error":
			t.Fatalf("unexpected error frame: %+v", frame.Error)
		}
		if sawResult {
			break
		}
	}

	if !sawEvent {
		t.Error("expected at least one event frame")
	}
	if !sawResult {
		t.Fatal("expected a result frame")
	}
}

func TestHandleStream_ClientDisconnectCancelsTask(t *testing.T) {
	t.Parallel()
	p := &fakePool{pendingN: 1000}
	h := New(Deps{
		Auth:    &fakeAuth{identity: testIdentity()},
		Aliases: testAliases(),
		Pool:    p,
		Budget:  newTestLedger(),
		Pricing: pricing.NewTable(),
	})

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?api_key=anything"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := conn.WriteJSON(streamRequest{Model: "sonnet", Prompt: "hi"}); err != nil {
		t.Fatalf("write request frame: %v", err)
	}

	// Give the handler a moment to submit the task, then disconnect without
	// waiting for a result -- the handler should cancel the still-running
	// task instead of letting it run to completion.
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.cancelled)
		p.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected Pool.Cancel to be called after client disconnect")
}

func TestHandleStream_RejectsEmptyPrompt(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Auth:    &fakeAuth{identity: testIdentity()},
		Aliases: testAliases(),
		Pool:    &fakePool{},
		Budget:  newTestLedger(),
		Pricing: pricing.NewTable(),
	})

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?api_key=anything"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(streamRequest{Model: "sonnet", Prompt: ""}); err != nil {
		t.Fatalf("write request frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "error" {
		t.Fatalf("frame type = %q, want error", frame.Type)
	}
}
