package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	t.Cleanup(h.Close)
	return h
}

func receive(t *testing.T, s *Subscriber) (Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-s.C:
		return msg, ok
	case <-time.After(200 * time.Millisecond):
		return Message{}, false
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newTestHub(t)

	s, ok := h.Subscribe("", "127.0.0.1:12345")
	if !ok {
		t.Fatal("Subscribe() should succeed")
	}
	if got := h.Stats().Active; got != 1 {
		t.Errorf("Active = %d; want 1", got)
	}

	h.Unsubscribe(s)
	if got := h.Stats().Active; got != 0 {
		t.Errorf("Active after unsubscribe = %d; want 0", got)
	}
	if _, ok := <-s.C; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// A second call must not panic on the closed channel.
	h.Unsubscribe(s)
}

func TestSubscribeAfterClose(t *testing.T) {
	h := NewHub()
	s, _ := h.Subscribe("", "127.0.0.1:1")
	h.Close()

	if _, ok := <-s.C; ok {
		t.Error("Close should disconnect subscribers")
	}
	if _, ok := h.Subscribe("", "127.0.0.1:2"); ok {
		t.Error("Subscribe after Close should fail")
	}
	h.Close()
}

func TestConnectionLimit(t *testing.T) {
	h := newTestHub(t)
	for i := 0; i < MaxConcurrentConnections; i++ {
		if _, ok := h.Subscribe("", "127.0.0.1:1"); !ok {
			t.Fatalf("Subscribe #%d rejected below the limit", i)
		}
	}
	if _, ok := h.Subscribe("", "127.0.0.1:2"); ok {
		t.Fatal("Subscribe above the limit should fail")
	}
	if got := h.Stats().RejectedConns; got != 1 {
		t.Errorf("RejectedConns = %d; want 1", got)
	}
}

// TestPublishJobFilter checks that job-scoped subscribers only see their job.
func TestPublishJobFilter(t *testing.T) {
	h := newTestHub(t)
	all, _ := h.Subscribe("", "127.0.0.1:1")
	jobA, _ := h.Subscribe("job-a", "127.0.0.1:2")

	h.Publish(Message{Type: EventProgress, JobID: "job-b", Msg: `{"progress":0.5}`})
	h.Publish(Message{Type: EventProgress, JobID: "job-a", Msg: `{"progress":0.25}`})

	first, ok := receive(t, all)
	if !ok || first.JobID != "job-b" {
		t.Fatalf("unscoped subscriber got %+v, %v; want job-b event", first, ok)
	}
	second, ok := receive(t, all)
	if !ok || second.JobID != "job-a" {
		t.Fatalf("unscoped subscriber got %+v, %v; want job-a event", second, ok)
	}

	got, ok := receive(t, jobA)
	if !ok {
		t.Fatal("job-scoped subscriber received nothing")
	}
	if got.JobID != "job-a" || got.Msg != `{"progress":0.25}` {
		t.Errorf("job-scoped subscriber got %+v", got)
	}
	if extra, ok := receive(t, jobA); ok {
		t.Errorf("job-scoped subscriber received foreign event %+v", extra)
	}
	if got := h.Stats().TotalMessages; got != 3 {
		t.Errorf("TotalMessages = %d; want 3", got)
	}
}

func TestPublishJSON(t *testing.T) {
	h := newTestHub(t)
	s, _ := h.Subscribe("", "127.0.0.1:3")

	payload := struct {
		ID       string  `json:"id"`
		Progress float64 `json:"progress"`
	}{"j1", 0.75}
	if err := h.PublishJSON(EventUpdate, "j1", payload); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	msg, ok := receive(t, s)
	if !ok {
		t.Fatal("did not receive event")
	}
	if msg.Type != EventUpdate || msg.Msg != `{"id":"j1","progress":0.75}` {
		t.Errorf("got %+v", msg)
	}

	if err := h.PublishJSON(EventUpdate, "j1", make(chan int)); err == nil {
		t.Error("PublishJSON() with unmarshalable value should fail")
	}
}

// TestSlowSubscriberDrops fills one subscriber's queue; the overflow is
// counted rather than blocking delivery.
func TestSlowSubscriberDrops(t *testing.T) {
	h := newTestHub(t)
	h.Subscribe("", "127.0.0.1:4")
	for i := 0; i < ClientChannelBuffer+10; i++ {
		h.deliver(Message{Type: EventLog, Msg: "line"})
	}
	if got := h.Stats().DroppedClientMsgs; got != 10 {
		t.Errorf("DroppedClientMsgs = %d; want 10", got)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	// No delivery loop, so the queue fills.
	h := &Hub{subs: map[*Subscriber]struct{}{}, queue: make(chan Message, 2), done: make(chan struct{})}
	for i := 0; i < 5; i++ {
		h.Publish(Message{Type: "flood"})
	}
	if got := h.Stats().DroppedBroadcasts; got != 3 {
		t.Errorf("DroppedBroadcasts = %d; want 3", got)
	}
}

func TestSweep(t *testing.T) {
	h := newTestHub(t)
	s, _ := h.Subscribe("", "127.0.0.1:4")

	if n := h.sweep(time.Now()); n != 0 {
		t.Fatalf("fresh subscriber swept (%d)", n)
	}
	if n := h.sweep(time.Now().Add(3 * CleanupInterval)); n != 1 {
		t.Fatalf("sweep removed %d; want 1", n)
	}
	if _, ok := <-s.C; ok {
		t.Error("swept subscriber channel should be closed")
	}
}

func TestFormatSSE(t *testing.T) {
	tests := []struct {
		msg      Message
		expected string
	}{
		{Message{Type: EventUpdate, Msg: "test"}, "event: update\ndata: test\n\n"},
		{Message{Type: EventCreate, JobID: "123", Msg: `{"id":"123"}`}, "event: create\ndata: {\"id\":\"123\"}\n\n"},
		{Message{Type: "", Msg: "empty type"}, "event: \ndata: empty type\n\n"},
	}
	for _, tt := range tests {
		if got := formatSSE(tt.msg); got != tt.expected {
			t.Errorf("formatSSE(%+v) = %q; want %q", tt.msg, got, tt.expected)
		}
	}
}

// TestServeHTTP connects a real client and reads a job-scoped event.
func TestServeHTTP(t *testing.T) {
	h := newTestHub(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?job=j9", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	buf := make([]byte, 512)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "connected") {
		t.Fatalf("first frame = %q; want connection confirmation", buf[:n])
	}

	// The handler has subscribed by the time the confirmation is flushed.
	h.Publish(Message{Type: EventLog, JobID: "other", Msg: "skip me"})
	h.Publish(Message{Type: EventLog, JobID: "j9", Msg: "row 10/20"})

	var got strings.Builder
	for !strings.Contains(got.String(), "row 10/20") {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("read stream: %v (got %q)", err, got.String())
		}
		got.Write(buf[:n])
	}
	if strings.Contains(got.String(), "skip me") {
		t.Errorf("stream delivered another job's event: %q", got.String())
	}
	if !strings.Contains(got.String(), "event: log\n") {
		t.Errorf("stream = %q; want log event", got.String())
	}
}

func TestDefaultHubStats(t *testing.T) {
	if got := GetConnectionStats().MaxConnections; got != MaxConcurrentConnections {
		t.Errorf("MaxConnections = %d; want %d", got, MaxConcurrentConnections)
	}
}
