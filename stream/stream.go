// Package stream pushes job lifecycle and progress events to browsers over
// server-sent events.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxConcurrentConnections caps subscribers per hub.
	MaxConcurrentConnections = 512
	// ClientChannelBuffer is the per-subscriber queue length.
	ClientChannelBuffer = 256
	// KeepAliveInterval is how often an idle stream gets a comment line.
	KeepAliveInterval = 30 * time.Second
	// CleanupInterval is how often stale subscribers are swept.
	CleanupInterval = 60 * time.Second
	// HubBroadcastBuffer is the publish queue length.
	HubBroadcastBuffer = 2048
)

// Event types sent on the stream.
const (
	EventCreate   = "create"
	EventUpdate   = "update"
	EventDelete   = "delete"
	EventProgress = "progress"
	EventLog      = "log"
)

// Message is one SSE event. Msg is sent verbatim as the data line.
type Message struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
	Msg   string `json:"msg"`
}

// Subscriber is one connected stream. A non-empty JobID limits delivery to
// that job's events.
type Subscriber struct {
	ID         string
	JobID      string
	RemoteAddr string
	C          <-chan Message

	ch       chan Message
	lastSeen atomic.Int64
	sent     atomic.Int64
}

func (s *Subscriber) wants(msg Message) bool {
	return s.JobID == "" || s.JobID == msg.JobID
}

// Stats is a point-in-time view of a hub's counters.
type Stats struct {
	Active            int   `json:"active_connections"`
	TotalMessages     int64 `json:"total_messages"`
	MaxConnections    int   `json:"max_connections"`
	DroppedBroadcasts int64 `json:"dropped_broadcasts"`
	DroppedClientMsgs int64 `json:"dropped_client_msgs"`
	RejectedConns     int64 `json:"rejected_connections"`
}

// Hub fans published events out to subscribers. Publishing never blocks:
// a full hub queue or a full subscriber queue drops the event and counts it.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	queue chan Message
	done  chan struct{}
	once  sync.Once

	totalMessages     atomic.Int64
	droppedBroadcasts atomic.Int64
	droppedClientMsgs atomic.Int64
	rejectedConns     atomic.Int64
}

// NewHub starts a hub's delivery and cleanup loops. Close stops them.
func NewHub() *Hub {
	h := &Hub{
		subs:  make(map[*Subscriber]struct{}),
		queue: make(chan Message, HubBroadcastBuffer),
		done:  make(chan struct{}),
	}
	go h.deliverLoop()
	go h.cleanupLoop()
	return h
}

// Subscribe registers a new subscriber, or returns false at capacity or
// after Close.
func (h *Hub) Subscribe(jobID, remoteAddr string) (*Subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return nil, false
	default:
	}
	if len(h.subs) >= MaxConcurrentConnections {
		h.rejectedConns.Add(1)
		log.Printf("Connection limit reached (%d), rejecting new client from %s", MaxConcurrentConnections, remoteAddr)
		return nil, false
	}
	now := time.Now()
	ch := make(chan Message, ClientChannelBuffer)
	s := &Subscriber{
		ID:         fmt.Sprintf("%d-%s", now.UnixNano(), remoteAddr),
		JobID:      jobID,
		RemoteAddr: remoteAddr,
		C:          ch,
		ch:         ch,
	}
	s.lastSeen.Store(now.Unix())
	h.subs[s] = struct{}{}
	log.Printf("Client connected: %s (total: %d)", s.ID, len(h.subs))
	return s, true
}

// Unsubscribe removes s and closes its channel. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
	log.Printf("Client disconnected: %s (total: %d)", s.ID, len(h.subs))
}

// Publish queues msg for delivery.
func (h *Hub) Publish(msg Message) {
	select {
	case h.queue <- msg:
	default:
		h.droppedBroadcasts.Add(1)
	}
}

// PublishJSON marshals v and publishes it as an event about jobID.
func (h *Hub) PublishJSON(eventType, jobID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	h.Publish(Message{Type: eventType, JobID: jobID, Msg: string(data)})
	return nil
}

func (h *Hub) deliverLoop() {
	for {
		select {
		case msg := <-h.queue:
			h.deliver(msg)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) deliver(msg Message) {
	now := time.Now().Unix()
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.wants(msg) {
			continue
		}
		select {
		case s.ch <- msg:
			s.lastSeen.Store(now)
			s.sent.Add(1)
			h.totalMessages.Add(1)
		default:
			h.droppedClientMsgs.Add(1)
		}
	}
}

func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			h.sweep(now)
		case <-h.done:
			return
		}
	}
}

// sweep drops subscribers not delivered to for two cleanup intervals.
// Keep-alives do not count as deliveries.
func (h *Hub) sweep(now time.Time) int {
	cutoff := now.Add(-2 * CleanupInterval).Unix()
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.subs {
		if s.lastSeen.Load() < cutoff {
			h.removeLocked(s)
			n++
		}
	}
	if n > 0 {
		log.Printf("Cleaned up %d stale connections", n)
	}
	return n
}

// Stats returns the hub's counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	active := len(h.subs)
	h.mu.Unlock()
	return Stats{
		Active:            active,
		TotalMessages:     h.totalMessages.Load(),
		MaxConnections:    MaxConcurrentConnections,
		DroppedBroadcasts: h.droppedBroadcasts.Load(),
		DroppedClientMsgs: h.droppedClientMsgs.Load(),
		RejectedConns:     h.rejectedConns.Load(),
	}
}

// Close stops the loops and disconnects every subscriber.
func (h *Hub) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		close(h.done)
		for s := range h.subs {
			h.removeLocked(s)
		}
		h.mu.Unlock()
		log.Println("Stream hub shutdown complete")
	})
}

// ServeHTTP streams events as text/event-stream. The optional ?job=<id>
// query parameter subscribes to a single job.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, ok := h.Subscribe(r.URL.Query().Get("job"), r.RemoteAddr)
	if !ok {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}
	defer h.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Del("Content-Encoding")

	if _, err := io.WriteString(w, "data: {\"type\":\"connected\",\"msg\":\"SSE connection established\"}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, formatSSE(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSE(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}

// Default is the process-wide hub the job queue publishes to.
var Default = NewHub()

// Broadcast publishes msg on Default.
func Broadcast(msg Message) { Default.Publish(msg) }

// BroadcastJSON publishes v on Default.
func BroadcastJSON(eventType, jobID string, v any) error {
	return Default.PublishJSON(eventType, jobID, v)
}

// StreamHandler serves Default.
func StreamHandler(w http.ResponseWriter, r *http.Request) { Default.ServeHTTP(w, r) }

// GetConnectionStats returns Default's counters.
func GetConnectionStats() Stats { return Default.Stats() }

// Shutdown closes Default.
func Shutdown() { Default.Close() }
