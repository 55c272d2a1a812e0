// Package status exposes the running loop over HTTP: a JSON snapshot, a
// Server-Sent Events stream, rebuild requests and MCP tools.
package status

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/mpr/internal/runloop"
)

// Snapshot is the loop status as seen through its events.
type Snapshot struct {
	State           string            `json:"state"`
	Cycle           int               `json:"cycle"`
	Session         string            `json:"session,omitempty"`
	Running         bool              `json:"running"`
	LastExit        string            `json:"last_exit,omitempty"`
	Compiled        int               `json:"compiled"`
	Synced          int               `json:"synced"`
	CompileFailures map[string]string `json:"compile_failures"`
	SyncFailures    map[string]string `json:"sync_failures"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s Snapshot) clone() Snapshot {
	s.CompileFailures = maps.Clone(s.CompileFailures)
	s.SyncFailures = maps.Clone(s.SyncFailures)
	return s
}

func (s *Snapshot) apply(ev runloop.Event) {
	s.UpdatedAt = ev.Time
	s.Cycle = ev.Cycle
	switch ev.Type {
	case runloop.EventState:
		s.State = ev.State
	case runloop.EventCompiled:
		s.Compiled++
		delete(s.CompileFailures, ev.Path)
	case runloop.EventCompileFailed:
		msg := ev.Output
		if msg == "" {
			msg = ev.Error
		}
		s.CompileFailures[ev.Path] = msg
	case runloop.EventSynced:
		s.Synced++
		delete(s.SyncFailures, ev.Path)
	case runloop.EventSyncFailed:
		s.SyncFailures[ev.Path] = ev.Error
	case runloop.EventSessionStarted:
		s.Session = ev.Session
		s.Running = true
		s.LastExit = ""
	case runloop.EventSessionExited:
		// An exit without a session is a program that never started.
		if ev.Session == "" || ev.Session == s.Session {
			s.Running = false
			s.LastExit = ev.Error
		}
	}
}

// Broker fans loop events out to SSE clients and keeps the snapshot.
//
// A single internal goroutine owns the clients and the snapshot. Public
// methods talk to it through channels, so no mutexes are required.
type Broker struct {
	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan runloop.Event
	snapshotCh    chan chan Snapshot
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker.
func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan runloop.Event, 256),
		snapshotCh:    make(chan chan Snapshot),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	snap := Snapshot{
		State:           runloop.Idle.String(),
		CompileFailures: make(map[string]string),
		SyncFailures:    make(map[string]string),
	}

	handle := func(ev runloop.Event) {
		snap.apply(ev)
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload))
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			handle(ev)

		case resp := <-b.snapshotCh:
			// Events published before the request are applied first.
		drain:
			for {
				select {
				case ev := <-b.publishCh:
					handle(ev)
				default:
					break drain
				}
			}
			resp <- snap.clone()

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Snapshot returns the current status.
func (b *Broker) Snapshot() Snapshot {
	resp := make(chan Snapshot, 1)
	select {
	case b.snapshotCh <- resp:
	case <-b.stopped:
		return Snapshot{State: "unknown"}
	}
	select {
	case s := <-resp:
		return s
	case <-b.stopped:
		return Snapshot{State: "unknown"}
	}
}

// Publish implements runloop.Observer. It never blocks; events are dropped
// if the broker is saturated or closed.
func (b *Broker) Publish(ev runloop.Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	default:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
