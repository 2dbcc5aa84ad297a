package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var ErrHubFull = errors.New("session: observer limit reached")

// Conn is one observer connection as seen by the hub. WriteFrame must put the
// whole frame on the wire in one write and give up at deadline.
type Conn interface {
	WriteFrame(frame []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

type Observer struct {
	ID       uint64
	Addr     string
	Attached time.Time

	conn Conn
}

// DetachFunc is told about every observer leaving the hub. err is nil for a
// clean disconnect.
type DetachFunc func(o *Observer, err error)

// Hub is the ordered observer set. Attach, Broadcast, Retain and Remove hold
// the same lock for their whole duration, so a retained frame reaches every
// observer exactly once whether it attached before or after the frame.
type Hub struct {
	max          int
	writeTimeout time.Duration
	logger       *log.Logger

	mu        sync.Mutex
	observers []*Observer
	retained  [][]byte
	onDetach  DetachFunc
	nextID    uint64
	closed    bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(maxObservers int, writeTimeout time.Duration, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{max: maxObservers, writeTimeout: writeTimeout, logger: logger}
}

func (h *Hub) SetDetachFunc(fn DetachFunc) {
	h.mu.Lock()
	h.onDetach = fn
	h.mu.Unlock()
}

// Attach adds c and replays the retained frames to it. If the replay fails the
// connection is closed and not added.
func (h *Hub) Attach(c Conn) (*Observer, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = c.Close()
		return nil, errors.New("session: hub closed")
	}
	if h.max > 0 && len(h.observers) >= h.max {
		h.mu.Unlock()
		_ = c.Close()
		return nil, ErrHubFull
	}
	h.nextID++
	o := &Observer{ID: h.nextID, Addr: c.RemoteAddr(), Attached: time.Now(), conn: c}
	for _, frame := range h.retained {
		if err := h.writeLocked(o, frame); err != nil {
			h.mu.Unlock()
			_ = c.Close()
			h.dropped.Add(1)
			return nil, fmt.Errorf("replay to %s: %w", o.Addr, err)
		}
	}
	h.observers = append(h.observers, o)
	h.mu.Unlock()
	return o, nil
}

// Broadcast writes frame to every observer in attach order and returns how many
// received it. Observers whose write fails are closed and removed.
func (h *Hub) Broadcast(frame []byte) int {
	return h.send(frame, false)
}

// Retain is Broadcast for frames late joiners must also see.
func (h *Hub) Retain(frame []byte) int {
	return h.send(frame, true)
}

func (h *Hub) send(frame []byte, retain bool) int {
	h.mu.Lock()
	if retain {
		h.retained = append(h.retained, frame)
	}
	var failed []*Observer
	var errs []error
	kept := h.observers[:0]
	for _, o := range h.observers {
		if err := h.writeLocked(o, frame); err != nil {
			_ = o.conn.Close()
			failed = append(failed, o)
			errs = append(errs, err)
			continue
		}
		kept = append(kept, o)
	}
	clear(h.observers[len(kept):])
	h.observers = kept
	delivered := len(kept)
	onDetach := h.onDetach
	h.mu.Unlock()

	for i, o := range failed {
		h.dropped.Add(1)
		h.logger.Printf("observer %d (%s) dropped: %v", o.ID, o.Addr, errs[i])
		if onDetach != nil {
			onDetach(o, errs[i])
		}
	}
	return delivered
}

func (h *Hub) writeLocked(o *Observer, frame []byte) error {
	var deadline time.Time
	if h.writeTimeout > 0 {
		deadline = time.Now().Add(h.writeTimeout)
	}
	if err := o.conn.WriteFrame(frame, deadline); err != nil {
		return err
	}
	h.sent.Add(1)
	return nil
}

// Remove closes and forgets o. It is a no-op for observers already gone.
func (h *Hub) Remove(o *Observer, reason error) {
	h.mu.Lock()
	idx := -1
	for i, cur := range h.observers {
		if cur == o {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return
	}
	h.observers = append(h.observers[:idx], h.observers[idx+1:]...)
	onDetach := h.onDetach
	h.mu.Unlock()

	_ = o.conn.Close()
	if onDetach != nil {
		onDetach(o, reason)
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close disconnects everyone and refuses further attaches.
func (h *Hub) Close() {
	h.mu.Lock()
	obs := h.observers
	h.observers = nil
	h.closed = true
	h.mu.Unlock()
	for _, o := range obs {
		_ = o.conn.Close()
	}
}

type HubStats struct {
	Observers    int    `json:"observers"`
	Retained     int    `json:"retained_frames"`
	FramesSent   uint64 `json:"frames_sent"`
	DroppedTotal uint64 `json:"dropped_total"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Observers:    len(h.observers),
		Retained:     len(h.retained),
		FramesSent:   h.sent.Load(),
		DroppedTotal: h.dropped.Load(),
	}
}
