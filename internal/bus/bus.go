package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinmirror/pinmirror/internal/metrics"
)

// Kind distinguishes the two notifications a cycle can produce.
type Kind string

const (
	// KindRefreshed means a cycle completed without new scores.
	KindRefreshed Kind = "refreshed"
	// KindNewScores means a cycle found at least one new score entry.
	KindNewScores Kind = "new_scores"
)

// ScoreEvent is one newly detected score entry.
type ScoreEvent struct {
	MachineID int64  `json:"machine_id"`
	Machine   string `json:"machine"`
	Player    string `json:"player"`
	Score     string `json:"score"`
	Key       string `json:"key"`
}

// String renders the event as "<machine>:<player>:<score>".
func (e ScoreEvent) String() string {
	return e.Machine + ":" + e.Player + ":" + e.Score
}

// Message is the notification published after a settled cycle.
type Message struct {
	Kind   Kind         `json:"kind"`
	Scores []ScoreEvent `json:"scores,omitempty"`
	At     time.Time    `json:"at"`
}

// Events returns the string form of every score event.
func (m Message) Events() []string {
	out := make([]string, len(m.Scores))
	for i, e := range m.Scores {
		out[i] = e.String()
	}
	return out
}

// Handler receives published messages. Returning an error (or panicking)
// removes the subscription.
type Handler func(Message) error

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID  string
	bus *Bus
}

// Unsubscribe removes the subscription. It is safe to call more than once,
// including from inside the handler.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.ID)
}

type subscriber struct {
	id string
	h  Handler
}

// Bus is a synchronous observer registry.
type Bus struct {
	mu      sync.Mutex
	subs    []subscriber
	metrics *metrics.Registry
}

// New creates an empty Bus. reg may be nil.
func New(reg *metrics.Registry) *Bus {
	return &Bus{metrics: reg}
}

// Subscribe registers h and returns its handle.
func (b *Bus) Subscribe(h Handler) *Subscription {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{id: id, h: h})
	n := len(b.subs)
	b.mu.Unlock()
	b.metrics.Set(metrics.BusSubscribers, float64(n))
	return &Subscription{ID: id, bus: b}
}

// Publish delivers msg to every current subscriber in subscription order.
// Handlers run outside the registry lock, on a copy of the subscriber list.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if err := deliver(s.h, msg); err != nil {
			slog.Warn("bus: removing failed subscriber", "id", s.id, "kind", msg.Kind, "err", err)
			b.metrics.Inc(metrics.BusDroppedTotal)
			b.remove(s.id)
		}
	}
}

// Len returns the number of current subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	n := len(b.subs)
	b.mu.Unlock()
	b.metrics.Set(metrics.BusSubscribers, float64(n))
}

func deliver(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler panic: %v", r)
		}
	}()
	return h(msg)
}
