package event

import (
	"sync"

	"github.com/meridian-os/meridian/internal/shared/types"
)

// Type classifies a kernel event.
type Type string

const (
	TypeContextSwitch Type = "context_switch"
	TypeThreadState   Type = "thread_state"
	TypePreempt       Type = "preempt"
	TypeDonation      Type = "donation"
	TypeIPCPair       Type = "ipc_pair"
	TypeIPCTimeout    Type = "ipc_timeout"
	TypeNotify        Type = "notify"
	TypeRetype        Type = "retype"
	TypeDestroy       Type = "destroy"
	TypeRevoke        Type = "revoke"
	TypeSpawn         Type = "spawn"
	TypeExit          Type = "exit"
	TypeKill          Type = "kill"
)

// Event is one observable kernel transition.
type Event struct {
	Type   Type                   `json:"type"`
	Tick   types.Tick             `json:"tick"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Emitter receives kernel events. Implementations must not block.
type Emitter interface {
	Emit(ev Event)
}

// Discard is an Emitter that drops everything. Kernel components treat a
// nil emitter the same way, but tests read better passing this.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Hub fans events out to subscribers. Each subscriber gets a buffered
// channel; when a buffer is full the event is dropped for that
// subscriber only.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}

	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan Event, buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Emit delivers ev to every subscriber that has buffer space.
func (h *Hub) Emit(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Tee emits to every non-nil emitter it holds.
type Tee []Emitter

func (t Tee) Emit(ev Event) {
	for _, e := range t {
		if e != nil {
			e.Emit(ev)
		}
	}
}
