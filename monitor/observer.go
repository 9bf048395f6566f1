package monitor

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"printhost/state"
)

// Observer receives printer events. Implementations are typically UI
// sessions; a panic inside any method is contained by the Registry and never
// reaches the communicator or worker goroutine that triggered the event.
type Observer interface {
	AddTemperature(sample state.TempSample)
	AddLog(line string)
	AddMessage(message string)
	SendCurrentData(snapshot state.Snapshot)
	SendHistoryData(history state.History)
	SendUpdateTrigger(kind string)
}

// Registry holds the registered observers and dispatches to each of them
// with per-observer failure isolation.
type Registry struct {
	log hclog.Logger

	mu        sync.Mutex
	observers []Observer
}

func NewRegistry(log hclog.Logger) *Registry {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Registry{log: log}
}

func (r *Registry) Add(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Remove unregisters o. Removing an unknown observer is a no-op.
func (r *Registry) Remove(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, obs := range r.observers {
		if obs == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Each invokes f for every registered observer. A panic from one observer is
// logged and discarded so the remaining observers still get the event.
func (r *Registry) Each(f func(Observer)) {
	r.mu.Lock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, o := range observers {
		r.Notify(o, f)
	}
}

// Notify invokes f for a single observer, containing any panic.
func (r *Registry) Notify(o Observer, f func(Observer)) {
	defer func() {
		if err := recover(); err != nil {
			r.log.Warn("observer callback failed", "error", err)
		}
	}()
	f(o)
}
