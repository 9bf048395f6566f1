// Package monitor coalesces high-frequency printer state mutations into
// rate-limited snapshot broadcasts.
package monitor

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"printhost/state"
)

// DefaultRateLimit is the minimum interval between two snapshot broadcasts.
const DefaultRateLimit = 500 * time.Millisecond

// StateMonitor tracks the current snapshot and pushes it to the registry at
// most once per rate-limit window. Any mutation marks the state dirty; a
// background goroutine wakes on the dirty signal, sleeps out the remainder of
// the window, captures an isolated copy and delivers it. Repeated mutations
// before delivery coalesce into a single broadcast. An idle monitor sends
// nothing.
type StateMonitor struct {
	registry *Registry
	log      hclog.Logger
	interval time.Duration

	mu      sync.Mutex
	current state.Snapshot

	dirty chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

func NewStateMonitor(registry *Registry, interval time.Duration, log hclog.Logger) *StateMonitor {
	if interval <= 0 {
		interval = DefaultRateLimit
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	m := &StateMonitor{
		registry: registry,
		log:      log,
		interval: interval,
		dirty:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// Stop terminates the broadcast goroutine. Pending mutations are dropped.
func (m *StateMonitor) Stop() {
	close(m.stop)
	<-m.done
}

// CurrentData returns an isolated copy of the current snapshot.
func (m *StateMonitor) CurrentData() state.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

func (m *StateMonitor) SetState(st state.ConnState, stateString string, flags state.Flags) {
	m.mu.Lock()
	m.current.State = st
	m.current.StateString = stateString
	m.current.Flags = flags
	m.mu.Unlock()
	m.markDirty()
}

func (m *StateMonitor) SetJobData(job state.JobInfo) {
	m.mu.Lock()
	m.current.Job = job
	m.mu.Unlock()
	m.markDirty()
}

func (m *StateMonitor) SetGcodeData(p *state.FileProgress) {
	m.mu.Lock()
	m.current.Gcode = p
	m.mu.Unlock()
	m.markDirty()
}

func (m *StateMonitor) SetSdUploadData(p *state.FileProgress) {
	m.mu.Lock()
	m.current.SdUpload = p
	m.mu.Unlock()
	m.markDirty()
}

func (m *StateMonitor) SetProgress(p state.Progress) {
	m.mu.Lock()
	m.current.Progress = p
	m.mu.Unlock()
	m.markDirty()
}

func (m *StateMonitor) SetCurrentZ(z *float64) {
	m.mu.Lock()
	m.current.CurrentZ = z
	m.mu.Unlock()
	m.markDirty()
}

// AddTemperature forwards the sample to all observers immediately and
// schedules a snapshot broadcast.
func (m *StateMonitor) AddTemperature(sample state.TempSample) {
	m.registry.Each(func(o Observer) { o.AddTemperature(sample) })
	m.markDirty()
}

func (m *StateMonitor) AddLog(line string) {
	m.registry.Each(func(o Observer) { o.AddLog(line) })
	m.markDirty()
}

func (m *StateMonitor) AddMessage(message string) {
	m.registry.Each(func(o Observer) { o.AddMessage(message) })
	m.markDirty()
}

func (m *StateMonitor) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *StateMonitor) run() {
	defer close(m.done)

	// Allow the first broadcast to go out without waiting a full window.
	lastUpdate := time.Now().Add(-m.interval)

	for {
		select {
		case <-m.stop:
			return
		case <-m.dirty:
		}

		if wait := m.interval - time.Since(lastUpdate); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-m.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		// Mutations that arrived during the sleep are part of the capture
		// below; clear their pending signal first so a mutation racing the
		// capture still schedules a fresh broadcast.
		select {
		case <-m.dirty:
		default:
		}

		data := m.CurrentData()
		m.registry.Each(func(o Observer) { o.SendCurrentData(data.Clone()) })
		lastUpdate = time.Now()
	}
}
