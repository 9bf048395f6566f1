package web

import (
	"sync"

	"printhost/state"
)

// statusObserver caches the latest broadcast so /status answers without
// touching the printer.
type statusObserver struct {
	mu       sync.Mutex
	snapshot state.Snapshot
	has      bool
	filesRev uint64
}

func (o *statusObserver) AddTemperature(state.TempSample) {}

func (o *statusObserver) AddLog(string) {}

func (o *statusObserver) AddMessage(string) {}

func (o *statusObserver) SendCurrentData(s state.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = s
	o.has = true
}

func (o *statusObserver) SendHistoryData(h state.History) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = h.Snapshot
	o.has = true
}

func (o *statusObserver) SendUpdateTrigger(kind string) {
	if kind != "gcodeFiles" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.filesRev++
}

func (o *statusObserver) latest() (state.Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot, o.has
}

func (o *statusObserver) filesRevision() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filesRev
}
