package app

import (
	"github.com/hashicorp/go-hclog"

	"printhost/printer"
)

// logStore is a gcode store without persistence: it records job outcomes in
// the log only. Swap in a real store to get metadata and analysis.
type logStore struct {
	log hclog.Logger
}

func (s *logStore) Metadata(filename string) *printer.Metadata { return nil }

func (s *logStore) PrintSucceeded(filename string) {
	s.log.Info("print succeeded", "file", filename)
}

func (s *logStore) PrintFailed(filename string) {
	s.log.Warn("print failed", "file", filename)
}

func (s *logStore) PauseAnalysis() { s.log.Debug("analysis paused") }

func (s *logStore) ResumeAnalysis() { s.log.Debug("analysis resumed") }

// logTimelapse traces capture triggers without capturing anything.
type logTimelapse struct {
	log hclog.Logger
}

func (t *logTimelapse) OnPrintStarted(filename string) {
	t.log.Info("capture start", "file", filename)
}

func (t *logTimelapse) OnPrintStopped() {
	t.log.Info("capture stop")
}

func (t *logTimelapse) OnZChange(oldZ *float64, newZ float64) {
	t.log.Debug("layer change", "z", newZ)
}
