// Package state holds the payload types shared between the printer
// orchestrator, the state monitor and the web layer.
package state

import "time"

// ConnState is the connection/job state reported by the communicator.
type ConnState int

const (
	Offline ConnState = iota
	Connecting
	Operational
	Printing
	Paused
	Closed
	Error
	ClosedWithError
)

func (s ConnState) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Connecting:
		return "Connecting"
	case Operational:
		return "Operational"
	case Printing:
		return "Printing"
	case Paused:
		return "Paused"
	case Closed:
		return "Closed"
	case Error:
		return "Error"
	case ClosedWithError:
		return "Closed with error"
	}
	return "Unknown"
}

// Flags is the derived status projection, recomputed on every snapshot.
type Flags struct {
	Operational   bool `json:"operational"`
	Printing      bool `json:"printing"`
	ClosedOrError bool `json:"closedOrError"`
	Error         bool `json:"error"`
	Loading       bool `json:"loading"`
	Paused        bool `json:"paused"`
	Ready         bool `json:"ready"`
	SdReady       bool `json:"sdReady"`
}

// TempSample is one point of the temperature history.
type TempSample struct {
	Time      int64   `json:"time"` // unix milliseconds
	Actual    float64 `json:"actual"`
	Target    float64 `json:"target"`
	ActualBed float64 `json:"actualBed"`
	TargetBed float64 `json:"targetBed"`
}

// JobInfo describes the currently loaded job, local or SD resident.
type JobInfo struct {
	Filename           string         `json:"filename,omitempty"`
	Lines              *int           `json:"lines,omitempty"`
	EstimatedPrintTime *time.Duration `json:"estimatedPrintTime,omitempty"`
	Filament           *float64       `json:"filament,omitempty"`
}

// FileProgress tracks a running gcode load or SD upload. A nil
// FileProgress means no such worker is active.
type FileProgress struct {
	Filename string  `json:"filename"`
	Progress float64 `json:"progress"`
	Mode     string  `json:"mode,omitempty"`
}

// Progress is the print progress block of a snapshot. Unset fields are nil.
type Progress struct {
	Completion    *float64       `json:"completion,omitempty"`
	CurrentLine   *int           `json:"currentLine,omitempty"`
	PrintTime     *time.Duration `json:"printTime,omitempty"`
	PrintTimeLeft *time.Duration `json:"printTimeLeft,omitempty"`
}

// Snapshot is the coalesced state pushed to observers.
type Snapshot struct {
	State       ConnState     `json:"state"`
	StateString string        `json:"stateString"`
	Flags       Flags         `json:"flags"`
	Job         JobInfo       `json:"job"`
	Gcode       *FileProgress `json:"gcode,omitempty"`
	SdUpload    *FileProgress `json:"sdUpload,omitempty"`
	Progress    Progress      `json:"progress"`
	CurrentZ    *float64      `json:"currentZ,omitempty"`
}

// History is the one-time payload a freshly registered observer receives:
// the current snapshot plus the full bounded histories.
type History struct {
	Snapshot
	Temperatures []TempSample `json:"temperatureHistory"`
	Log          []string     `json:"logHistory"`
	Messages     []string     `json:"messageHistory"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Clone returns a copy sharing no memory with the receiver, so a captured
// snapshot stays stable while the live state keeps mutating.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Job.Lines = clonePtr(s.Job.Lines)
	c.Job.EstimatedPrintTime = clonePtr(s.Job.EstimatedPrintTime)
	c.Job.Filament = clonePtr(s.Job.Filament)
	c.Gcode = clonePtr(s.Gcode)
	c.SdUpload = clonePtr(s.SdUpload)
	c.Progress.Completion = clonePtr(s.Progress.Completion)
	c.Progress.CurrentLine = clonePtr(s.Progress.CurrentLine)
	c.Progress.PrintTime = clonePtr(s.Progress.PrintTime)
	c.Progress.PrintTimeLeft = clonePtr(s.Progress.PrintTimeLeft)
	c.CurrentZ = clonePtr(s.CurrentZ)
	return c
}
