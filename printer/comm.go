package printer

import (
	"time"

	"printhost/gcode"
	"printhost/state"
)

// EventSink receives the events a Communicator produces. *Printer implements
// it; the methods are safe to call from the communicator's own goroutine
// concurrently with printer operations.
type EventSink interface {
	OnLog(line string)
	OnMessage(message string)
	OnTempUpdate(actual, actualBed, target, targetBed float64)
	OnStateChange(newState state.ConnState)
	OnProgress()
	OnZChange(newZ float64)
	OnSdStateChange(ready bool)
	OnSdFiles(files []string)
	OnSdFileSelected(filename string, size int64)
	OnSdPrintingDone()
}

// Communicator is the transport and protocol layer talking to the device.
// All methods may block; the printer never invokes them while holding the
// lock its event handlers need.
type Communicator interface {
	Close()
	SendCommand(line string)

	IsOperational() bool
	IsPrinting() bool
	IsPaused() bool
	IsError() bool
	IsClosedOrError() bool
	IsSdReady() bool
	IsBusy() bool

	PrintGcode(commands []gcode.Command)
	PrintSdFile()
	SetPause(paused bool)
	CancelPrint()

	SdProgress() (pos, size int64)
	PrintPos() int
	PrintTime() time.Duration
	PrintTimeRemaining() time.Duration

	SetFeedrateModifier(structure string, factor float64)
	FeedrateModifiers() map[string]float64

	SdFiles() []string
	SelectSdFile(filename string)
	DeleteSdFile(filename string)
	InitSdCard()
	ReleaseSdCard()
	RefreshSdFiles()
	StartSdFileTransfer(filename string)
	EndSdFileTransfer(filename string)

	StateString() string
}

// CommFactory opens a communicator bound to the given sink. Empty port or
// zero baud request autodetection.
type CommFactory func(port string, baud int, sink EventSink) Communicator

// Metadata is what the gcode store knows about a file ahead of printing.
type Metadata struct {
	EstimatedPrintTime *time.Duration
	Filament           *float64
}

// GcodeStore manages stored job files and their analysis.
type GcodeStore interface {
	Metadata(filename string) *Metadata
	PrintSucceeded(filename string)
	PrintFailed(filename string)
	PauseAnalysis()
	ResumeAnalysis()
}

// Timelapse captures print footage. The printer only drives it through
// state transitions and layer changes.
type Timelapse interface {
	OnPrintStarted(filename string)
	OnPrintStopped()
	OnZChange(oldZ *float64, newZ float64)
}

// feedrateModifierMapping maps the structure names accepted by
// SetFeedrateModifier to the segment labels used in sliced gcode.
var feedrateModifierMapping = map[string]string{
	"outerWall": "WALL-OUTER",
	"innerWall": "WALL_INNER",
	"fill":      "FILL",
	"support":   "SUPPORT",
}
