// Package printer owns the connection and job state of a single device and
// folds everything the communicator reports into the broadcast stream.
package printer

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"printhost/gcode"
	"printhost/monitor"
	"printhost/state"
)

// disableCommand is sent after a cancelled print to release motors and
// heater.
const disableCommand = "M18 M84"

// Options configures a Printer.
type Options struct {
	Store       GcodeStore
	Timelapse   Timelapse
	CommFactory CommFactory
	RateLimit   time.Duration
	SdSendDelay time.Duration
	HistorySize int
	Logger      hclog.Logger
}

// Printer coordinates the communicator, the background workers and the
// state monitor. All exported operations validate their preconditions and
// degrade to no-ops when they do not hold.
type Printer struct {
	store       GcodeStore
	commFactory CommFactory
	registry    *monitor.Registry
	monitor     *monitor.StateMonitor
	log         hclog.Logger
	sdSendDelay time.Duration

	// eventMu serializes a history append with its observer dispatch so
	// observers receive temperature, log and message events in ring order.
	eventMu sync.Mutex

	mu                 sync.Mutex
	comm               Communicator
	st                 state.ConnState
	currentZ           *float64
	temps              *state.Ring[state.TempSample]
	logs               *state.Ring[string]
	messages           *state.Ring[string]
	latestTemp         state.TempSample
	haveTemp           bool
	filename           string
	gcodeList          []gcode.Command
	loader             *gcode.Loader
	sdPrinting         bool
	sdFile             string
	sdPrintAfterSelect bool
	streamer           *SdStreamer
	timelapse          Timelapse
}

func New(opts Options) *Printer {
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = state.HistoryLimit
	}
	sdSendDelay := opts.SdSendDelay
	if sdSendDelay <= 0 {
		sdSendDelay = defaultSdSendDelay
	}

	registry := monitor.NewRegistry(log.Named("registry"))
	p := &Printer{
		store:       opts.Store,
		commFactory: opts.CommFactory,
		registry:    registry,
		monitor:     monitor.NewStateMonitor(registry, opts.RateLimit, log.Named("monitor")),
		log:         log,
		sdSendDelay: sdSendDelay,
		st:          state.Offline,
		temps:       state.NewRing[state.TempSample](historySize),
		logs:        state.NewRing[string](historySize),
		messages:    state.NewRing[string](historySize),
		timelapse:   opts.Timelapse,
	}
	p.pushState()
	return p
}

// Stop shuts down the broadcast goroutine and closes any open connection.
func (p *Printer) Stop() {
	p.Disconnect()
	p.monitor.Stop()
}

//
// observer handling
//

// RegisterObserver adds the observer and immediately hands it the current
// snapshot together with the full bounded histories, so a late joiner is
// not blind to entries older than the last broadcast.
func (p *Printer) RegisterObserver(o monitor.Observer) {
	p.registry.Add(o)
	h := p.History()
	p.registry.Notify(o, func(o monitor.Observer) { o.SendHistoryData(h) })
}

func (p *Printer) UnregisterObserver(o monitor.Observer) {
	p.registry.Remove(o)
}

// History returns the current snapshot plus the bounded histories, captured
// in one critical section so the two cannot straddle a concurrent mutation.
func (p *Printer) History() state.History {
	p.mu.Lock()
	defer p.mu.Unlock()
	return state.History{
		Snapshot:     p.monitor.CurrentData(),
		Temperatures: p.temps.Items(),
		Log:          p.logs.Items(),
		Messages:     p.messages.Items(),
	}
}

// CurrentData returns the snapshot the next broadcast would carry.
func (p *Printer) CurrentData() state.Snapshot {
	return p.monitor.CurrentData()
}

//
// printer commands
//

// Connect closes any existing connection and opens a new one. State changes
// arrive through the event sink once the communicator reports them.
func (p *Printer) Connect(port string, baud int) {
	if p.commFactory == nil {
		p.log.Error("no communicator factory configured")
		return
	}

	p.mu.Lock()
	old := p.comm
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c := p.commFactory(port, baud, p)
	p.mu.Lock()
	p.comm = c
	p.mu.Unlock()
	p.pushState()
}

// Disconnect closes the connection. Subsequent queries report Offline.
func (p *Printer) Disconnect() {
	p.mu.Lock()
	old := p.comm
	p.comm = nil
	p.st = state.Offline
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	p.pushState()
}

func (p *Printer) SendCommand(line string) {
	p.SendCommands([]string{line})
}

func (p *Printer) SendCommands(lines []string) {
	comm := p.currentComm()
	if comm == nil {
		return
	}
	for _, line := range lines {
		comm.SendCommand(line)
	}
}

// LoadJob starts loading the given file as the new print job. It refuses
// while a print is running or another load is still in flight.
func (p *Printer) LoadJob(filename string, printAfterLoading bool) {
	comm := p.currentComm()
	if comm != nil && comm.IsPrinting() {
		return
	}

	loaded := p.onGcodeLoaded
	if printAfterLoading {
		loaded = p.onGcodeLoadedToPrint
	}

	p.mu.Lock()
	if p.loader != nil {
		p.mu.Unlock()
		return
	}
	l := gcode.NewLoader(filename, p.onGcodeLoadingProgress, loaded, p.log.Named("loader"))
	p.loader = l
	p.sdFile = ""
	p.mu.Unlock()

	p.setJobData("", nil)
	l.Start()
	p.pushState()
}

// StartPrint starts the loaded job, local or SD resident. No-op unless the
// printer is operational, idle and a job is present.
func (p *Printer) StartPrint() {
	comm := p.currentComm()
	if comm == nil || !comm.IsOperational() || comm.IsPrinting() {
		return
	}

	p.mu.Lock()
	sdFile := p.sdFile
	commands := p.gcodeList
	p.mu.Unlock()
	if len(commands) == 0 && sdFile == "" {
		return
	}

	p.setCurrentZ(nil)
	p.setProgressData(state.Progress{})

	if sdFile != "" {
		p.mu.Lock()
		p.sdPrinting = true
		p.mu.Unlock()
		comm.PrintSdFile()
		return
	}
	comm.PrintGcode(commands)
}

// TogglePause flips the pause state of the running job.
func (p *Printer) TogglePause() {
	comm := p.currentComm()
	if comm == nil {
		return
	}
	comm.SetPause(!comm.IsPaused())
}

// CancelPrint aborts the running job and reports it as failed.
func (p *Printer) CancelPrint(disableMotorsAndHeater bool) {
	comm := p.currentComm()
	if comm == nil {
		return
	}

	p.mu.Lock()
	p.sdPrinting = false
	filename := p.filename
	p.mu.Unlock()

	comm.CancelPrint()
	if disableMotorsAndHeater {
		p.SendCommands([]string{disableCommand})
	}

	p.setCurrentZ(nil)
	p.setProgressData(state.Progress{})

	if filename != "" && p.store != nil {
		p.store.PrintFailed(filename)
	}
}

// SetFeedrateModifier adjusts the speed factor for one structure type.
// Unknown structures and negative percentages are ignored.
func (p *Printer) SetFeedrateModifier(structure string, percentage float64) {
	label, ok := feedrateModifierMapping[structure]
	if !ok || percentage < 0 {
		return
	}
	comm := p.currentComm()
	if comm == nil {
		return
	}
	comm.SetFeedrateModifier(label, percentage/100.0)
}

// FeedrateState returns the current modifiers as percentages keyed by
// structure name, or nil when disconnected.
func (p *Printer) FeedrateState() map[string]int {
	comm := p.currentComm()
	if comm == nil {
		return nil
	}
	modifiers := comm.FeedrateModifiers()
	result := make(map[string]int, len(feedrateModifierMapping))
	for structure, label := range feedrateModifierMapping {
		if factor, ok := modifiers[label]; ok {
			result[structure] = int(factor*100 + 0.5)
		} else {
			result[structure] = 100
		}
	}
	return result
}

//
// sd file handling
//

func (p *Printer) SdFiles() []string {
	comm := p.currentComm()
	if comm == nil {
		return nil
	}
	return comm.SdFiles()
}

// AddSdFile streams the file at path to the device's storage under a name
// derived from filename. Refused while another upload is running.
func (p *Printer) AddSdFile(filename, path string) {
	comm := p.currentComm()
	if comm == nil {
		return
	}

	p.mu.Lock()
	if p.streamer != nil {
		p.mu.Unlock()
		return
	}
	s := NewSdStreamer(comm, filename, path, p.sdSendDelay,
		p.onSdStreamProgress, p.onSdStreamFinish, p.log.Named("sdstream"))
	p.streamer = s
	p.mu.Unlock()

	s.Start()
	p.pushState()
}

func (p *Printer) DeleteSdFile(filename string) {
	comm := p.currentComm()
	if comm == nil {
		return
	}
	p.mu.Lock()
	if p.sdFile == filename {
		p.sdFile = ""
	}
	p.mu.Unlock()
	comm.DeleteSdFile(filename)
}

// SelectSdFile asks the device to select the file; the job is recorded once
// the card confirms through OnSdFileSelected.
func (p *Printer) SelectSdFile(filename string, printAfterSelect bool) {
	comm := p.currentComm()
	if comm == nil {
		return
	}
	p.mu.Lock()
	p.sdPrintAfterSelect = printAfterSelect
	p.mu.Unlock()
	comm.SelectSdFile(filename)
}

func (p *Printer) InitSdCard() {
	if comm := p.currentComm(); comm != nil {
		comm.InitSdCard()
	}
}

func (p *Printer) ReleaseSdCard() {
	if comm := p.currentComm(); comm != nil {
		comm.ReleaseSdCard()
	}
}

func (p *Printer) RefreshSdFiles() {
	if comm := p.currentComm(); comm != nil {
		comm.RefreshSdFiles()
	}
}

//
// timelapse handling
//

// SetTimelapse swaps the capture hook. A capture running against the
// current print is stopped first.
func (p *Printer) SetTimelapse(t Timelapse) {
	p.mu.Lock()
	old := p.timelapse
	p.timelapse = t
	p.mu.Unlock()
	if old != nil && p.IsPrinting() {
		old.OnPrintStopped()
	}
}

func (p *Printer) Timelapse() Timelapse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timelapse
}

//
// state reports
//

// StateString is the human readable connection state.
func (p *Printer) StateString() string {
	comm := p.currentComm()
	if comm == nil {
		return "Offline"
	}
	return comm.StateString()
}

func (p *Printer) IsOperational() bool {
	comm := p.currentComm()
	return comm != nil && comm.IsOperational()
}

func (p *Printer) IsPrinting() bool {
	comm := p.currentComm()
	return comm != nil && comm.IsPrinting()
}

func (p *Printer) IsPaused() bool {
	comm := p.currentComm()
	return comm != nil && comm.IsPaused()
}

func (p *Printer) IsError() bool {
	comm := p.currentComm()
	return comm != nil && comm.IsError()
}

func (p *Printer) IsClosedOrError() bool {
	comm := p.currentComm()
	return comm == nil || comm.IsClosedOrError()
}

func (p *Printer) IsLoading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loader != nil || p.streamer != nil
}

func (p *Printer) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loader == nil && p.streamer == nil &&
		(len(p.gcodeList) > 0 || p.sdFile != "")
}

// CurrentTemperatures returns the latest temperature sample; ok is false
// before the first report.
func (p *Printer) CurrentTemperatures() (state.TempSample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestTemp, p.haveTemp
}

//
// communicator events
//

func (p *Printer) OnLog(line string) {
	p.eventMu.Lock()
	defer p.eventMu.Unlock()
	p.mu.Lock()
	p.logs.Append(line)
	p.mu.Unlock()
	p.monitor.AddLog(line)
}

func (p *Printer) OnMessage(message string) {
	p.eventMu.Lock()
	defer p.eventMu.Unlock()
	p.mu.Lock()
	p.messages.Append(message)
	p.mu.Unlock()
	p.monitor.AddMessage(message)
}

func (p *Printer) OnTempUpdate(actual, actualBed, target, targetBed float64) {
	sample := state.TempSample{
		Time:      time.Now().UnixMilli(),
		Actual:    actual,
		Target:    target,
		ActualBed: actualBed,
		TargetBed: targetBed,
	}
	p.eventMu.Lock()
	defer p.eventMu.Unlock()
	p.mu.Lock()
	p.temps.Append(sample)
	p.latestTemp = sample
	p.haveTemp = true
	p.mu.Unlock()
	p.monitor.AddTemperature(sample)
}

func (p *Printer) OnStateChange(newState state.ConnState) {
	p.mu.Lock()
	oldState := p.st
	filename := p.filename
	timelapse := p.timelapse
	p.mu.Unlock()

	if timelapse != nil {
		if oldState == state.Printing && newState != state.Paused {
			timelapse.OnPrintStopped()
		} else if newState == state.Printing && oldState != state.Paused {
			timelapse.OnPrintStarted(filename)
		}
	}

	if p.store != nil {
		if oldState == state.Printing {
			switch newState {
			case state.Operational:
				p.store.PrintSucceeded(filename)
			case state.Closed, state.Error, state.ClosedWithError:
				p.store.PrintFailed(filename)
			}
			p.store.ResumeAnalysis()
		} else if newState == state.Printing {
			p.store.PauseAnalysis()
		}
	}

	p.mu.Lock()
	p.st = newState
	p.mu.Unlock()
	p.pushState()
}

func (p *Printer) OnProgress() {
	comm := p.currentComm()
	if comm == nil {
		return
	}

	p.mu.Lock()
	sdPrinting := p.sdPrinting
	lines := len(p.gcodeList)
	p.mu.Unlock()

	var progress state.Progress
	completion := 0.0
	if sdPrinting {
		pos, size := comm.SdProgress()
		if size > 0 {
			completion = float64(pos) / float64(size)
		}
	} else {
		line := comm.PrintPos()
		if lines > 0 {
			completion = float64(line) / float64(lines)
		}
		progress.CurrentLine = &line
	}
	progress.Completion = &completion
	printTime := comm.PrintTime()
	printTimeLeft := comm.PrintTimeRemaining()
	progress.PrintTime = &printTime
	progress.PrintTimeLeft = &printTimeLeft

	p.setProgressData(progress)
}

func (p *Printer) OnZChange(newZ float64) {
	p.mu.Lock()
	oldZ := p.currentZ
	timelapse := p.timelapse
	p.mu.Unlock()

	if timelapse != nil {
		timelapse.OnZChange(oldZ, newZ)
	}

	z := newZ
	p.setCurrentZ(&z)
}

func (p *Printer) OnSdStateChange(ready bool) {
	p.pushState()
}

func (p *Printer) OnSdFiles(files []string) {
	p.registry.Each(func(o monitor.Observer) { o.SendUpdateTrigger("gcodeFiles") })
}

func (p *Printer) OnSdFileSelected(filename string, size int64) {
	p.mu.Lock()
	p.sdFile = filename
	printAfterSelect := p.sdPrintAfterSelect
	p.mu.Unlock()

	p.setJobData(filename, nil)
	p.pushState()

	if printAfterSelect {
		p.StartPrint()
	}
}

func (p *Printer) OnSdPrintingDone() {
	p.mu.Lock()
	p.sdPrinting = false
	p.mu.Unlock()

	completion := 1.0
	progress := state.Progress{Completion: &completion}
	if comm := p.currentComm(); comm != nil {
		printTime := comm.PrintTime()
		printTimeLeft := comm.PrintTimeRemaining()
		progress.PrintTime = &printTime
		progress.PrintTimeLeft = &printTimeLeft
	}
	p.setProgressData(progress)
	p.pushState()
}

//
// loader callbacks
//

func (p *Printer) onGcodeLoadingProgress(filename string, progress float64, mode string) {
	p.monitor.SetGcodeData(&state.FileProgress{
		Filename: filepath.Base(filename),
		Progress: progress,
		Mode:     mode,
	})
}

func (p *Printer) onGcodeLoaded(filename string, commands []gcode.Command, err error) {
	if err != nil {
		filename = ""
		commands = nil
	}

	p.setJobData(filename, commands)
	p.setCurrentZ(nil)
	p.setProgressData(state.Progress{})

	p.mu.Lock()
	p.loader = nil
	p.mu.Unlock()

	p.monitor.SetGcodeData(nil)
	p.pushState()
}

func (p *Printer) onGcodeLoadedToPrint(filename string, commands []gcode.Command, err error) {
	p.onGcodeLoaded(filename, commands, err)
	if err == nil {
		p.StartPrint()
	}
}

//
// sd streamer callbacks
//

func (p *Printer) onSdStreamProgress(filename string, progress float64) {
	p.monitor.SetSdUploadData(&state.FileProgress{Filename: filename, Progress: progress})
}

func (p *Printer) onSdStreamFinish(filename string) {
	p.setCurrentZ(nil)
	p.setProgressData(state.Progress{})

	p.mu.Lock()
	p.streamer = nil
	p.mu.Unlock()

	p.monitor.SetSdUploadData(nil)
	p.pushState()
}

//
// internal helpers
//

func (p *Printer) currentComm() Communicator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.comm
}

func (p *Printer) setCurrentZ(z *float64) {
	p.mu.Lock()
	p.currentZ = z
	p.mu.Unlock()
	p.monitor.SetCurrentZ(z)
}

func (p *Printer) setProgressData(progress state.Progress) {
	p.monitor.SetProgress(progress)
}

func (p *Printer) setJobData(filename string, commands []gcode.Command) {
	p.mu.Lock()
	p.filename = filename
	p.gcodeList = commands
	p.mu.Unlock()

	var info state.JobInfo
	if filename != "" {
		info.Filename = filepath.Base(filename)
		if p.store != nil {
			if md := p.store.Metadata(filename); md != nil {
				info.EstimatedPrintTime = md.EstimatedPrintTime
				info.Filament = md.Filament
			}
		}
	}
	if commands != nil {
		lines := len(commands)
		info.Lines = &lines
	}
	p.monitor.SetJobData(info)
}

// pushState recomputes the derived flags and schedules a broadcast. The
// communicator queries happen outside the printer lock.
func (p *Printer) pushState() {
	p.mu.Lock()
	st := p.st
	comm := p.comm
	loading := p.loader != nil || p.streamer != nil
	hasJob := len(p.gcodeList) > 0 || p.sdFile != ""
	p.mu.Unlock()

	stateString := "Offline"
	flags := state.Flags{ClosedOrError: true}
	if comm != nil {
		stateString = comm.StateString()
		flags = state.Flags{
			Operational:   comm.IsOperational(),
			Printing:      comm.IsPrinting(),
			ClosedOrError: comm.IsClosedOrError(),
			Error:         comm.IsError(),
			Paused:        comm.IsPaused(),
			SdReady:       comm.IsSdReady(),
		}
	}
	flags.Loading = loading
	flags.Ready = !loading && hasJob

	p.monitor.SetState(st, stateString, flags)
}
