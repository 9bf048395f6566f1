package printer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"printhost/gcode"
	"printhost/state"
)

// fakeComm records every call the printer makes.
type fakeComm struct {
	mu sync.Mutex

	operational   bool
	printing      bool
	paused        bool
	errorFlag     bool
	closedOrError bool
	sdReady       bool
	busy          bool

	sent          []string
	printedGcode  [][]gcode.Command
	printSdCalls  int
	cancelCalls   int
	pauseSet      []bool
	feedrates     map[string]float64
	selected      []string
	deleted       []string
	startTransfer []string
	endTransfer   []string
	closed        bool

	sdPos, sdSize int64
	printPos      int
}

func newFakeComm() *fakeComm {
	return &fakeComm{feedrates: make(map[string]float64)}
}

func (f *fakeComm) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeComm) SendCommand(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, line)
}

func (f *fakeComm) IsOperational() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.operational }

func (f *fakeComm) IsPrinting() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.printing }

func (f *fakeComm) IsPaused() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.paused }

func (f *fakeComm) IsError() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.errorFlag }
func (f *fakeComm) IsClosedOrError() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedOrError
}
func (f *fakeComm) IsSdReady() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.sdReady }

func (f *fakeComm) IsBusy() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.busy }

func (f *fakeComm) PrintGcode(commands []gcode.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.printedGcode = append(f.printedGcode, commands)
}

func (f *fakeComm) PrintSdFile() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.printSdCalls++
}

func (f *fakeComm) SetPause(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseSet = append(f.pauseSet, paused)
}

func (f *fakeComm) CancelPrint() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
}

func (f *fakeComm) SdProgress() (int64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sdPos, f.sdSize
}

func (f *fakeComm) PrintPos() int { f.mu.Lock(); defer f.mu.Unlock(); return f.printPos }

func (f *fakeComm) PrintTime() time.Duration { return 90 * time.Second }

func (f *fakeComm) PrintTimeRemaining() time.Duration { return 30 * time.Minute }

func (f *fakeComm) SetFeedrateModifier(structure string, factor float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedrates[structure] = factor
}

func (f *fakeComm) FeedrateModifiers() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.feedrates))
	for k, v := range f.feedrates {
		out[k] = v
	}
	return out
}

func (f *fakeComm) SdFiles() []string { return []string{"A.GCO", "B.GCO"} }

func (f *fakeComm) SelectSdFile(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, filename)
}

func (f *fakeComm) DeleteSdFile(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, filename)
}

func (f *fakeComm) InitSdCard() {}

func (f *fakeComm) ReleaseSdCard() {}

func (f *fakeComm) RefreshSdFiles() {}

func (f *fakeComm) StartSdFileTransfer(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startTransfer = append(f.startTransfer, filename)
}

func (f *fakeComm) EndSdFileTransfer(filename string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endTransfer = append(f.endTransfer, filename)
}

func (f *fakeComm) StateString() string { return "Operational" }

func (f *fakeComm) setOperational(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operational = v
}

func (f *fakeComm) setPrinting(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.printing = v
}

func (f *fakeComm) setPrintPos(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.printPos = n
}

func (f *fakeComm) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeComm) gcodePrints() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.printedGcode)
}

// fakeStore records job reports.
type fakeStore struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
	paused    int
	resumed   int
}

func (s *fakeStore) Metadata(filename string) *Metadata {
	est := 45 * time.Minute
	return &Metadata{EstimatedPrintTime: &est}
}

func (s *fakeStore) PrintSucceeded(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded = append(s.succeeded, filename)
}

func (s *fakeStore) PrintFailed(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, filename)
}

func (s *fakeStore) PauseAnalysis() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused++
}

func (s *fakeStore) ResumeAnalysis() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed++
}

// fakeTimelapse records capture notifications.
type fakeTimelapse struct {
	mu      sync.Mutex
	started []string
	stopped int
	zmoves  []float64
}

func (t *fakeTimelapse) OnPrintStarted(filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = append(t.started, filename)
}

func (t *fakeTimelapse) OnPrintStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
}

func (t *fakeTimelapse) OnZChange(oldZ *float64, newZ float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zmoves = append(t.zmoves, newZ)
}

type fixture struct {
	printer   *Printer
	comm      *fakeComm
	store     *fakeStore
	timelapse *fakeTimelapse
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	fx := &fixture{
		comm:      newFakeComm(),
		store:     &fakeStore{},
		timelapse: &fakeTimelapse{},
	}
	fx.printer = New(Options{
		Store:     fx.store,
		Timelapse: fx.timelapse,
		CommFactory: func(port string, baud int, sink EventSink) Communicator {
			return fx.comm
		},
		SdSendDelay: time.Microsecond,
	})
	t.Cleanup(fx.printer.Stop)
	if connect {
		fx.printer.Connect("", 0)
	}
	return fx
}

func writeGcode(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.gcode")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitReady(t *testing.T, p *Printer) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.IsReady() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job never became ready")
}

func TestStartPrintNoopWithoutComm(t *testing.T) {
	fx := newFixture(t, false)
	fx.printer.StartPrint()
	if fx.comm.gcodePrints() != 0 || fx.comm.printSdCalls != 0 {
		t.Error("StartPrint without a connection must not touch the communicator")
	}
}

func TestStartPrintNoopWhenNotOperational(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.LoadJob(writeGcode(t, "G28\nG1 X1\n"), false)
	waitReady(t, fx.printer)

	fx.printer.StartPrint()
	if fx.comm.gcodePrints() != 0 {
		t.Error("StartPrint must be a no-op while not operational")
	}
}

func TestStartPrintNoopWithoutJob(t *testing.T) {
	fx := newFixture(t, true)
	fx.comm.setOperational(true)

	fx.printer.StartPrint()
	if fx.comm.gcodePrints() != 0 || fx.comm.printSdCalls != 0 {
		t.Error("StartPrint must be a no-op without a loaded job or selected SD file")
	}
}

func TestStartPrintNoopWhileAlreadyPrinting(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.LoadJob(writeGcode(t, "G28\n"), false)
	waitReady(t, fx.printer)
	fx.comm.setOperational(true)
	fx.comm.setPrinting(true)

	fx.printer.StartPrint()
	if fx.comm.gcodePrints() != 0 {
		t.Error("StartPrint must be a no-op while a print is running")
	}
}

func TestStartPrintLocalJob(t *testing.T) {
	fx := newFixture(t, true)
	fx.comm.setOperational(true)
	fx.printer.LoadJob(writeGcode(t, "G28\nG1 X1 ; move\n"), false)
	waitReady(t, fx.printer)

	fx.printer.StartPrint()
	if fx.comm.gcodePrints() != 1 {
		t.Fatalf("expected one local print, got %d", fx.comm.gcodePrints())
	}
	commands := fx.comm.printedGcode[0]
	if commands[0].Text != gcode.ResetLineCounter {
		t.Errorf("job should start with the line counter reset, got %q", commands[0].Text)
	}
}

func TestLoadJobRefusedWhilePrinting(t *testing.T) {
	fx := newFixture(t, true)
	fx.comm.setPrinting(true)

	fx.printer.LoadJob(writeGcode(t, "G28\n"), false)
	if fx.printer.IsLoading() {
		t.Error("LoadJob must not start a loader while printing")
	}
}

func TestLoadJobRefusedWhileLoaderActive(t *testing.T) {
	fx := newFixture(t, true)

	// Simulate an in-flight loader.
	inflight := gcode.NewLoader("other.gcode", nil, nil, nil)
	fx.printer.mu.Lock()
	fx.printer.loader = inflight
	fx.printer.filename = "other.gcode"
	fx.printer.mu.Unlock()

	fx.printer.LoadJob(writeGcode(t, "G28\n"), false)

	fx.printer.mu.Lock()
	defer fx.printer.mu.Unlock()
	if fx.printer.loader != inflight {
		t.Error("a second LoadJob must not replace the in-flight loader")
	}
	if fx.printer.filename != "other.gcode" {
		t.Error("a refused LoadJob must not alter the in-flight target")
	}
}

func TestLoadJobWithAutoStart(t *testing.T) {
	fx := newFixture(t, true)
	fx.comm.setOperational(true)

	fx.printer.LoadJob(writeGcode(t, "G28\nG1 X5\n"), true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && fx.comm.gcodePrints() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if fx.comm.gcodePrints() != 1 {
		t.Fatal("autoStart load should chain into StartPrint")
	}
}

func TestLoadJobClearsSelectedSdFile(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.OnSdFileSelected("MODEL.GCO", 1000)

	fx.printer.LoadJob(writeGcode(t, "G28\n"), false)
	waitReady(t, fx.printer)

	fx.printer.mu.Lock()
	defer fx.printer.mu.Unlock()
	if fx.printer.sdFile != "" {
		t.Error("loading a local job must clear the selected SD file")
	}
}

func TestCancelSdPrint(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.mu.Lock()
	fx.printer.sdPrinting = true
	fx.printer.sdFile = "MODEL.GCO"
	fx.printer.filename = "MODEL.GCO"
	fx.printer.mu.Unlock()

	fx.printer.CancelPrint(true)

	if fx.comm.cancelCalls != 1 {
		t.Errorf("expected one cancel, got %d", fx.comm.cancelCalls)
	}
	sent := fx.comm.sentLines()
	if len(sent) != 1 || sent[0] != disableCommand {
		t.Errorf("expected %q to be sent, got %v", disableCommand, sent)
	}

	fx.printer.mu.Lock()
	sdPrinting := fx.printer.sdPrinting
	fx.printer.mu.Unlock()
	if sdPrinting {
		t.Error("cancel must clear the SD-printing flag")
	}

	data := fx.printer.CurrentData()
	if data.Progress.Completion != nil || data.Progress.PrintTime != nil || data.CurrentZ != nil {
		t.Error("cancel must reset progress and current Z")
	}

	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.failed) != 1 || fx.store.failed[0] != "MODEL.GCO" {
		t.Errorf("expected exactly one failure report for MODEL.GCO, got %v", fx.store.failed)
	}
}

func TestCancelPrintWithoutDisable(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.CancelPrint(false)
	if len(fx.comm.sentLines()) != 0 {
		t.Error("cancel without disable must not send commands")
	}
}

func TestStateChangeNotifications(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.mu.Lock()
	fx.printer.filename = "part.gcode"
	fx.printer.mu.Unlock()

	fx.printer.OnStateChange(state.Printing)
	fx.timelapse.mu.Lock()
	if len(fx.timelapse.started) != 1 || fx.timelapse.started[0] != "part.gcode" {
		t.Errorf("capture should start with the job name, got %v", fx.timelapse.started)
	}
	fx.timelapse.mu.Unlock()
	fx.store.mu.Lock()
	if fx.store.paused != 1 {
		t.Errorf("analysis should pause when printing starts, got %d", fx.store.paused)
	}
	fx.store.mu.Unlock()

	fx.printer.OnStateChange(state.Operational)
	fx.timelapse.mu.Lock()
	if fx.timelapse.stopped != 1 {
		t.Errorf("capture should stop when printing ends, got %d", fx.timelapse.stopped)
	}
	fx.timelapse.mu.Unlock()
	fx.store.mu.Lock()
	if len(fx.store.succeeded) != 1 || fx.store.succeeded[0] != "part.gcode" {
		t.Errorf("expected a success report, got %v", fx.store.succeeded)
	}
	if fx.store.resumed != 1 {
		t.Errorf("analysis should resume when printing ends, got %d", fx.store.resumed)
	}
	fx.store.mu.Unlock()
}

func TestStateChangePrintingToPausedKeepsCapture(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.OnStateChange(state.Printing)
	fx.printer.OnStateChange(state.Paused)

	fx.timelapse.mu.Lock()
	defer fx.timelapse.mu.Unlock()
	if fx.timelapse.stopped != 0 {
		t.Error("pausing must not stop the capture")
	}
}

func TestStateChangePrintingToErrorReportsFailure(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.mu.Lock()
	fx.printer.filename = "part.gcode"
	fx.printer.mu.Unlock()

	fx.printer.OnStateChange(state.Printing)
	fx.printer.OnStateChange(state.ClosedWithError)

	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	if len(fx.store.failed) != 1 || fx.store.failed[0] != "part.gcode" {
		t.Errorf("expected a failure report, got %v", fx.store.failed)
	}
}

func TestTemperatureHistoryBounded(t *testing.T) {
	fx := newFixture(t, true)
	for i := 0; i < state.HistoryLimit+1; i++ {
		fx.printer.OnTempUpdate(float64(i), 60, 210, 60)
	}

	h := fx.printer.History()
	if len(h.Temperatures) != state.HistoryLimit {
		t.Fatalf("expected %d samples, got %d", state.HistoryLimit, len(h.Temperatures))
	}
	if h.Temperatures[0].Actual != 1 {
		t.Errorf("oldest sample should have been evicted, first is %v", h.Temperatures[0].Actual)
	}
	if h.Temperatures[len(h.Temperatures)-1].Actual != state.HistoryLimit {
		t.Errorf("newest sample wrong: %v", h.Temperatures[len(h.Temperatures)-1].Actual)
	}
}

func TestSdSelectWithAutoPrint(t *testing.T) {
	fx := newFixture(t, true)
	fx.comm.setOperational(true)

	fx.printer.SelectSdFile("MODEL.GCO", true)
	if len(fx.comm.selected) != 1 || fx.comm.selected[0] != "MODEL.GCO" {
		t.Fatalf("select not forwarded: %v", fx.comm.selected)
	}

	fx.printer.OnSdFileSelected("MODEL.GCO", 4096)
	if fx.comm.printSdCalls != 1 {
		t.Error("confirmed selection with auto-print should start the SD print")
	}

	fx.printer.mu.Lock()
	defer fx.printer.mu.Unlock()
	if !fx.printer.sdPrinting {
		t.Error("SD print flag should be set")
	}
}

func TestSdSelectDefaultsToNoAutoPrint(t *testing.T) {
	fx := newFixture(t, true)
	fx.comm.setOperational(true)

	fx.printer.OnSdFileSelected("MODEL.GCO", 4096)
	if fx.comm.printSdCalls != 0 {
		t.Error("selection must not auto-print unless requested")
	}
}

func TestDeleteSdFileClearsSelection(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.OnSdFileSelected("MODEL.GCO", 4096)

	fx.printer.DeleteSdFile("MODEL.GCO")
	if len(fx.comm.deleted) != 1 {
		t.Fatal("delete not forwarded")
	}

	fx.printer.mu.Lock()
	defer fx.printer.mu.Unlock()
	if fx.printer.sdFile != "" {
		t.Error("deleting the selected file must clear the selection")
	}
}

func TestFeedrateModifierValidation(t *testing.T) {
	fx := newFixture(t, true)

	fx.printer.SetFeedrateModifier("outerWall", 50)
	fx.printer.SetFeedrateModifier("outerWall", -10)
	fx.printer.SetFeedrateModifier("nozzle", 50)

	fx.comm.mu.Lock()
	defer fx.comm.mu.Unlock()
	if len(fx.comm.feedrates) != 1 {
		t.Fatalf("expected exactly one accepted modifier, got %v", fx.comm.feedrates)
	}
	if fx.comm.feedrates["WALL-OUTER"] != 0.5 {
		t.Errorf("percentage should be forwarded as a fraction, got %v", fx.comm.feedrates["WALL-OUTER"])
	}
}

func TestFeedrateState(t *testing.T) {
	fx := newFixture(t, true)
	fx.comm.feedrates["FILL"] = 1.25

	got := fx.printer.FeedrateState()
	if got["fill"] != 125 {
		t.Errorf("expected fill=125, got %d", got["fill"])
	}
	if got["support"] != 100 {
		t.Errorf("unset modifiers default to 100, got %d", got["support"])
	}

	fx.printer.Disconnect()
	if fx.printer.FeedrateState() != nil {
		t.Error("FeedrateState must be nil while disconnected")
	}
}

func TestOnProgressLocalJob(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.LoadJob(writeGcode(t, "G28\nG1 X1\nG1 X2\n"), false)
	waitReady(t, fx.printer)
	fx.comm.setPrintPos(2)

	fx.printer.OnProgress()

	data := fx.printer.CurrentData()
	if data.Progress.Completion == nil || data.Progress.CurrentLine == nil {
		t.Fatal("local progress should carry completion and current line")
	}
	if *data.Progress.CurrentLine != 2 {
		t.Errorf("current line: expected 2, got %d", *data.Progress.CurrentLine)
	}
	// 4 commands: reset plus three moves.
	if want := 0.5; *data.Progress.Completion != want {
		t.Errorf("completion: expected %v, got %v", want, *data.Progress.Completion)
	}
	if *data.Progress.PrintTime != 90*time.Second {
		t.Errorf("unexpected print time %v", *data.Progress.PrintTime)
	}
}

func TestOnProgressSdPrint(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.mu.Lock()
	fx.printer.sdPrinting = true
	fx.printer.mu.Unlock()
	fx.comm.sdPos = 250
	fx.comm.sdSize = 1000

	fx.printer.OnProgress()

	data := fx.printer.CurrentData()
	if data.Progress.Completion == nil || *data.Progress.Completion != 0.25 {
		t.Fatalf("expected SD completion 0.25, got %v", data.Progress.Completion)
	}
	if data.Progress.CurrentLine != nil {
		t.Error("SD progress must not carry a current line")
	}
}

func TestOnProgressZeroSdSize(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.mu.Lock()
	fx.printer.sdPrinting = true
	fx.printer.mu.Unlock()

	fx.printer.OnProgress()

	data := fx.printer.CurrentData()
	if data.Progress.Completion == nil || *data.Progress.Completion != 0 {
		t.Errorf("zero-size SD print should report 0 completion, got %v", data.Progress.Completion)
	}
}

func TestOnSdPrintingDone(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.mu.Lock()
	fx.printer.sdPrinting = true
	fx.printer.mu.Unlock()

	fx.printer.OnSdPrintingDone()

	fx.printer.mu.Lock()
	sdPrinting := fx.printer.sdPrinting
	fx.printer.mu.Unlock()
	if sdPrinting {
		t.Error("done must clear the SD-printing flag")
	}

	data := fx.printer.CurrentData()
	if data.Progress.Completion == nil || *data.Progress.Completion != 1.0 {
		t.Errorf("done should report completion 1.0, got %v", data.Progress.Completion)
	}
}

func TestOnZChangeNotifiesCaptureWithOldValue(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.OnZChange(0.2)
	fx.printer.OnZChange(0.4)

	fx.timelapse.mu.Lock()
	defer fx.timelapse.mu.Unlock()
	if len(fx.timelapse.zmoves) != 2 || fx.timelapse.zmoves[1] != 0.4 {
		t.Errorf("capture layer notifications wrong: %v", fx.timelapse.zmoves)
	}

	data := fx.printer.CurrentData()
	if data.CurrentZ == nil || *data.CurrentZ != 0.4 {
		t.Errorf("current Z not tracked: %v", data.CurrentZ)
	}
}

// historyObserver records the one-time history payload and dispatched log
// lines.
type historyObserver struct {
	mu        sync.Mutex
	histories []state.History
	triggers  []string
	lines     []string
}

func (h *historyObserver) AddTemperature(state.TempSample) {}

func (h *historyObserver) AddLog(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, line)
}

func (h *historyObserver) AddMessage(string) {}

func (h *historyObserver) SendCurrentData(state.Snapshot) {}

func (h *historyObserver) SendHistoryData(hist state.History) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.histories = append(h.histories, hist)
}

func (h *historyObserver) SendUpdateTrigger(kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.triggers = append(h.triggers, kind)
}

func TestRegisterObserverReceivesHistory(t *testing.T) {
	fx := newFixture(t, true)
	fx.printer.OnLog("send: G28")
	fx.printer.OnMessage("ok")
	fx.printer.OnTempUpdate(205, 58, 210, 60)

	obs := &historyObserver{}
	fx.printer.RegisterObserver(obs)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.histories) != 1 {
		t.Fatalf("expected exactly one history payload, got %d", len(obs.histories))
	}
	h := obs.histories[0]
	if len(h.Log) != 1 || h.Log[0] != "send: G28" {
		t.Errorf("history log missing: %v", h.Log)
	}
	if len(h.Messages) != 1 || h.Messages[0] != "ok" {
		t.Errorf("history messages missing: %v", h.Messages)
	}
	if len(h.Temperatures) != 1 || h.Temperatures[0].Actual != 205 {
		t.Errorf("history temperatures missing: %v", h.Temperatures)
	}
}

func TestOnSdFilesTriggersOneShotNotification(t *testing.T) {
	fx := newFixture(t, true)
	obs := &historyObserver{}
	fx.printer.RegisterObserver(obs)

	fx.printer.OnSdFiles([]string{"A.GCO"})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.triggers) != 1 || obs.triggers[0] != "gcodeFiles" {
		t.Errorf("expected a gcodeFiles trigger, got %v", obs.triggers)
	}
}

func TestLogDispatchMatchesHistoryOrder(t *testing.T) {
	fx := newFixture(t, true)
	obs := &historyObserver{}
	fx.printer.RegisterObserver(obs)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				fx.printer.OnLog(fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	ringOrder := fx.printer.History().Log
	obs.mu.Lock()
	dispatched := append([]string(nil), obs.lines...)
	obs.mu.Unlock()

	if len(dispatched) != len(ringOrder) {
		t.Fatalf("dispatched %d lines, history holds %d", len(dispatched), len(ringOrder))
	}
	for i := range ringOrder {
		if dispatched[i] != ringOrder[i] {
			t.Fatalf("dispatch order diverges from history at %d: %q vs %q",
				i, dispatched[i], ringOrder[i])
		}
	}
}

func TestHistoryConsistentUnderConcurrentAppends(t *testing.T) {
	fx := newFixture(t, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			fx.printer.OnLog(fmt.Sprintf("line-%d", i))
		}
	}()

	prev := 0
	for i := 0; i < 50; i++ {
		h := fx.printer.History()
		if len(h.Log) < prev {
			t.Fatalf("history shrank from %d to %d entries", prev, len(h.Log))
		}
		prev = len(h.Log)
		for j, line := range h.Log {
			if line != fmt.Sprintf("line-%d", j) {
				t.Fatalf("history capture tore at %d: %q", j, line)
			}
		}
	}
	<-done
}

func TestConnectClosesExistingComm(t *testing.T) {
	fx := newFixture(t, true)
	first := fx.comm

	fx.comm = newFakeComm()
	fx.printer.Connect("", 0)

	first.mu.Lock()
	defer first.mu.Unlock()
	if !first.closed {
		t.Error("connecting again must close the previous communicator")
	}
}

func TestStateStringOffline(t *testing.T) {
	fx := newFixture(t, false)
	if got := fx.printer.StateString(); got != "Offline" {
		t.Errorf("expected Offline, got %q", got)
	}
}

func TestSdOperationsNoopWhenDisconnected(t *testing.T) {
	fx := newFixture(t, false)

	if fx.printer.SdFiles() != nil {
		t.Error("SdFiles should be nil while disconnected")
	}
	fx.printer.SelectSdFile("MODEL.GCO", true)
	fx.printer.DeleteSdFile("MODEL.GCO")
	fx.printer.AddSdFile("model.gcode", "/nonexistent")
	fx.printer.InitSdCard()
	fx.printer.ReleaseSdCard()
	fx.printer.RefreshSdFiles()

	if fx.printer.IsLoading() {
		t.Error("no worker may start while disconnected")
	}
}
