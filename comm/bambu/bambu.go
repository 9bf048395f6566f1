// Package bambu implements the printer.Communicator boundary for Bambu Lab
// devices over their MQTT report/request topics. It is a best effort
// transport: card file management is not exposed by this protocol, so the
// SD maintenance calls degrade to logged no-ops while device-resident
// printing and selection still work.
package bambu

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"printhost/gcode"
	"printhost/printer"
	"printhost/state"
)

// Options carries the device endpoint and credentials.
type Options struct {
	Hostname string
	Serial   string
	Password string
	Logger   hclog.Logger
}

// Comm talks to one device. Create it through New; Close releases the
// connection.
type Comm struct {
	sink   printer.EventSink
	log    hclog.Logger
	serial string
	client mqtt.Client

	mu            sync.Mutex
	seqID         uint64
	st            state.ConnState
	sdReady       bool
	selectedFile  string
	percent       float64
	remaining     time.Duration
	printStarted  time.Time
	linesSent     int
	feedrates     map[string]float64
	sdPrintActive bool
	printCancel   chan struct{}
	printPaused   bool
}

// New dials the device and reports all further state through the sink.
func New(opts Options, sink printer.EventSink) *Comm {
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	c := &Comm{
		sink:      sink,
		log:       log,
		serial:    opts.Serial,
		st:        state.Connecting,
		feedrates: make(map[string]float64),
	}

	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(fmt.Sprintf("tls://%s:8883", opts.Hostname))
	mqttOpts.SetUsername("bblp")
	mqttOpts.SetPassword(opts.Password)
	mqttOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	mqttOpts.SetClientID("printhost-" + opts.Serial + "-" + uuid.NewString()[:8])
	mqttOpts.SetCleanSession(true)

	mqttOpts.OnConnect = func(client mqtt.Client) {
		log.Info("connected", "serial", c.serial)
		client.Subscribe(fmt.Sprintf("device/%s/report", c.serial), 0, c.handleReport)
		c.requestAllStatus()
		c.setState(state.Operational)
		c.mu.Lock()
		c.sdReady = true
		c.mu.Unlock()
		c.sink.OnSdStateChange(true)
	}
	mqttOpts.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Error("connection lost", "error", err)
		c.setState(state.ClosedWithError)
	}

	c.client = mqtt.NewClient(mqttOpts)
	go func() {
		c.sink.OnStateChange(state.Connecting)
		token := c.client.Connect()
		token.Wait()
		if token.Error() != nil {
			log.Error("connect failed", "error", token.Error())
			c.setState(state.Error)
		}
	}()

	return c
}

func (c *Comm) Close() {
	c.cancelStream()
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(1000)
	}
	c.setState(state.Closed)
}

//
// outgoing commands
//

func (c *Comm) SendCommand(line string) {
	c.publish(map[string]any{
		"print": map[string]any{
			"sequence_id": c.nextSeq(),
			"command":     "gcode_line",
			"param":       line + "\n",
		},
	})
	c.sink.OnLog("send: " + line)
}

// PrintGcode streams the loaded job line by line on its own goroutine,
// reporting progress as it goes. The stream parks while paused and exits
// once the print is cancelled.
func (c *Comm) PrintGcode(commands []gcode.Command) {
	cancel := make(chan struct{})
	c.mu.Lock()
	c.linesSent = 0
	c.printStarted = time.Now()
	c.printCancel = cancel
	c.printPaused = false
	c.mu.Unlock()
	c.setState(state.Printing)

	go func() {
		for _, cmd := range commands {
			if !c.streamGate(cancel) {
				return
			}
			c.SendCommand(cmd.Text)
			c.mu.Lock()
			c.linesSent++
			c.mu.Unlock()
			c.sink.OnProgress()
		}
		c.mu.Lock()
		if c.printCancel == cancel {
			c.printCancel = nil
		}
		c.mu.Unlock()
		c.setState(state.Operational)
	}()
}

// streamGate blocks while the stream is paused. It returns false once the
// print is cancelled.
func (c *Comm) streamGate(cancel chan struct{}) bool {
	for {
		select {
		case <-cancel:
			return false
		default:
		}
		c.mu.Lock()
		paused := c.printPaused
		c.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-cancel:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// cancelStream aborts a running local gcode stream, if any.
func (c *Comm) cancelStream() bool {
	c.mu.Lock()
	cancel := c.printCancel
	c.printCancel = nil
	c.printPaused = false
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	close(cancel)
	return true
}

// PrintSdFile starts the file selected on the device. Completion is
// detected from the report stream: the FINISH state after the print ran
// surfaces as OnSdPrintingDone.
func (c *Comm) PrintSdFile() {
	c.mu.Lock()
	file := c.selectedFile
	if file == "" {
		c.mu.Unlock()
		return
	}
	c.printStarted = time.Now()
	c.sdPrintActive = true
	c.mu.Unlock()
	c.publish(map[string]any{
		"print": map[string]any{
			"sequence_id":  c.nextSeq(),
			"command":      "project_file",
			"param":        "Metadata/plate_1.gcode",
			"url":          "file:///sdcard/" + file,
			"subtask_name": file,
		},
	})
}

func (c *Comm) SetPause(paused bool) {
	c.mu.Lock()
	streaming := c.printCancel != nil
	c.printPaused = paused
	c.mu.Unlock()

	command := "resume"
	if paused {
		command = "pause"
	}
	c.publish(map[string]any{
		"print": map[string]any{
			"sequence_id": c.nextSeq(),
			"command":     command,
			"param":       "",
		},
	})

	// Device reports drive the state for SD prints; a host-side stream has
	// no report to wait for.
	if streaming {
		if paused {
			c.setState(state.Paused)
		} else {
			c.setState(state.Printing)
		}
	}
}

func (c *Comm) CancelPrint() {
	cancelled := c.cancelStream()
	c.mu.Lock()
	c.sdPrintActive = false
	c.mu.Unlock()

	c.publish(map[string]any{
		"print": map[string]any{
			"sequence_id": c.nextSeq(),
			"command":     "stop",
			"param":       "",
		},
	})

	if cancelled {
		c.setState(state.Operational)
	}
}

//
// state queries
//

func (c *Comm) IsOperational() bool {
	st := c.currentState()
	return st == state.Operational || st == state.Printing || st == state.Paused
}

func (c *Comm) IsPrinting() bool { return c.currentState() == state.Printing }
func (c *Comm) IsPaused() bool   { return c.currentState() == state.Paused }
func (c *Comm) IsError() bool {
	st := c.currentState()
	return st == state.Error || st == state.ClosedWithError
}

func (c *Comm) IsClosedOrError() bool {
	st := c.currentState()
	return st == state.Closed || st == state.Error || st == state.ClosedWithError
}

func (c *Comm) IsSdReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sdReady
}

func (c *Comm) IsBusy() bool {
	st := c.currentState()
	return st == state.Printing || st == state.Paused
}

func (c *Comm) StateString() string { return c.currentState().String() }

//
// progress queries
//

// SdProgress reports the device's completion percentage against a fixed
// denominator; the protocol never exposes byte counts.
func (c *Comm) SdProgress() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.percent * 10000), 10000
}

func (c *Comm) PrintPos() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linesSent
}

func (c *Comm) PrintTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.printStarted.IsZero() {
		return 0
	}
	return time.Since(c.printStarted)
}

func (c *Comm) PrintTimeRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

//
// feedrate modifiers
//

// Feedrate modifiers are tracked host side; this transport has no
// per-structure speed control.
func (c *Comm) SetFeedrateModifier(structure string, factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedrates[structure] = factor
}

func (c *Comm) FeedrateModifiers() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.feedrates))
	for k, v := range c.feedrates {
		out[k] = v
	}
	return out
}

//
// sd file handling
//

func (c *Comm) SdFiles() []string {
	c.log.Debug("card listing not available over mqtt")
	return nil
}

// SelectSdFile records the choice and confirms it immediately; the device
// does not acknowledge selections on its own.
func (c *Comm) SelectSdFile(filename string) {
	c.mu.Lock()
	c.selectedFile = filename
	c.mu.Unlock()
	c.sink.OnSdFileSelected(filename, 0)
}

func (c *Comm) DeleteSdFile(filename string) {
	c.log.Debug("card delete not available over mqtt", "file", filename)
}

func (c *Comm) InitSdCard() {}

func (c *Comm) ReleaseSdCard() {}

func (c *Comm) RefreshSdFiles() {
	c.sink.OnSdFiles(nil)
}

func (c *Comm) StartSdFileTransfer(filename string) {
	c.log.Debug("card transfer not available over mqtt", "file", filename)
}

func (c *Comm) EndSdFileTransfer(filename string) {}

//
// incoming reports
//

func (c *Comm) handleReport(client mqtt.Client, msg mqtt.Message) {
	var full map[string]any
	if err := json.Unmarshal(msg.Payload(), &full); err != nil {
		return
	}
	report, ok := full["print"].(map[string]any)
	if !ok {
		return
	}

	if gcodeState, ok := report["gcode_state"].(string); ok {
		c.applyGcodeState(gcodeState)
	}

	if nozzle, ok := report["nozzle_temper"].(float64); ok {
		c.sink.OnTempUpdate(
			nozzle,
			getFloat(report["bed_temper"]),
			getFloat(report["nozzle_target_temper"]),
			getFloat(report["bed_target_temper"]),
		)
	}

	progressed := false
	c.mu.Lock()
	if percent, ok := report["mc_percent"].(float64); ok {
		c.percent = percent / 100.0
		progressed = true
	}
	if remaining, ok := report["mc_remaining_time"].(float64); ok {
		c.remaining = time.Duration(remaining) * time.Minute
		progressed = true
	}
	c.mu.Unlock()
	if progressed {
		c.sink.OnProgress()
	}

	if errCode, ok := report["print_error"].(float64); ok && errCode != 0 {
		c.sink.OnMessage(fmt.Sprintf("device error %.0f", errCode))
	}
}

func (c *Comm) applyGcodeState(gcodeState string) {
	var st state.ConnState
	switch gcodeState {
	case "RUNNING", "PREPARE":
		st = state.Printing
	case "PAUSE":
		st = state.Paused
	case "FAILED":
		st = state.Error
	case "IDLE", "FINISH":
		st = state.Operational
	default:
		return
	}

	c.mu.Lock()
	prev := c.st
	if st == state.Printing && prev != state.Printing && prev != state.Paused {
		c.printStarted = time.Now()
	}
	sdDone := false
	if c.sdPrintActive && (prev == state.Printing || prev == state.Paused) &&
		st != state.Printing && st != state.Paused {
		c.sdPrintActive = false
		sdDone = st == state.Operational
	}
	c.mu.Unlock()
	if sdDone {
		c.sink.OnSdPrintingDone()
	}
	c.setState(st)
}

//
// internals
//

func (c *Comm) currentState() state.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *Comm) setState(st state.ConnState) {
	c.mu.Lock()
	if c.st == st {
		c.mu.Unlock()
		return
	}
	c.st = st
	c.mu.Unlock()
	c.sink.OnStateChange(st)
}

func (c *Comm) nextSeq() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqID++
	return fmt.Sprintf("%d", c.seqID)
}

func (c *Comm) publish(payload map[string]any) {
	body, _ := json.Marshal(payload)
	if c.client != nil && c.client.IsConnected() {
		c.client.Publish(fmt.Sprintf("device/%s/request", c.serial), 0, false, body)
	}
}

func (c *Comm) requestAllStatus() {
	c.publish(map[string]any{
		"pushing": map[string]any{
			"sequence_id": c.nextSeq(),
			"command":     "pushall",
		},
	})
}

func getFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
