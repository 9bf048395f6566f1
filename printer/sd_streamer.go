package printer

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"printhost/gcode"
)

// defaultSdSendDelay paces the line-by-line transfer so the device's input
// buffer is not overrun.
const defaultSdSendDelay = time.Millisecond

// sdNameLimit and sdExtension emulate the short names legacy card firmware
// accepts.
const (
	sdNameLimit = 9
	sdExtension = ".GCO"
)

// SdFilename derives the device-resident name from a local filename:
// uppercased, truncated stem plus the fixed extension.
func SdFilename(local string) string {
	stem := local
	if i := strings.LastIndex(local, "."); i >= 0 {
		stem = local[:i]
	}
	name := strings.ToUpper(stem)
	if len(name) > sdNameLimit {
		name = name[:sdNameLimit]
	}
	return name + sdExtension
}

// SdStreamer uploads one local file to the device's storage on its own
// goroutine, sending it line by line as commands. The finish callback fires
// exactly once regardless of outcome, busy refusal included.
type SdStreamer struct {
	comm     Communicator
	filename string
	path     string
	delay    time.Duration
	progress func(filename string, progress float64)
	finish   func(filename string)
	log      hclog.Logger
}

func NewSdStreamer(comm Communicator, filename, path string, delay time.Duration,
	progress func(string, float64), finish func(string), log hclog.Logger) *SdStreamer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &SdStreamer{
		comm:     comm,
		filename: filename,
		path:     path,
		delay:    delay,
		progress: progress,
		finish:   finish,
		log:      log,
	}
}

func (s *SdStreamer) Start() {
	go s.run()
}

func (s *SdStreamer) run() {
	remote := SdFilename(s.filename)

	if s.comm.IsBusy() {
		s.log.Warn("sd transfer refused, device busy", "file", s.filename)
		s.finish(remote)
		return
	}

	defer func() {
		s.comm.EndSdFileTransfer(remote)
		s.finish(remote)
	}()

	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Error("sd transfer failed", "file", s.path, "error", err)
		return
	}
	size := info.Size()

	f, err := os.Open(s.path)
	if err != nil {
		s.log.Error("sd transfer failed", "file", s.path, "error", err)
		return
	}
	defer f.Close()

	s.comm.StartSdFileTransfer(remote)

	consumed := int64(0)
	r := bufio.NewReader(f)
	for {
		raw, readErr := r.ReadString('\n')
		consumed += int64(len(raw))

		if len(raw) > 0 {
			if line := gcode.CleanLine(raw); line != "" {
				s.comm.SendCommand(line)
				time.Sleep(s.delay) // do not send too fast
			}
			if size > 0 {
				s.progress(remote, float64(consumed)/float64(size))
			}
		}

		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			s.log.Error("sd transfer interrupted", "file", s.path, "error", readErr)
			return
		}
	}
}
