// Package gcode loads G-code files into ordered command lists in the
// background, reporting byte-based progress while it streams.
package gcode

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// ResetLineCounter is always emitted as the first command of a loaded job so
// the firmware's line counter starts from zero.
const ResetLineCounter = "M110 N0"

// typeMarker introduces a segment label in slicer output, e.g. ";TYPE:FILL".
const typeMarker = ";TYPE:"

// Progress phases.
const (
	ModeLoading = "loading"
	ModeParsing = "parsing"
)

// Command is one line of a loaded job. Tag carries the segment label on the
// first command after the label changed; it is empty otherwise.
type Command struct {
	Text string
	Tag  string
}

// CleanLine strips the comment part and surrounding whitespace. It returns
// the empty string for lines that carry no command.
func CleanLine(line string) string {
	if i := strings.Index(line, ";"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

type ProgressFunc func(filename string, progress float64, mode string)

// LoadedFunc receives the full command list, or a nil list and the error
// that interrupted the load.
type LoadedFunc func(filename string, commands []Command, err error)

// Loader parses one file on its own goroutine. Create one per load; Start
// may be called once.
type Loader struct {
	filename string
	progress ProgressFunc
	loaded   LoadedFunc
	log      hclog.Logger
}

func NewLoader(filename string, progress ProgressFunc, loaded LoadedFunc, log hclog.Logger) *Loader {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Loader{
		filename: filename,
		progress: progress,
		loaded:   loaded,
		log:      log,
	}
}

func (l *Loader) Start() {
	go l.run()
}

func (l *Loader) run() {
	commands, err := l.parse()
	if err != nil {
		l.log.Error("gcode load failed", "file", l.filename, "error", err)
		l.loaded(l.filename, nil, err)
		return
	}
	l.loaded(l.filename, commands, nil)
}

func (l *Loader) parse() ([]Command, error) {
	info, err := os.Stat(l.filename)
	if err != nil {
		return nil, err
	}
	size := info.Size()

	f, err := os.Open(l.filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	commands := []Command{{Text: ResetLineCounter}}
	prevType := "CUSTOM"
	lineType := "CUSTOM"
	consumed := int64(0)

	r := bufio.NewReader(f)
	for {
		raw, readErr := r.ReadString('\n')
		consumed += int64(len(raw))

		if len(raw) > 0 {
			if strings.HasPrefix(raw, typeMarker) {
				lineType = strings.TrimSpace(raw[len(typeMarker):])
			}
			if line := CleanLine(raw); line != "" {
				if prevType != lineType {
					commands = append(commands, Command{Text: line, Tag: lineType})
				} else {
					commands = append(commands, Command{Text: line})
				}
				prevType = lineType
			}
			if size > 0 {
				l.progress(l.filename, float64(consumed)/float64(size), ModeLoading)
			}
		}

		if readErr == io.EOF {
			return commands, nil
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}
