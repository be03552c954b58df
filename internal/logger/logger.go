// Package logger implements the tagged, leveled logger of §4.9. It
// follows a familiar log15-style shape: colorized terminal
// output via fatih/color, Windows-safe ANSI handling via go-colorable,
// TTY detection via go-isatty, and caller-frame capture via go-stack for
// Debug-level diagnostics only.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log verbosity level. Lower values are more severe except
// Success, which is printed at Info verbosity but colored distinctly.
type Level int32

const (
	Error Level = iota
	Warn
	Success
	Info
	Debug
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "EROR"
	case Success:
		return "OK  "
	default:
		return "????"
	}
}

var levelColor = map[Level]*color.Color{
	Debug:   color.New(color.FgHiBlack),
	Info:    color.New(color.FgWhite),
	Warn:    color.New(color.FgYellow),
	Error:   color.New(color.FgRed, color.Bold),
	Success: color.New(color.FgGreen, color.Bold),
}

// filterLevel is the process-wide level filter: lines more verbose than
// this are dropped. Runtime-settable per §4.9.
var filterLevel int32 = int32(Info)

// SetLevel sets the process-wide verbosity filter.
func SetLevel(l Level) { atomic.StoreInt32(&filterLevel, int32(l)) }

var (
	out      io.Writer = colorable.NewColorableStdout()
	outMu    sync.Mutex
	colorize           = isatty.IsTerminal(os.Stdout.Fd())
)

// SetOutput redirects all logger output, used by tests to capture lines.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
	colorize = false
}

// Logger is a tagged child logger bound to one component, e.g.
// logger.New("acq") produces lines prefixed with [acq].
type Logger struct {
	tag string
}

// New returns a Logger tagged with component.
func New(component string) *Logger {
	return &Logger{tag: component}
}

func (lg *Logger) log(level Level, format string, args ...interface{}) {
	if Level(atomic.LoadInt32(&filterLevel)) < level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	line := fmt.Sprintf("%s [%s] %-4s %s", ts, lg.tag, level, msg)
	if level == Debug {
		line += " (" + callerFrame() + ")"
	}
	outMu.Lock()
	defer outMu.Unlock()
	if colorize {
		if c, ok := levelColor[level]; ok {
			c.Fprintln(out, line)
			return
		}
	}
	fmt.Fprintln(out, line)
}

// callerFrame captures a single caller frame (skipping logger internals)
// for Debug-level lines, grounded on go-stack's CallStack helper.
func callerFrame() string {
	cs := stack.Trace().TrimRuntime()
	if len(cs) < 3 {
		return "?"
	}
	return fmt.Sprintf("%+v", cs[2])
}

func (lg *Logger) Debugf(format string, args ...interface{})   { lg.log(Debug, format, args...) }
func (lg *Logger) Infof(format string, args ...interface{})    { lg.log(Info, format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})    { lg.log(Warn, format, args...) }
func (lg *Logger) Errorf(format string, args ...interface{})   { lg.log(Error, format, args...) }
func (lg *Logger) Successf(format string, args ...interface{}) { lg.log(Success, format, args...) }
