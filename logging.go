package http2

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
)

// colorLogger is the default fasthttp.Logger used when ServerConfig.Logger
// is left unset. It tints each line by rough severity so a terminal watching
// several connections' -debug output can pick out GOAWAY/RST_STREAM/panic
// lines from routine stream bookkeeping at a glance.
type colorLogger struct {
	l     *log.Logger
	err   *color.Color
	warn  *color.Color
	trace *color.Color
}

func newColorLogger() *colorLogger {
	return &colorLogger{
		l:     log.New(os.Stdout, "", log.LstdFlags),
		err:   color.New(color.FgRed, color.Bold),
		warn:  color.New(color.FgYellow),
		trace: color.New(color.Faint),
	}
}

// Printf implements fasthttp.Logger.
func (cl *colorLogger) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	c := cl.trace
	switch {
	case strings.Contains(msg, "panicked"), strings.Contains(msg, "ERROR"):
		c = cl.err
	case strings.Contains(msg, "GoAway"), strings.Contains(msg, "Reset("), strings.Contains(msg, "timed out"):
		c = cl.warn
	}

	cl.l.Print(c.Sprint("[HTTP/2] "), msg)
}

var logger = newColorLogger()
