// Package logging configures the process-wide phuslu/log logger.
package logging

import (
	"os"

	"github.com/phuslu/log"
)

// Setup replaces log.DefaultLogger. format is "console" for human output,
// anything else writes JSON lines to stderr.
func Setup(level, format, component string) {
	var w log.Writer
	if format == "console" {
		w = &log.ConsoleWriter{ColorOutput: isTerminal(), QuoteString: true, EndWithMessage: true}
	} else {
		w = &log.IOWriter{Writer: os.Stderr}
	}
	log.DefaultLogger = log.Logger{
		Level:      log.ParseLevel(level),
		Caller:     0,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Writer:     w,
	}
	if component != "" {
		log.DefaultLogger.Context = log.NewContext(nil).Str("component", component).Value()
	}
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
