// Package logging hands out one prefixed gommon logger per component.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/labstack/gommon/log"
)

const header = `${time_rfc3339} ${level} ${prefix}`

var (
	mu      sync.Mutex
	level             = log.INFO
	output  io.Writer = os.Stderr
	loggers           = make(map[string]*log.Logger)
)

// ParseLevel maps a config string to a gommon level. Unknown names yield INFO.
func ParseLevel(name string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off", "none":
		return log.OFF
	default:
		return log.INFO
	}
}

// Configure sets level and output for every logger, including ones already handed out.
func Configure(levelName string, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	level = ParseLevel(levelName)
	if w != nil {
		output = w
	}
	for _, l := range loggers {
		l.SetLevel(level)
		l.SetOutput(output)
	}
}

// For returns the logger for a component, creating it on first use.
func For(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[component]; ok {
		return l
	}
	l := log.New(component)
	l.SetHeader(header)
	l.SetLevel(level)
	l.SetOutput(output)
	loggers[component] = l
	return l
}
