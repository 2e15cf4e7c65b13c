/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
	FATAL    Level = 6
)

const (
	DefaultID = `tma@1`

	maxAppname  = 48
	maxHostname = 255
)

var (
	ErrNotOpen      = errors.New("Logger is not open")
	ErrInvalidLevel = errors.New("Log level is invalid")
)

type Level int

type Logger struct {
	wtr      io.WriteCloser
	mtx      sync.Mutex
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// NewFile creates a new logger writing to the named file, the file is
// created if it does not exist and opened in append mode.
func NewFile(f string) (*Logger, error) {
	fout, err := os.OpenFile(f, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

// New creates a new logger with the given writer at log level INFO
func New(wtr io.WriteCloser) (l *Logger) {
	l = &Logger{
		wtr: wtr,
		lvl: INFO,
		hot: true,
	}
	l.guessHostnameAppname()
	return
}

// NewDiscard hands back a logger that throws everything away, it is the
// default for library consumers that do not wire logging.
func NewDiscard() *Logger {
	var dc discardCloser
	return New(dc)
}

func NewStderr() *Logger {
	return New(os.Stderr)
}

func (l *Logger) guessHostnameAppname() {
	if hn, err := os.Hostname(); err == nil {
		if len(hn) > maxHostname {
			hn = hn[0:maxHostname]
		}
		l.hostname = hn
	}
	if args := os.Args; len(args) > 0 {
		exe := filepath.Base(args[0])
		if ext := filepath.Ext(exe); len(ext) > 0 && len(ext) < len(exe) {
			exe = strings.TrimSuffix(exe, ext)
		}
		if len(exe) > maxAppname {
			exe = exe[0:maxAppname]
		}
		l.appname = exe
	}
}

// SetAppname overrides the appname derived from the binary name
func (l *Logger) SetAppname(v string) {
	l.mtx.Lock()
	l.appname = v
	l.mtx.Unlock()
}

// SetLevel sets the log filter level, anything below the level is dropped
func (l *Logger) SetLevel(v Level) error {
	if !v.valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = v
	l.mtx.Unlock()
	return nil
}

func (l *Logger) Level() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

// Close closes the logger and the underlying writer
func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	return l.wtr.Close()
}

// Debug writes a DEBUG level log to the underlying writer,
// if the logging level is higher than DEBUG no action is taken
func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.output(DEBUG, msg, sds...)
}

// Info writes an INFO level log to the underlying writer
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.output(INFO, msg, sds...)
}

// Warn writes a WARN level log to the underlying writer
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.output(WARN, msg, sds...)
}

// Error writes an ERROR level log to the underlying writer
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.output(ERROR, msg, sds...)
}

// Critical writes a CRITICAL level log to the underlying writer
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.output(CRITICAL, msg, sds...)
}

// Fatal writes a FATAL level log and exits
func (l *Logger) Fatal(msg string, sds ...rfc5424.SDParam) {
	l.output(FATAL, msg, sds...)
	os.Exit(-1)
}

// KV is a convenience wrapper for building structured data parameters
func KV(name string, value interface{}) rfc5424.SDParam {
	return rfc5424.SDParam{
		Name:  name,
		Value: fmt.Sprintf("%v", value),
	}
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	if l.lvl == OFF || lvl < l.lvl {
		return nil
	}
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now().UTC(),
		Hostname:  l.hostname,
		AppName:   l.appname,
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         DefaultID,
			Parameters: sds,
		}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err = l.wtr.Write(b); err != nil {
		return err
	}
	_, err = io.WriteString(l.wtr, "\n")
	return err
}

func (l Level) valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

// LevelFromString parses a textual log level, it is case insensitive
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case `OFF`, ``:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`:
		return INFO, nil
	case `WARN`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Info
}

type discardCloser bool

func (dc discardCloser) Write(b []byte) (int, error) {
	return len(b), nil
}

func (dc discardCloser) Close() error {
	return nil
}
