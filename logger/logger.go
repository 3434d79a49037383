// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2014-2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */
package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/snapcore/modemd/osutil"
)

// Logger is where Noticef and Debugf end up.
type Logger interface {
	// Notice is for port arbitration outcomes and daemon lifecycle.
	Notice(msg string)
	// Debug is for per-step arbitration detail.
	Debug(msg string)
}

// DefaultFlags are used when modemd logs to a terminal.
const DefaultFlags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

type nullLogger struct{}

func (nullLogger) Notice(string) {}
func (nullLogger) Debug(string)  {}

// NullLogger drops everything.
var NullLogger Logger = nullLogger{}

var (
	logger Logger = NullLogger
	lock   sync.Mutex
)

func output(notice bool, format string, v []interface{}) {
	msg := fmt.Sprintf(format, v...)

	lock.Lock()
	defer lock.Unlock()
	if notice {
		logger.Notice(msg)
	} else {
		logger.Debug(msg)
	}
}

// Noticef logs a notice.
func Noticef(format string, v ...interface{}) {
	output(true, format, v)
}

// Debugf logs when debugging is enabled with --debug or MODEMD_DEBUG.
func Debugf(format string, v ...interface{}) {
	output(false, format, v)
}

// SetLogger sets the global logger.
func SetLogger(l Logger) {
	lock.Lock()
	defer lock.Unlock()
	logger = l
}

// MockLogger makes the global logger write to the returned buffer until
// restore is called.
func MockLogger() (buf *bytes.Buffer, restore func()) {
	return mock(false)
}

// MockDebugLogger is MockLogger with debug messages always on.
func MockDebugLogger() (buf *bytes.Buffer, restore func()) {
	return mock(true)
}

func mock(debug bool) (*bytes.Buffer, func()) {
	buf := &bytes.Buffer{}
	old := logger
	SetLogger(&Log{log: log.New(buf, "", DefaultFlags), debug: debug})
	return buf, func() { SetLogger(old) }
}

// Log writes through a log.Logger.
type Log struct {
	log   *log.Logger
	debug bool
}

// calldepth of the Noticef/Debugf caller as seen from Log.
const calldepth = 4

// Notice writes msg unconditionally.
func (l *Log) Notice(msg string) {
	l.log.Output(calldepth, msg)
}

// Debug writes msg with a DEBUG prefix if debugging is enabled.
func (l *Log) Debug(msg string) {
	if l.debug || osutil.GetenvBool("MODEMD_DEBUG") {
		l.log.Output(calldepth, "DEBUG: "+msg)
	}
}

// New returns a Logger writing to w with the given log flags.
func New(w io.Writer, flag int) (Logger, error) {
	return &Log{log: log.New(w, "", flag)}, nil
}

// outputFlags drops timestamps when stderr goes to the journal, which
// stamps lines itself.
func outputFlags() int {
	if os.Getenv("JOURNAL_STREAM") != "" {
		return log.Lshortfile
	}
	return DefaultFlags
}

// SimpleSetup logs to stderr.
func SimpleSetup() error {
	l, err := New(os.Stderr, outputFlags())
	if err == nil {
		SetLogger(l)
	}
	return err
}

// EnableDebug turns debug messages on for the current logger.
func EnableDebug() {
	lock.Lock()
	defer lock.Unlock()

	if l, ok := logger.(*Log); ok {
		l.debug = true
	}
}
