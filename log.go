//  Copyright (c) 2014 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the
//  License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing,
//  software distributed under the License is distributed on an "AS
//  IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
//  express or implied. See the License for the specific language
//  governing permissions and limitations under the License.

package dcpstream

import (
	"io"
	"log"
)

// Log is the narrow logging interface the logging components (Client,
// Channel, Conductor) accept at construction time instead of reaching
// for a package-level logger; Stream and the ClusterMap Arbiter do
// no logging. Production
// code wires a structured logger through this interface; tests can
// inject a recording implementation.
type Log interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Error(err error) error
	Errorf(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
}

// StdLibLog adapts the standard library's *log.Logger to Log.
type StdLibLog log.Logger

func NewStdLibLog(out io.Writer, prefix string, flag int) *StdLibLog {
	l := log.New(out, prefix, flag)
	sll := StdLibLog(*l)
	return &sll
}

func (s *StdLibLog) Print(args ...interface{}) {
	(*log.Logger)(s).Print(args...)
}

func (s *StdLibLog) Printf(format string, args ...interface{}) {
	(*log.Logger)(s).Printf(format, args...)
}

func (s *StdLibLog) Error(err error) error {
	(*log.Logger)(s).Print(err)
	return err
}

func (s *StdLibLog) Errorf(format string, args ...interface{}) {
	(*log.Logger)(s).Printf(format, args...)
}

func (s *StdLibLog) Warn(args ...interface{}) {
	(*log.Logger)(s).Print(args...)
}

func (s *StdLibLog) Warnf(format string, args ...interface{}) {
	(*log.Logger)(s).Printf(format, args...)
}

func (s *StdLibLog) Debug(args ...interface{}) {
	(*log.Logger)(s).Print(args...)
}

func (s *StdLibLog) Debugf(format string, args ...interface{}) {
	(*log.Logger)(s).Printf(format, args...)
}

func (s *StdLibLog) Trace(args ...interface{}) {
	(*log.Logger)(s).Print(args...)
}

func (s *StdLibLog) Tracef(format string, args ...interface{}) {
	(*log.Logger)(s).Printf(format, args...)
}

// nopLog discards everything. It is the default Log for components
// constructed without an explicit logger, so internal code never has
// to nil-check its logger before using it.
type nopLog struct{}

// NopLog is a Log that discards all output.
var NopLog Log = nopLog{}

func (nopLog) Print(args ...interface{})                 {}
func (nopLog) Printf(format string, args ...interface{}) {}
func (nopLog) Error(err error) error                      { return err }
func (nopLog) Errorf(format string, args ...interface{}) {}
func (nopLog) Warn(args ...interface{})                  {}
func (nopLog) Warnf(format string, args ...interface{})  {}
func (nopLog) Debug(args ...interface{})                 {}
func (nopLog) Debugf(format string, args ...interface{}) {}
func (nopLog) Trace(args ...interface{})                 {}
func (nopLog) Tracef(format string, args ...interface{}) {}
