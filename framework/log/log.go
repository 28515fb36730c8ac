/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Mail Append contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package log provides the thin structured-logging wrapper threaded through
// every package in this module that can fail at runtime.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	baseMu   sync.RWMutex
	base     *zap.Logger
	debugAll bool
)

func init() {
	base, _ = zap.NewProduction()
}

// SetBackend replaces the process-wide zap backend. Call once at startup;
// safe to call from tests to swap in a development (console) encoder.
func SetBackend(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

// SetDebug toggles whether Logger.DebugMsg/Debugln actually emit.
func SetDebug(v bool) {
	baseMu.Lock()
	defer baseMu.Unlock()
	debugAll = v
}

// Logger is a named, allocation-light logging handle. A zero-value Logger
// with just Name set is immediately usable; it resolves the shared zap
// backend lazily at each call so tests can swap backends without handing
// loggers around.
type Logger struct {
	Name  string
	Debug bool
}

func (l Logger) zap() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	if l.Name == "" {
		return base
	}
	return base.Named(l.Name)
}

// Msg logs an informational message with structured fields.
func (l Logger) Msg(msg string, fields ...zap.Field) {
	l.zap().Info(msg, fields...)
}

// DebugMsg logs at debug level, gated on l.Debug or the process-wide
// SetDebug(true).
func (l Logger) DebugMsg(msg string, fields ...zap.Field) {
	baseMu.RLock()
	on := debugAll
	baseMu.RUnlock()
	if !l.Debug && !on {
		return
	}
	l.zap().Debug(msg, fields...)
}

// Error logs err with msg at error level. A nil err is a no-op so call
// sites can write `log.Error("commit", err)` unconditionally.
func (l Logger) Error(msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	l.zap().Error(msg, append(fields, zap.Error(err))...)
}

// Println mirrors a printf-style convenience used at call
// sites that predate structured fields.
func (l Logger) Println(args ...interface{}) {
	l.zap().Info(fmt.Sprint(args...))
}

// Debugln is the debug-gated counterpart to Println.
func (l Logger) Debugln(args ...interface{}) {
	baseMu.RLock()
	on := debugAll
	baseMu.RUnlock()
	if !l.Debug && !on {
		return
	}
	l.zap().Debug(fmt.Sprint(args...))
}
