// Copyright 2020 The Crawlqueue Authors
// This file is part of the Crawlqueue library.
//
// The Crawlqueue library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Crawlqueue library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the Crawlqueue library. If not, see <http://www.gnu.org/licenses/>.

// Package log re-exports the go-ethereum logger with crawlqueue defaults,
// so that every package in the tree logs through the same root handler.
package log

import (
	"io"

	l "github.com/ethereum/go-ethereum/log"
)

const (
	LvlCrit  = l.LvlCrit
	LvlError = l.LvlError
	LvlWarn  = l.LvlWarn
	LvlInfo  = l.LvlInfo
	LvlDebug = l.LvlDebug
	LvlTrace = l.LvlTrace
)

type (
	Logger  = l.Logger
	Handler = l.Handler
	Lvl     = l.Lvl
	Record  = l.Record
)

// New returns a child logger of the root with the given context bound.
func New(ctx ...interface{}) Logger {
	return l.New(ctx...)
}

// NewQueueLogger returns a logger bound to one request queue instance.
// Most queue-level log lines carry the queue id and the short client key.
func NewQueueLogger(queueID, clientKey string) Logger {
	short := clientKey
	if len(short) > 8 {
		short = short[:8]
	}
	return l.New("queue", queueID, "client", short)
}

func Root() Logger { return l.Root() }

func Trace(msg string, ctx ...interface{}) { l.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { l.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { l.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { l.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { l.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { l.Crit(msg, ctx...) }

func LvlFilterHandler(maxLvl Lvl, h Handler) Handler { return l.LvlFilterHandler(maxLvl, h) }
func StreamHandler(wr io.Writer, fmtr l.Format) Handler {
	return l.StreamHandler(wr, fmtr)
}
func TerminalFormat(usecolor bool) l.Format { return l.TerminalFormat(usecolor) }
func LogfmtFormat() l.Format                { return l.LogfmtFormat() }
