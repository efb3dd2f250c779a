/*
 * VC5 load balancer. Copyright (C) 2021-present David Coles
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package bgplog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap adapts a *zap.SugaredLogger to the Logger interface. Format
// arguments are passed through fmt.Sprintf, matching the loose
// varargs style the FSM and peer packages use for diagnostic lines.
type Zap struct {
	s *zap.SugaredLogger
}

func NewZap(l *zap.Logger) Zap {
	return Zap{s: l.Sugar()}
}

// NewZapProduction builds a production JSON-encoded zap logger at the
// given level ("debug", "info", "warn", "error"; anything else is
// info), mirroring the initLogger construction a BGP daemon's main
// package uses at startup.
func NewZapProduction(level string) (Zap, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zap.DebugLevel
	case "warn":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	default:
		lvl = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return Zap{}, err
	}
	return NewZap(l), nil
}

func (z Zap) DEBUG(format string, args ...interface{})   { z.s.Debug(fmt.Sprintf(format, args...)) }
func (z Zap) INFO(format string, args ...interface{})    { z.s.Info(fmt.Sprintf(format, args...)) }
func (z Zap) WARNING(format string, args ...interface{}) { z.s.Warn(fmt.Sprintf(format, args...)) }
func (z Zap) ERR(format string, args ...interface{})     { z.s.Error(fmt.Sprintf(format, args...)) }

func (z Zap) Named(name string) Logger {
	return Zap{s: z.s.Named(name)}
}

// Sync flushes any buffered log entries; callers defer this at startup
// the way cmd/bgpd's main does.
func (z Zap) Sync() error { return z.s.Sync() }
