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

// Package bgplog defines the narrow logging interface the peering and
// FSM packages depend on, plus a Nil no-op and a zap-backed
// implementation.
package bgplog

// Logger is deliberately small: the FSM and peer packages only ever
// report state transitions and session lifecycle events, never
// arbitrary structured payloads.
type Logger interface {
	DEBUG(string, ...interface{})
	INFO(string, ...interface{})
	WARNING(string, ...interface{})
	ERR(string, ...interface{})

	// Named returns a Logger scoped under name, the way zap.Logger.Named
	// does; peerings use this to tag log lines with a peer identity.
	Named(name string) Logger
}

type Nil struct{}

func (n Nil) DEBUG(string, ...interface{})   {}
func (n Nil) INFO(string, ...interface{})    {}
func (n Nil) WARNING(string, ...interface{}) {}
func (n Nil) ERR(string, ...interface{})     {}
func (n Nil) Named(string) Logger            { return n }
