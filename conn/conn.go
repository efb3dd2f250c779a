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

// Package conn implements the connection protocol: a buffered
// receive-byte-stream reframer that turns a TCP stream into whole BGP
// messages and FSM events (spec.md §4.4).
package conn

import (
	"net"
	"net/netip"

	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/fsm"
	"github.com/coreswitch/bgpspeaker/msg"
	"github.com/pkg/errors"
)

// Direction records whether this candidate connection was dialed by us
// or accepted from the peer. A connection we dial reaches the peer's
// well-known BGP port (179); one we accept arrives from whatever
// ephemeral port the peer's kernel picked, on our own listener bound to
// 179. (spec.md §4.5 names the discriminant as "remote TCP port==179";
// the RFC 4271 dual-candidate wiring it's paired with only makes sense
// read as here — remote port 179 is the mark of an outbound dial.)
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// DirectionOf classifies a connection by its remote endpoint's port.
func DirectionOf(remote netip.AddrPort) Direction {
	if remote.Port() == 179 {
		return Outbound
	}
	return Inbound
}

// DispatchResult is one FSM event produced by reframing incoming
// bytes, plus the decoded UPDATE body when the event is
// EvUpdateReceived (the FSM itself only needs to know an UPDATE
// arrived; the peering manager needs its contents).
type DispatchResult struct {
	Event  fsm.Event
	Data   fsm.EventData
	Update *msg.Update
}

// Conn wraps one TCP connection with the growable receive buffer and
// reframing logic spec.md §4.4 describes. It does not own the FSM:
// Feed returns events for the driver (peer package) to apply.
type Conn struct {
	NC        net.Conn
	Direction Direction
	recvBuf   []byte
}

func New(nc net.Conn) (*Conn, error) {
	remote, err := netip.ParseAddrPort(nc.RemoteAddr().String())
	if err != nil {
		return nil, errors.Wrap(err, "conn: parsing remote address")
	}
	return &Conn{NC: nc, Direction: DirectionOf(remote)}, nil
}

// LocalIPv4BGPId derives a 32-bit BGP identifier from the connection's
// local IPv4 address, for a peering whose configured BGP-Id is unset
// (spec.md §6's auto-derivation rule).
func LocalIPv4BGPId(nc net.Conn) (uint32, error) {
	local, err := netip.ParseAddrPort(nc.LocalAddr().String())
	if err != nil {
		return 0, errors.Wrap(err, "conn: parsing local address")
	}
	addr := local.Addr()
	if !addr.Is4() {
		return 0, errors.New("conn: local address is not IPv4")
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// Feed appends newly-read bytes to the receive buffer and extracts as
// many whole messages as are available, translating each into the FSM
// event it drives. A framing or parse error yields exactly one result
// (the error event) and discards the rest of the buffer, since the
// byte stream can no longer be trusted to resynchronize.
func (c *Conn) Feed(data []byte, localBGPId uint32) []DispatchResult {
	c.recvBuf = append(c.recvBuf, data...)

	var results []DispatchResult
	for {
		body, n, ok, err := msg.Parse(c.recvBuf, localBGPId)
		if err != nil {
			nt, _ := err.(*bgperr.Notification)
			results = append(results, DispatchResult{Event: eventForError(nt), Data: fsm.EventData{Notification: nt}})
			c.recvBuf = nil
			return results
		}
		if !ok {
			return results
		}
		c.recvBuf = c.recvBuf[n:]

		switch v := body.(type) {
		case *msg.Open:
			results = append(results, DispatchResult{Event: fsm.EvOpenReceived, Data: fsm.EventData{Open: v}})
		case *msg.Update:
			results = append(results, DispatchResult{Event: fsm.EvUpdateReceived, Update: v})
		case *bgperr.Notification:
			results = append(results, dispatchNotification(v))
		case msg.Keepalive:
			results = append(results, DispatchResult{Event: fsm.EvKeepAliveReceived})
		}
	}
}

func dispatchNotification(n *bgperr.Notification) DispatchResult {
	if n.Code == bgperr.MsgOpen && n.Sub == bgperr.UnsupportedVersion {
		return DispatchResult{Event: fsm.EvNotifyVersionError, Data: fsm.EventData{Notification: n}}
	}
	return DispatchResult{Event: fsm.EvNotifyOther, Data: fsm.EventData{Notification: n}}
}

func eventForError(n *bgperr.Notification) fsm.Event {
	if n == nil {
		return fsm.EvHeaderError
	}
	switch n.Code {
	case bgperr.MsgHdr:
		return fsm.EvHeaderError
	case bgperr.MsgOpen:
		return fsm.EvOpenMessageError
	case bgperr.MsgUpdate:
		return fsm.EvUpdateMalformed
	default:
		return fsm.EvHeaderError
	}
}
