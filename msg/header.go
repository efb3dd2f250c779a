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

// Package msg implements the BGP-4 wire codec: message framing and the
// OPEN/UPDATE/KEEPALIVE/NOTIFICATION bodies built on top of it.
package msg

import (
	"encoding/binary"

	"github.com/coreswitch/bgpspeaker/bgperr"
)

// Type is the BGP message type code carried in the header.
type Type uint8

const (
	TypeOpen         Type = 1
	TypeUpdate       Type = 2
	TypeNotification Type = 3
	TypeKeepalive    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeOpen:
		return "OPEN"
	case TypeUpdate:
		return "UPDATE"
	case TypeNotification:
		return "NOTIFICATION"
	case TypeKeepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

const (
	HeaderLen  = 19
	MinLength  = 19
	MaxLength  = 4096
	markerLen  = 16
)

var marker = [markerLen]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Header is the 19-byte fixed prefix of every BGP message.
type Header struct {
	Length uint16
	Type   Type
}

// BuildHeader prepends a header to body, deriving Length from
// len(body)+19.
func BuildHeader(t Type, body []byte) []byte {
	total := HeaderLen + len(body)
	out := make([]byte, 0, total)
	out = append(out, marker[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(total))
	out = append(out, byte(t))
	out = append(out, body...)
	return out
}

// SplitFrame extracts one whole message from the front of buf if one is
// present, returning the message's body (header stripped), its type,
// the number of bytes consumed from buf, and whether a full frame was
// available. A framing violation is reported as a *bgperr.Notification
// with error code MsgHdr, ready to send straight to the peer.
func SplitFrame(buf []byte) (body []byte, typ Type, consumed int, ok bool, err error) {
	if len(buf) < HeaderLen {
		return nil, 0, 0, false, nil
	}
	if [markerLen]byte(buf[:markerLen]) != marker {
		return nil, 0, 0, false, bgperr.New(bgperr.MsgHdr, bgperr.ConnectionNotSynchronized, nil)
	}
	length := binary.BigEndian.Uint16(buf[markerLen : markerLen+2])
	if length < MinLength || length > MaxLength {
		return nil, 0, 0, false, bgperr.New(bgperr.MsgHdr, bgperr.BadMessageLength, []byte{byte(length >> 8), byte(length)})
	}
	if len(buf) < int(length) {
		return nil, 0, 0, false, nil
	}
	typ = Type(buf[markerLen+2])
	switch typ {
	case TypeOpen, TypeUpdate, TypeNotification, TypeKeepalive:
	default:
		return nil, 0, 0, false, bgperr.New(bgperr.MsgHdr, bgperr.BadMessageType, []byte{byte(typ)})
	}
	return buf[HeaderLen:length], typ, int(length), true, nil
}
