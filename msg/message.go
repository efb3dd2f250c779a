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

package msg

import "github.com/coreswitch/bgpspeaker/bgperr"

// Parse decodes a full on-wire message (header included) into its
// typed body: *Open, *Update, *bgperr.Notification, or a Keepalive
// zero value. n is the number of bytes consumed from buf, and ok is
// false if buf does not yet hold a complete frame.
func Parse(buf []byte, localBGPId uint32) (body interface{}, n int, ok bool, err error) {
	frame, typ, consumed, ok, err := SplitFrame(buf)
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	switch typ {
	case TypeOpen:
		o, err := ParseOpen(frame, localBGPId)
		if err != nil {
			return nil, consumed, true, err
		}
		return o, consumed, true, nil
	case TypeUpdate:
		u, err := ParseUpdate(frame)
		if err != nil {
			return nil, consumed, true, err
		}
		return u, consumed, true, nil
	case TypeNotification:
		nt, err := ParseNotification(frame)
		if err != nil {
			return nil, consumed, true, err
		}
		return nt, consumed, true, nil
	case TypeKeepalive:
		return Keepalive{}, consumed, true, nil
	default:
		return nil, consumed, true, bgperr.New(bgperr.MsgHdr, bgperr.BadMessageType, []byte{byte(typ)})
	}
}

// Keepalive is the (bodyless) KEEPALIVE message.
type Keepalive struct{}

// Build wraps a body's encoding with a frame header, dispatching on
// its concrete type.
func Build(body interface{}) []byte {
	switch v := body.(type) {
	case *Open:
		return BuildHeader(TypeOpen, v.Encode())
	case *Update:
		return BuildHeader(TypeUpdate, v.Encode())
	case *bgperr.Notification:
		return BuildHeader(TypeNotification, EncodeNotification(v))
	case Keepalive:
		return BuildHeader(TypeKeepalive, nil)
	default:
		panic("msg: Build: unknown body type")
	}
}
