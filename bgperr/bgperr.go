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

// Package bgperr defines the NOTIFICATION error taxonomy (spec.md §7)
// shared by the wire codec, the FSM, and the peering manager. A
// *Notification is the one typed result that crosses those layers in
// place of ad-hoc errors: whoever catches it knows exactly what to put
// on the wire.
package bgperr

// Error codes (RFC 4271 §4.5 plus the local "0" bucket used for
// conditions that never reach the wire, e.g. a failed outbound dial).
const (
	Local        uint8 = 0
	MsgHdr       uint8 = 1
	MsgOpen      uint8 = 2
	MsgUpdate    uint8 = 3
	HoldExpired  uint8 = 4
	FSM          uint8 = 5
	Cease        uint8 = 6
)

// MsgHdr sub-codes.
const (
	ConnectionNotSynchronized uint8 = 1
	BadMessageLength          uint8 = 2
	BadMessageType            uint8 = 3
)

// MsgOpen sub-codes.
const (
	UnsupportedVersion  uint8 = 1
	BadPeerAS           uint8 = 2
	BadBGPIdentifier    uint8 = 3
	UnsupportedOptParam uint8 = 4
	UnacceptableHoldTime uint8 = 6
)

// MsgUpdate sub-codes.
const (
	MalformedAttributeList      uint8 = 1
	UnrecognizedWellKnownAttr   uint8 = 2
	MissingWellKnownAttr        uint8 = 3
	AttributeFlagsError         uint8 = 4
	AttributeLengthError        uint8 = 5
	InvalidOriginAttr           uint8 = 6
	InvalidNextHopAttr          uint8 = 8
	OptionalAttributeError      uint8 = 9
	InvalidNetworkField         uint8 = 10
	MalformedASPath             uint8 = 11
)

// Cease sub-codes (RFC 4486, the subset Describe names). This speaker
// itself always sends Cease with sub-code 0.
const (
	AdministrativeShutdown     uint8 = 2
	ConnectionCollisionResolve uint8 = 7
	OutOfResources             uint8 = 8
)

// Local sub-codes: conditions that never produce a NOTIFICATION on the
// wire (the peer was never far enough along to receive one).
const (
	LocalConnectionFailed uint8 = 1
	LocalInvalidLocalIP   uint8 = 2
	LocalConfigError      uint8 = 3
)

// Notification is a decoded/about-to-be-sent NOTIFICATION message: the
// one outcome type every codec/FSM validation step can produce instead
// of a bare error.
type Notification struct {
	Code uint8
	Sub  uint8
	Data []byte
}

func New(code, sub uint8, data []byte) *Notification {
	return &Notification{Code: code, Sub: sub, Data: data}
}

func (n *Notification) Error() string {
	return n.String()
}

func (n *Notification) String() string {
	return Describe(n.Code, n.Sub)
}

// Describe renders a human-readable name for an (error, suberror) pair,
// for logging — never sent on the wire.
func Describe(code, sub uint8) string {
	switch code {
	case Local:
		switch sub {
		case LocalConnectionFailed:
			return "local: connection failed"
		case LocalInvalidLocalIP:
			return "local: invalid local IP"
		case LocalConfigError:
			return "local: configuration error"
		}
		return "local: unknown"
	case MsgHdr:
		switch sub {
		case ConnectionNotSynchronized:
			return "header: connection not synchronized"
		case BadMessageLength:
			return "header: bad message length"
		case BadMessageType:
			return "header: bad message type"
		}
	case MsgOpen:
		switch sub {
		case UnsupportedVersion:
			return "open: unsupported version number"
		case BadPeerAS:
			return "open: bad peer AS"
		case BadBGPIdentifier:
			return "open: bad BGP identifier"
		case UnsupportedOptParam:
			return "open: unsupported optional parameter"
		case UnacceptableHoldTime:
			return "open: unacceptable hold time"
		}
	case MsgUpdate:
		switch sub {
		case MalformedAttributeList:
			return "update: malformed attribute list"
		case UnrecognizedWellKnownAttr:
			return "update: unrecognized well-known attribute"
		case MissingWellKnownAttr:
			return "update: missing well-known attribute"
		case AttributeFlagsError:
			return "update: attribute flags error"
		case AttributeLengthError:
			return "update: attribute length error"
		case InvalidOriginAttr:
			return "update: invalid origin attribute"
		case InvalidNextHopAttr:
			return "update: invalid next-hop attribute"
		case OptionalAttributeError:
			return "update: optional attribute error"
		case InvalidNetworkField:
			return "update: invalid network field"
		case MalformedASPath:
			return "update: malformed AS path"
		}
	case HoldExpired:
		return "hold timer expired"
	case FSM:
		return "FSM error"
	case Cease:
		switch sub {
		case AdministrativeShutdown:
			return "cease: administrative shutdown"
		case ConnectionCollisionResolve:
			return "cease: connection collision resolution"
		case OutOfResources:
			return "cease: out of resources"
		}
		return "cease"
	}
	return "unknown notification"
}
