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

// Package attr implements the BGP path attribute model: flags, type
// codes, per-type values, and the AttributeDict/FrozenAttributeDict
// grouping used by the advertisement packer.
package attr

import (
	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/pkg/errors"
)

// Attribute is one decoded path attribute: its wire flags plus the
// type-specific value. Value.Code() always agrees with the type code
// the flags were read against.
type Attribute struct {
	Flags Flags
	Value Value
}

func (a *Attribute) Code() Code { return a.Value.Code() }

// decoders maps a known type code to its value decoder. Unknown codes
// fall through to the optional/transitive preservation path in Decode.
var decoders = map[Code]func([]byte) (Value, error){
	CodeOrigin:          decodeOrigin,
	CodeASPath:          decodeASPath,
	CodeNextHop:         decodeNextHop,
	CodeMED:             decodeMED,
	CodeLocalPref:       decodeLocalPref,
	CodeAtomicAggregate: decodeAtomicAggregate,
	CodeAggregator:      decodeAggregator,
	CodeCommunity:       decodeCommunity,
	CodeMPReachNLRI:     decodeMPReachNLRI,
	CodeMPUnreachNLRI:   decodeMPUnreachNLRI,
}

// Decode parses one path attribute from the front of data, returning
// the attribute and the number of bytes consumed. Errors that carry
// one of spec.md §7's specific MsgUpdate sub-codes are returned as
// *bgperr.Notification; any other error must be mapped by the caller
// (the msg package's UPDATE parser) to MalformedAttributeList.
func Decode(data []byte) (*Attribute, int, error) {
	if len(data) < 3 {
		return nil, 0, errors.New("attr: truncated attribute header")
	}
	flags := Flags(data[0])
	code := Code(data[1])

	hdrLen := 3
	var length int
	if flags.Has(FlagExtendedLength) {
		if len(data) < 4 {
			return nil, 0, errors.New("attr: truncated extended-length header")
		}
		length = int(data[2])<<8 | int(data[3])
		hdrLen = 4
	} else {
		length = int(data[2])
	}
	total := hdrLen + length
	if len(data) < total {
		return nil, 0, errors.New("attr: truncated attribute value")
	}
	raw := data[:total]
	value := data[hdrLen:total]

	if !checkFlags(code, flags) {
		return nil, 0, bgperr.New(bgperr.MsgUpdate, bgperr.AttributeFlagsError, append([]byte{}, raw...))
	}

	decode, known := decoders[code]
	if !known {
		if !flags.Has(FlagOptional) {
			return nil, 0, bgperr.New(bgperr.MsgUpdate, bgperr.UnrecognizedWellKnownAttr, append([]byte{}, raw...))
		}
		// Optional and unrecognized: preserved verbatim, Partial forced
		// to 1 if this speaker ever re-advertises it (spec.md §3).
		return &Attribute{Flags: flags | FlagPartial, Value: Unknown{code: code, data: append([]byte{}, value...)}}, total, nil
	}

	v, err := decode(value)
	if err != nil {
		return nil, 0, err
	}
	return &Attribute{Flags: flags, Value: v}, total, nil
}

// Encode renders the attribute back to wire form: flags, type, length
// (extended if the value doesn't fit in one byte, or the caller's
// flags already requested it), value.
func (a *Attribute) Encode() []byte {
	value := a.Value.EncodeValue()
	flags := a.Flags
	if len(value) > 0xff {
		flags |= FlagExtendedLength
	}

	var out []byte
	if flags.Has(FlagExtendedLength) {
		out = make([]byte, 4, 4+len(value))
		out[0] = byte(flags)
		out[1] = byte(a.Code())
		out[2] = byte(len(value) >> 8)
		out[3] = byte(len(value))
	} else {
		out = make([]byte, 3, 3+len(value))
		out[0] = byte(flags)
		out[1] = byte(a.Code())
		out[2] = byte(len(value))
	}
	return append(out, value...)
}
