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

import (
	"encoding/binary"

	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/bgperr"
)

const optParamCapabilities = 2
const capMultiProtocol = 1

// MPCapability is the one capability this speaker decodes and encodes:
// RFC 3392's Multi-Protocol Extensions (capability code 1, carrying an
// (AFI, reserved, SAFI) triple). Other capability codes are skipped on
// parse.
type MPCapability struct {
	AFI  attr.AFI
	SAFI attr.SAFI
}

// OptionalParameter preserves an OPEN parameter this speaker doesn't
// interpret, so it round-trips on re-encode without being dropped.
type OptionalParameter struct {
	Code  uint8
	Value []byte
}

// Open is the decoded OPEN message body.
type Open struct {
	Version         uint8
	ASN             uint16
	HoldTime        uint16
	BGPIdentifier   uint32
	MPCapabilities  []MPCapability
	OtherParameters []OptionalParameter
}

// ParseOpen validates and decodes an OPEN body per spec.md §4.1. Every
// returned error is a *bgperr.Notification carrying (MsgOpen, ...).
func ParseOpen(body []byte, localBGPId uint32) (*Open, error) {
	if len(body) < 10 {
		return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedOptParam, nil)
	}
	o := &Open{
		Version:       body[0],
		ASN:           binary.BigEndian.Uint16(body[1:3]),
		HoldTime:      binary.BigEndian.Uint16(body[3:5]),
		BGPIdentifier: binary.BigEndian.Uint32(body[5:9]),
	}
	if o.Version != 4 {
		return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedVersion, []byte{4})
	}
	if o.ASN == 0 || o.ASN == 0xffff {
		return nil, bgperr.New(bgperr.MsgOpen, bgperr.BadPeerAS, nil)
	}
	if o.BGPIdentifier == 0 || o.BGPIdentifier == 0xffffffff || o.BGPIdentifier == localBGPId {
		return nil, bgperr.New(bgperr.MsgOpen, bgperr.BadBGPIdentifier, nil)
	}
	if o.HoldTime > 0 && o.HoldTime < 3 {
		return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnacceptableHoldTime, nil)
	}

	optLen := int(body[9])
	params := body[10:]
	if len(params) < optLen {
		return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedOptParam, nil)
	}
	params = params[:optLen]

	for len(params) > 0 {
		if len(params) < 2 {
			return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedOptParam, nil)
		}
		code := params[0]
		plen := int(params[1])
		if len(params) < 2+plen {
			return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedOptParam, nil)
		}
		value := params[2 : 2+plen]
		if code == optParamCapabilities {
			caps, err := parseCapabilities(value)
			if err != nil {
				return nil, err
			}
			o.MPCapabilities = append(o.MPCapabilities, caps...)
		} else {
			o.OtherParameters = append(o.OtherParameters, OptionalParameter{Code: code, Value: append([]byte{}, value...)})
		}
		params = params[2+plen:]
	}
	return o, nil
}

func parseCapabilities(data []byte) ([]MPCapability, error) {
	var out []MPCapability
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedOptParam, nil)
		}
		code := data[0]
		clen := int(data[1])
		if len(data) < 2+clen {
			return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedOptParam, nil)
		}
		value := data[2 : 2+clen]
		if code == capMultiProtocol && clen == 4 {
			out = append(out, MPCapability{
				AFI:  attr.AFI(binary.BigEndian.Uint16(value[0:2])),
				SAFI: attr.SAFI(value[3]),
			})
		}
		data = data[2+clen:]
	}
	return out, nil
}

// Encode renders the OPEN body back to wire form.
func (o *Open) Encode() []byte {
	var params []byte
	if len(o.MPCapabilities) > 0 {
		var caps []byte
		for _, c := range o.MPCapabilities {
			val := []byte{byte(c.AFI >> 8), byte(c.AFI), 0, byte(c.SAFI)}
			caps = append(caps, capMultiProtocol, byte(len(val)))
			caps = append(caps, val...)
		}
		params = append(params, optParamCapabilities, byte(len(caps)))
		params = append(params, caps...)
	}
	for _, p := range o.OtherParameters {
		params = append(params, p.Code, byte(len(p.Value)))
		params = append(params, p.Value...)
	}

	out := make([]byte, 10, 10+len(params))
	out[0] = o.Version
	binary.BigEndian.PutUint16(out[1:3], o.ASN)
	binary.BigEndian.PutUint16(out[3:5], o.HoldTime)
	binary.BigEndian.PutUint32(out[5:9], o.BGPIdentifier)
	out[9] = byte(len(params))
	return append(out, params...)
}
