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

package attr

import (
	"encoding/binary"

	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/ip"
	"github.com/pkg/errors"
)

// Value is the decoded, type-specific payload of an Attribute.
type Value interface {
	Code() Code
	EncodeValue() []byte
	Equal(Value) bool
}

// Origin values.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

type Origin struct{ Value uint8 }

func (Origin) Code() Code              { return CodeOrigin }
func (o Origin) EncodeValue() []byte   { return []byte{o.Value} }
func (o Origin) Equal(v Value) bool    { p, ok := v.(Origin); return ok && p.Value == o.Value }

func decodeOrigin(data []byte) (Value, error) {
	if len(data) != 1 {
		return nil, errors.New("attr: origin length must be 1")
	}
	if data[0] > OriginIncomplete {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.InvalidOriginAttr, append([]byte{}, data...))
	}
	return Origin{Value: data[0]}, nil
}

// AS-Path segment types.
const (
	SegmentSet      uint8 = 1
	SegmentSequence uint8 = 2
)

type ASPathSegment struct {
	Type uint8
	ASNs []uint16
}

type ASPath struct{ Segments []ASPathSegment }

func (ASPath) Code() Code { return CodeASPath }

func (a ASPath) EncodeValue() []byte {
	var out []byte
	for _, seg := range a.Segments {
		out = append(out, seg.Type, byte(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			out = append(out, byte(asn>>8), byte(asn))
		}
	}
	return out
}

func (a ASPath) Equal(v Value) bool {
	o, ok := v.(ASPath)
	if !ok || len(o.Segments) != len(a.Segments) {
		return false
	}
	for i, seg := range a.Segments {
		os := o.Segments[i]
		if seg.Type != os.Type || len(seg.ASNs) != len(os.ASNs) {
			return false
		}
		for j, asn := range seg.ASNs {
			if os.ASNs[j] != asn {
				return false
			}
		}
	}
	return true
}

func decodeASPath(data []byte) (Value, error) {
	var segs []ASPathSegment
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, bgperr.New(bgperr.MsgUpdate, bgperr.MalformedASPath, nil)
		}
		segType := data[0]
		segLen := int(data[1])
		data = data[2:]
		if segLen*2 > len(data) {
			return nil, bgperr.New(bgperr.MsgUpdate, bgperr.MalformedASPath, nil)
		}
		asns := make([]uint16, segLen)
		for i := 0; i < segLen; i++ {
			asns[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
		}
		data = data[segLen*2:]
		segs = append(segs, ASPathSegment{Type: segType, ASNs: asns})
	}
	return ASPath{Segments: segs}, nil
}

type NextHop struct{ Address ip.Address }

func (NextHop) Code() Code            { return CodeNextHop }
func (n NextHop) EncodeValue() []byte { return n.Address.Packed() }
func (n NextHop) Equal(v Value) bool  { o, ok := v.(NextHop); return ok && o.Address.Equal(n.Address) }

func decodeNextHop(data []byte) (Value, error) {
	if len(data) != 4 {
		return nil, errors.New("attr: next-hop length must be 4")
	}
	a, err := ip.FromPacked(data)
	if err != nil {
		return nil, err
	}
	if a.IsZero() || a.IsAllOnes() {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.InvalidNextHopAttr, append([]byte{}, data...))
	}
	return NextHop{Address: a}, nil
}

type MED struct{ Value uint32 }

func (MED) Code() Code            { return CodeMED }
func (m MED) EncodeValue() []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, m.Value); return b }
func (m MED) Equal(v Value) bool  { o, ok := v.(MED); return ok && o.Value == m.Value }

func decodeMED(data []byte) (Value, error) {
	if len(data) != 4 {
		return nil, errors.New("attr: MED length must be 4")
	}
	return MED{Value: binary.BigEndian.Uint32(data)}, nil
}

type LocalPref struct{ Value uint32 }

func (LocalPref) Code() Code { return CodeLocalPref }
func (l LocalPref) EncodeValue() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, l.Value)
	return b
}
func (l LocalPref) Equal(v Value) bool { o, ok := v.(LocalPref); return ok && o.Value == l.Value }

func decodeLocalPref(data []byte) (Value, error) {
	if len(data) != 4 {
		return nil, errors.New("attr: local-pref length must be 4")
	}
	return LocalPref{Value: binary.BigEndian.Uint32(data)}, nil
}

type AtomicAggregate struct{}

func (AtomicAggregate) Code() Code            { return CodeAtomicAggregate }
func (AtomicAggregate) EncodeValue() []byte   { return nil }
func (AtomicAggregate) Equal(v Value) bool    { _, ok := v.(AtomicAggregate); return ok }

func decodeAtomicAggregate(data []byte) (Value, error) {
	if len(data) != 0 {
		return nil, errors.New("attr: atomic-aggregate must be empty")
	}
	return AtomicAggregate{}, nil
}

type Aggregator struct {
	ASN     uint16
	Address ip.Address
}

func (Aggregator) Code() Code { return CodeAggregator }
func (a Aggregator) EncodeValue() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, a.ASN)
	return append(b, a.Address.Packed()...)
}
func (a Aggregator) Equal(v Value) bool {
	o, ok := v.(Aggregator)
	return ok && o.ASN == a.ASN && o.Address.Equal(a.Address)
}

func decodeAggregator(data []byte) (Value, error) {
	if len(data) != 6 {
		return nil, errors.New("attr: aggregator length must be 6")
	}
	a, err := ip.FromPacked(data[2:6])
	if err != nil {
		return nil, err
	}
	return Aggregator{ASN: binary.BigEndian.Uint16(data[0:2]), Address: a}, nil
}

type Community struct{ Values []uint32 }

func (Community) Code() Code { return CodeCommunity }
func (c Community) EncodeValue() []byte {
	out := make([]byte, 4*len(c.Values))
	for i, v := range c.Values {
		binary.BigEndian.PutUint32(out[i*4:i*4+4], v)
	}
	return out
}
func (c Community) Equal(v Value) bool {
	o, ok := v.(Community)
	if !ok || len(o.Values) != len(c.Values) {
		return false
	}
	for i, x := range c.Values {
		if o.Values[i] != x {
			return false
		}
	}
	return true
}

func decodeCommunity(data []byte) (Value, error) {
	if len(data)%4 != 0 {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.AttributeLengthError, append([]byte{}, data...))
	}
	vals := make([]uint32, len(data)/4)
	for i := range vals {
		vals[i] = binary.BigEndian.Uint32(data[i*4 : i*4+4])
	}
	return Community{Values: vals}, nil
}

// AFI/SAFI — spec.md restricts both to a tiny fixed set.
type AFI uint16
type SAFI uint8

const (
	AFIIPv4 AFI = 1
	AFIIPv6 AFI = 2

	SAFIUnicast   SAFI = 1
	SAFIMulticast SAFI = 2
)

func (a AFI) Family() (ip.Family, bool) {
	switch a {
	case AFIIPv4:
		return ip.FamilyIPv4, true
	case AFIIPv6:
		return ip.FamilyIPv6, true
	default:
		return 0, false
	}
}

func FamilyToAFI(f ip.Family) AFI {
	if f == ip.FamilyIPv6 {
		return AFIIPv6
	}
	return AFIIPv4
}

type MPReachNLRI struct {
	AFI     AFI
	SAFI    SAFI
	NextHop ip.Address
	NLRI    []ip.Prefix
}

func (MPReachNLRI) Code() Code { return CodeMPReachNLRI }

func (m MPReachNLRI) EncodeValue() []byte {
	nh := m.NextHop.Packed()
	out := make([]byte, 0, 5+len(nh))
	out = append(out, byte(m.AFI>>8), byte(m.AFI), byte(m.SAFI))
	out = append(out, byte(len(nh)))
	out = append(out, nh...)
	out = append(out, 0) // zero SNPA count
	for _, p := range m.NLRI {
		out = append(out, p.EncodeNLRI()...)
	}
	return out
}

func (m MPReachNLRI) Equal(v Value) bool {
	o, ok := v.(MPReachNLRI)
	if !ok || o.AFI != m.AFI || o.SAFI != m.SAFI || !o.NextHop.Equal(m.NextHop) || len(o.NLRI) != len(m.NLRI) {
		return false
	}
	for i, p := range m.NLRI {
		if !o.NLRI[i].Equal(p) {
			return false
		}
	}
	return true
}

func decodeMPReachNLRI(data []byte) (Value, error) {
	if len(data) < 5 {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
	}
	afi := AFI(binary.BigEndian.Uint16(data[0:2]))
	safi := SAFI(data[2])
	if !validAFISAFI(afi, safi) {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
	}
	nhLen := int(data[3])
	off := 4
	if off+nhLen > len(data) {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
	}
	nh, err := ip.FromPacked(data[off : off+nhLen])
	if err != nil {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
	}
	off += nhLen
	if off >= len(data) {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
	}
	snpaCount := int(data[off])
	off++
	for i := 0; i < snpaCount; i++ {
		if off >= len(data) {
			return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
		}
		snpaLen := (int(data[off]) + 1) / 2
		off++
		if off+snpaLen > len(data) {
			return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
		}
		off += snpaLen
	}
	fam, _ := afi.Family()
	prefixes, err := ip.DecodeNLRIList(data[off:], fam)
	if err != nil {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.InvalidNetworkField, nil)
	}
	return MPReachNLRI{AFI: afi, SAFI: safi, NextHop: nh, NLRI: prefixes}, nil
}

type MPUnreachNLRI struct {
	AFI  AFI
	SAFI SAFI
	NLRI []ip.Prefix
}

func (MPUnreachNLRI) Code() Code { return CodeMPUnreachNLRI }

func (m MPUnreachNLRI) EncodeValue() []byte {
	out := []byte{byte(m.AFI >> 8), byte(m.AFI), byte(m.SAFI)}
	for _, p := range m.NLRI {
		out = append(out, p.EncodeNLRI()...)
	}
	return out
}

func (m MPUnreachNLRI) Equal(v Value) bool {
	o, ok := v.(MPUnreachNLRI)
	if !ok || o.AFI != m.AFI || o.SAFI != m.SAFI || len(o.NLRI) != len(m.NLRI) {
		return false
	}
	for i, p := range m.NLRI {
		if !o.NLRI[i].Equal(p) {
			return false
		}
	}
	return true
}

func decodeMPUnreachNLRI(data []byte) (Value, error) {
	if len(data) < 3 {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
	}
	afi := AFI(binary.BigEndian.Uint16(data[0:2]))
	safi := SAFI(data[2])
	if !validAFISAFI(afi, safi) {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.OptionalAttributeError, nil)
	}
	fam, _ := afi.Family()
	prefixes, err := ip.DecodeNLRIList(data[3:], fam)
	if err != nil {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.InvalidNetworkField, nil)
	}
	return MPUnreachNLRI{AFI: afi, SAFI: safi, NLRI: prefixes}, nil
}

func validAFISAFI(afi AFI, safi SAFI) bool {
	if afi != AFIIPv4 && afi != AFIIPv6 {
		return false
	}
	if safi != SAFIUnicast && safi != SAFIMulticast {
		return false
	}
	return true
}

// Unknown preserves an attribute this speaker does not understand, as
// required by spec.md §3: optional+transitive unknowns survive with
// Partial forced to 1; non-optional unknowns are rejected by the
// caller before an Unknown value is ever constructed.
type Unknown struct {
	code Code
	data []byte
}

func (u Unknown) Code() Code          { return u.code }
func (u Unknown) EncodeValue() []byte { return u.data }
func (u Unknown) Equal(v Value) bool {
	o, ok := v.(Unknown)
	return ok && o.code == u.code && string(o.data) == string(u.data)
}
