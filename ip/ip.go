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

// Package ip provides the IPv4/IPv6 address and prefix primitives the
// wire codec and peering manager build on.
package ip

import (
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
)

// Family identifies which address family a Prefix or Address belongs to.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// MaxLen returns the bit width of the address family (32 for IPv4, 128
// for IPv6).
func (f Family) MaxLen() int {
	if f == FamilyIPv6 {
		return 128
	}
	return 32
}

// Address is a tagged variant over a 32-bit IPv4 or 128-bit IPv6
// address, each with a canonical packed big-endian encoding.
type Address struct {
	family Family
	addr   netip.Addr
}

// FromNetip wraps a netip.Addr, which must be a 4-in-4 or 16-byte
// address (not an IPv4-in-IPv6 mapped form).
func FromNetip(a netip.Addr) (Address, error) {
	switch {
	case a.Is4():
		return Address{family: FamilyIPv4, addr: a}, nil
	case a.Is6():
		return Address{family: FamilyIPv6, addr: a}, nil
	default:
		return Address{}, errors.New("ip: invalid address")
	}
}

// MustFromNetip is FromNetip but panics on error; for use with
// compile-time-known literals.
func MustFromNetip(a netip.Addr) Address {
	addr, err := FromNetip(a)
	if err != nil {
		panic(err)
	}
	return addr
}

// FromPacked decodes a canonical packed big-endian address: 4 bytes for
// IPv4, 16 for IPv6.
func FromPacked(b []byte) (Address, error) {
	switch len(b) {
	case 4:
		var a [4]byte
		copy(a[:], b)
		return Address{family: FamilyIPv4, addr: netip.AddrFrom4(a)}, nil
	case 16:
		var a [16]byte
		copy(a[:], b)
		return Address{family: FamilyIPv6, addr: netip.AddrFrom16(a)}, nil
	default:
		return Address{}, errors.Errorf("ip: invalid packed address length %d", len(b))
	}
}

func (a Address) Family() Family { return a.family }

// Packed returns the canonical big-endian encoding.
func (a Address) Packed() []byte {
	if a.family == FamilyIPv4 {
		b := a.addr.As4()
		return b[:]
	}
	b := a.addr.As16()
	return b[:]
}

func (a Address) Netip() netip.Addr { return a.addr }

func (a Address) String() string { return a.addr.String() }

func (a Address) Equal(o Address) bool {
	return a.family == o.family && a.addr == o.addr
}

// IsZero reports whether the address is 0.0.0.0 or ::.
func (a Address) IsZero() bool { return !a.addr.IsValid() || a.addr.IsUnspecified() }

// IsAllOnes reports whether the address is 255.255.255.255 (IPv4 only;
// IPv6 has no equivalent on-wire invalid value defined by this spec).
func (a Address) IsAllOnes() bool {
	if a.family != FamilyIPv4 {
		return false
	}
	b := a.addr.As4()
	return b == [4]byte{0xff, 0xff, 0xff, 0xff}
}

// Prefix is a (address, prefix length) pair with the invariant that
// bits beyond Length are zero in the stored address.
type Prefix struct {
	addr   Address
	length int
}

// NewPrefix constructs a Prefix, masking bits beyond length to zero.
func NewPrefix(a Address, length int) (Prefix, error) {
	if length < 0 || length > a.family.MaxLen() {
		return Prefix{}, errors.Errorf("ip: prefix length %d out of range for %s", length, a.family)
	}
	masked := maskBits(a, length)
	return Prefix{addr: masked, length: length}, nil
}

func maskBits(a Address, length int) Address {
	packed := a.Packed()
	out := make([]byte, len(packed))
	copy(out, packed)

	full := length / 8
	rem := length % 8
	for i := full; i < len(out); i++ {
		if i == full && rem != 0 {
			out[i] &= ^byte(0xff >> uint(rem))
			continue
		}
		if i >= full {
			out[i] = 0
		}
	}

	masked, err := FromPacked(out)
	if err != nil {
		// unreachable: out is always 4 or 16 bytes, matching a.Packed()
		panic(err)
	}
	return masked
}

func (p Prefix) Address() Address { return p.addr }
func (p Prefix) Length() int      { return p.length }
func (p Prefix) Family() Family    { return p.addr.family }

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.addr.String(), p.length)
}

func (p Prefix) Equal(o Prefix) bool {
	return p.length == o.length && p.addr.Equal(o.addr)
}

// ByteLen is the number of octets needed to carry Length bits of the
// prefix on the wire: ceil(length/8).
func (p Prefix) ByteLen() int {
	return (p.length + 7) / 8
}

// PackedKey is a canonical, comparable/hashable string key encoding
// (family, length, bits) — used as a map/radix key throughout adv.
func (p Prefix) PackedKey() string {
	b := make([]byte, 0, 2+len(p.addr.Packed()))
	b = append(b, byte(p.addr.family), byte(p.length))
	b = append(b, p.addr.Packed()...)
	return string(b)
}

// EncodeNLRI writes the wire form of a single prefix: an 8-bit length
// followed by ceil(length/8) octets, with bits beyond Length already
// zeroed by construction.
func (p Prefix) EncodeNLRI() []byte {
	n := p.ByteLen()
	out := make([]byte, 1+n)
	out[0] = byte(p.length)
	copy(out[1:], p.addr.Packed()[:n])
	return out
}

// DecodeNLRI decodes one prefix from the front of data, returning the
// prefix and the number of bytes consumed. family selects whether the
// packed address is padded/interpreted as IPv4 (4 bytes) or IPv6 (16
// bytes).
func DecodeNLRI(data []byte, family Family) (Prefix, int, error) {
	if len(data) < 1 {
		return Prefix{}, 0, errors.New("ip: truncated prefix length")
	}
	length := int(data[0])
	if length > family.MaxLen() {
		return Prefix{}, 0, errors.Errorf("ip: prefix length %d exceeds %s maximum", length, family)
	}
	byteLen := (length + 7) / 8
	if len(data) < 1+byteLen {
		return Prefix{}, 0, errors.New("ip: truncated prefix octets")
	}

	full := family.MaxLen() / 8
	buf := make([]byte, full)
	copy(buf, data[1:1+byteLen])

	addr, err := FromPacked(buf)
	if err != nil {
		return Prefix{}, 0, err
	}
	p, err := NewPrefix(addr, length)
	if err != nil {
		return Prefix{}, 0, err
	}
	return p, 1 + byteLen, nil
}

// DecodeNLRIList decodes a sequence of packed prefixes until data is
// exhausted.
func DecodeNLRIList(data []byte, family Family) ([]Prefix, error) {
	var out []Prefix
	for len(data) > 0 {
		p, n, err := DecodeNLRI(data, family)
		if err != nil {
			return out, err
		}
		out = append(out, p)
		data = data[n:]
	}
	return out, nil
}

// EncodeNLRIList packs as many of prefixes (in order) as fit within
// budget bytes, returning the encoded bytes and the prefixes actually
// packed.
func EncodeNLRIList(prefixes []Prefix, budget int) ([]byte, []Prefix) {
	var out []byte
	var packed []Prefix
	for _, p := range prefixes {
		enc := p.EncodeNLRI()
		if len(out)+len(enc) > budget {
			break
		}
		out = append(out, enc...)
		packed = append(packed, p)
	}
	return out, packed
}
