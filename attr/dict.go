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
	"sort"

	"github.com/coreswitch/bgpspeaker/bgperr"
)

// numKnownCodes bounds the fixed-size slot array: every type code this
// speaker knows about is in [1,15].
const numKnownCodes = 16

// AttributeDict groups the path attributes belonging to one UPDATE's
// advertised routes. Known attributes live in a fixed array indexed by
// type code; unrecognized optional attributes (preserved verbatim by
// Decode) live in a side list, since their codes
// aren't known ahead of time and there can be more than one.
type AttributeDict struct {
	byCode  [numKnownCodes]*Attribute
	unknown []*Attribute
}

func NewAttributeDict() *AttributeDict {
	return &AttributeDict{}
}

// Set stores a, replacing any existing attribute of the same code.
// Unknown-valued attributes accumulate in the side list instead,
// keyed by their own Code() for lookup.
func (d *AttributeDict) Set(a *Attribute) {
	code := a.Code()
	if _, ok := a.Value.(Unknown); ok {
		for i, u := range d.unknown {
			if u.Code() == code {
				d.unknown[i] = a
				return
			}
		}
		d.unknown = append(d.unknown, a)
		return
	}
	if int(code) < numKnownCodes {
		d.byCode[code] = a
	}
}

func (d *AttributeDict) Get(code Code) (*Attribute, bool) {
	if int(code) < numKnownCodes {
		if a := d.byCode[code]; a != nil {
			return a, true
		}
	}
	for _, u := range d.unknown {
		if u.Code() == code {
			return u, true
		}
	}
	return nil, false
}

// All returns every attribute in ascending type-code order: the stable
// order both Encode and Freeze rely on.
func (d *AttributeDict) All() []*Attribute {
	out := make([]*Attribute, 0, numKnownCodes)
	for _, a := range d.byCode {
		if a != nil {
			out = append(out, a)
		}
	}
	out = append(out, d.unknown...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code() < out[j].Code() })
	return out
}

// mandatoryWellKnown lists the attributes every UPDATE carrying
// classic (non-MP) NLRI must have, per spec.md §3/§4.1.
var mandatoryWellKnown = []Code{CodeOrigin, CodeASPath, CodeNextHop}

// Validate checks that the well-known mandatory attributes are present
// when the UPDATE carries IPv4 unicast NLRI directly (hasIPv4NLRI).
// UPDATEs that only carry MP-Reach/Unreach NLRI for other families are
// not required to carry Next-Hop, since MP-Reach embeds its own.
func (d *AttributeDict) Validate(hasIPv4NLRI bool) error {
	if !hasIPv4NLRI {
		return nil
	}
	for _, code := range mandatoryWellKnown {
		if _, ok := d.Get(code); !ok {
			return bgperr.New(bgperr.MsgUpdate, bgperr.MissingWellKnownAttr, []byte{byte(code)})
		}
	}
	return nil
}

// Freeze produces a comparable, hashable snapshot of the dict's
// contents, suitable for use as a map key so that routes sharing an
// identical attribute set can be grouped and packed together (spec.md
// §4's AttributeDict/FrozenAttributeDict split).
func (d *AttributeDict) Freeze() FrozenAttributeDict {
	var key []byte
	for _, a := range d.All() {
		key = append(key, a.Encode()...)
	}
	return FrozenAttributeDict{key: string(key)}
}

// FrozenAttributeDict is an immutable, comparable handle for a
// specific set of attributes. Two FrozenAttributeDict values compare
// equal iff their source dicts encode identically, which is exactly
// the condition under which the UPDATE packer may advertise their
// routes together under one shared attribute block.
type FrozenAttributeDict struct {
	key string
}

func (f FrozenAttributeDict) String() string { return f.key }

// Equal reports whether two frozen dicts carry byte-identical
// attributes.
func (f FrozenAttributeDict) Equal(o FrozenAttributeDict) bool { return f.key == o.key }
