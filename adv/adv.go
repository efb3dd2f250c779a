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

// Package adv computes the advertisement diff between the routes
// currently on the wire and the desired set, and packs the result into
// UPDATE messages (spec.md §4.5 and §3's Advertisement model).
package adv

import (
	"fmt"
	"sort"

	"github.com/armon/go-radix"
	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/ip"
	"github.com/coreswitch/bgpspeaker/packer"
	"github.com/pkg/errors"
)

// Family identifies one (AFI, SAFI) advertisement scope.
type Family struct {
	AFI  attr.AFI
	SAFI attr.SAFI
}

// String renders a Family as a metrics/log label, e.g. "afi1/safi1".
func (f Family) String() string {
	return fmt.Sprintf("afi%d/safi%d", f.AFI, f.SAFI)
}

// Advertisement is one route: a prefix plus the attribute set it was
// announced with, scoped to one address family.
type Advertisement struct {
	Prefix ip.Prefix
	Attrs  *attr.AttributeDict
	Family Family
}

// PrefixSet is a radix-tree-backed mutable prefix collection. It
// implements packer.PrefixSet so the packer can drain it directly, and
// its Walk-ordered iteration (radix's lexicographic key order) gives
// UPDATE packing a stable, deterministic prefix order across runs —
// the same idiom CSUNetSec-protoparse/cmd/gobgpdump/format.go uses a
// radix tree for (longest-prefix lookups there, ordered iteration
// here).
type PrefixSet struct {
	tree *radix.Tree
}

func NewPrefixSet() *PrefixSet { return &PrefixSet{tree: radix.New()} }

func PrefixSetFrom(prefixes []ip.Prefix) *PrefixSet {
	s := NewPrefixSet()
	for _, p := range prefixes {
		s.Add(p)
	}
	return s
}

func (s *PrefixSet) Add(p ip.Prefix) { s.tree.Insert(p.PackedKey(), p) }

func (s *PrefixSet) Remove(p ip.Prefix) { s.tree.Delete(p.PackedKey()) }

func (s *PrefixSet) Contains(p ip.Prefix) bool {
	_, ok := s.tree.Get(p.PackedKey())
	return ok
}

func (s *PrefixSet) Len() int { return s.tree.Len() }

// Peek returns an arbitrary (but deterministic: lexicographically
// least-keyed) remaining prefix, satisfying packer.PrefixSet.
func (s *PrefixSet) Peek() (ip.Prefix, bool) {
	var found ip.Prefix
	var ok bool
	s.tree.Walk(func(key string, value interface{}) bool {
		found, ok = value.(ip.Prefix), true
		return true // stop after the first (least-keyed) entry
	})
	return found, ok
}

func (s *PrefixSet) All() []ip.Prefix {
	out := make([]ip.Prefix, 0, s.tree.Len())
	s.tree.Walk(func(key string, value interface{}) bool {
		out = append(out, value.(ip.Prefix))
		return false
	})
	return out
}

// Diff computes withdrawals = advertised − toAdvertise and
// updates = toAdvertise − advertised, for one address family, matching
// spec.md §8's _calculateChanges invariant.
func Diff(advertised, toAdvertise *PrefixSet) (withdrawals, updates *PrefixSet) {
	withdrawals, updates = NewPrefixSet(), NewPrefixSet()
	for _, p := range advertised.All() {
		if !toAdvertise.Contains(p) {
			withdrawals.Add(p)
		}
	}
	for _, p := range toAdvertise.All() {
		if !advertised.Contains(p) {
			updates.Add(p)
		}
	}
	return withdrawals, updates
}

// Group partitions advertisements sharing identical attribute sets
// (per attr.FrozenAttributeDict identity), since they can be packed
// into UPDATEs that carry one shared attribute block.
func Group(ads []Advertisement) map[attr.FrozenAttributeDict][]Advertisement {
	groups := make(map[attr.FrozenAttributeDict][]Advertisement)
	for _, a := range ads {
		key := a.Attrs.Freeze()
		groups[key] = append(groups[key], a)
	}
	return groups
}

// ErrPackFailed is fatal to the session: a single attribute set did
// not fit even an otherwise-empty UPDATE (spec.md §7).
var ErrPackFailed = errors.New("adv: attribute set does not fit an empty UPDATE")

// PackFamily renders the withdrawals and grouped updates for one
// address family into a sequence of encoded UPDATE messages, following
// the three-phase packing loop of spec.md §4.5. classic selects IPv4
// unicast encoding (raw withdrawn/NLRI sections); every other family
// is carried inside MP-Reach/MP-Unreach-NLRI attributes.
func PackFamily(fam Family, withdrawals *PrefixSet, groupedUpdates map[attr.FrozenAttributeDict][]Advertisement, attrsByKey map[attr.FrozenAttributeDict]*attr.AttributeDict) ([][]byte, error) {
	classic := fam.AFI == attr.AFIIPv4 && fam.SAFI == attr.SAFIUnicast
	var frames [][]byte

	// Stable iteration order for deterministic test output.
	keys := make([]attr.FrozenAttributeDict, 0, len(groupedUpdates))
	for k := range groupedUpdates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	if classic {
		// Phase 1: withdrawals-only packets until only the final,
		// not-yet-encoded one remains. Only meaningful for the classic
		// family; MP withdrawals travel as attributes and are sent with
		// the first attribute group below, or on their own when there
		// is no group.
		var pending *packer.UpdateMessage
		for withdrawals.Len() > 0 {
			m := packer.New()
			n := m.AddSomeWithdrawals(withdrawals)
			if n == 0 {
				return nil, ErrPackFailed
			}
			if withdrawals.Len() == 0 {
				pending = m
				break
			}
			frames = append(frames, m.Encode())
		}

		// Phase 2: a single attempt to append the first group's
		// attributes and some of its NLRI into the in-flight
		// withdrawals packet, instead of flushing it bare.
		if pending != nil && len(keys) > 0 {
			key := keys[0]
			dict := attrsByKey[key]
			set := NewPrefixSet()
			for _, a := range groupedUpdates[key] {
				set.Add(a.Prefix)
			}
			if err := pending.AddAttributes(dict.All()); err == nil {
				pending.AddSomeNLRI(set)
				frames = append(frames, pending.Encode())
				if set.Len() > 0 {
					frame, err := packClassicFromSet(dict, set)
					if err != nil {
						return nil, err
					}
					frames = append(frames, frame...)
				}
				keys = keys[1:]
			} else {
				frames = append(frames, pending.Encode())
			}
		} else if pending != nil {
			frames = append(frames, pending.Encode())
		}
	}

	for _, key := range keys {
		ads := groupedUpdates[key]
		dict := attrsByKey[key]
		if classic {
			frame, err := packClassicGroup(dict, ads)
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame...)
		} else {
			frame, err := packMPGroup(fam, dict, ads, withdrawals)
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame...)
		}
	}

	if !classic && withdrawals.Len() > 0 {
		frame, err := packMPGroup(fam, nil, nil, withdrawals)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame...)
	}
	return frames, nil
}

// packClassicGroup implements phase 3 of spec.md §4.5's packing loop:
// fresh UPDATEs, each carrying the full attribute set and as many NLRI
// prefixes as fit, until the NLRI set is drained. An attribute set that
// does not fit even a freshly emptied message is a fatal pack error.
func packClassicGroup(dict *attr.AttributeDict, ads []Advertisement) ([][]byte, error) {
	set := NewPrefixSet()
	for _, a := range ads {
		set.Add(a.Prefix)
	}
	return packClassicFromSet(dict, set)
}

// packClassicFromSet is packClassicGroup's core loop, taking an
// already-built prefix set so phase 2's leftover NLRI (after the
// combined withdrawals+attrs+NLRI packet) can resume packing without
// rebuilding the set from scratch.
func packClassicFromSet(dict *attr.AttributeDict, set *PrefixSet) ([][]byte, error) {
	var frames [][]byte
	attrs := dict.All()
	for set.Len() > 0 {
		m := packer.New()
		if err := m.AddAttributes(attrs); err != nil {
			return nil, ErrPackFailed
		}
		n := m.AddSomeNLRI(set)
		if n == 0 {
			return nil, ErrPackFailed
		}
		frames = append(frames, m.Encode())
	}
	return frames, nil
}

// packMPGroup packs one attribute group for a non-IPv4-unicast family:
// one UPDATE carrying every pending withdrawal in an MP-Unreach-NLRI
// attribute (the withdrawals are then removed from the set, so only
// the first group sends them), and one UPDATE carrying the group's
// NLRI in an MP-Reach-NLRI attribute. Neither is split across several
// UPDATEs: a set that does not fit one message fails with
// ErrPackFailed.
func packMPGroup(fam Family, dict *attr.AttributeDict, ads []Advertisement, withdrawals *PrefixSet) ([][]byte, error) {
	var frames [][]byte

	if withdrawals.Len() > 0 {
		prefixes := withdrawals.All()
		unreach := attr.MPUnreachNLRI{AFI: fam.AFI, SAFI: fam.SAFI, NLRI: prefixes}
		m := packer.New()
		a := []*attr.Attribute{{Flags: attr.FlagOptional | attr.FlagExtendedLength, Value: unreach}}
		if err := m.AddAttributes(a); err != nil {
			return nil, ErrPackFailed
		}
		frames = append(frames, m.Encode())
		for _, p := range prefixes {
			withdrawals.Remove(p)
		}
	}

	if len(ads) > 0 {
		nextHop, ok := firstNextHop(dict)
		if !ok {
			return nil, errors.New("adv: MP-Reach-NLRI group has no next-hop")
		}
		var prefixes []ip.Prefix
		for _, a := range ads {
			prefixes = append(prefixes, a.Prefix)
		}
		reach := attr.MPReachNLRI{AFI: fam.AFI, SAFI: fam.SAFI, NextHop: nextHop, NLRI: prefixes}
		attrs := append(append([]*attr.Attribute{}, dict.All()...), &attr.Attribute{Flags: attr.FlagOptional | attr.FlagExtendedLength, Value: reach})
		m := packer.New()
		if err := m.AddAttributes(attrs); err != nil {
			return nil, ErrPackFailed
		}
		frames = append(frames, m.Encode())
	}
	return frames, nil
}

func firstNextHop(dict *attr.AttributeDict) (ip.Address, bool) {
	if a, ok := dict.Get(attr.CodeNextHop); ok {
		return a.Value.(attr.NextHop).Address, true
	}
	return ip.Address{}, false
}
