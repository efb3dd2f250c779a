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

package adv

import (
	"net/netip"
	"testing"

	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/ip"
	"github.com/coreswitch/bgpspeaker/packer"
)

func mustPrefix(s string) ip.Prefix {
	pp := netip.MustParsePrefix(s)
	p, err := ip.NewPrefix(ip.MustFromNetip(pp.Addr()), pp.Bits())
	if err != nil {
		panic(err)
	}
	return p
}

func basicDict() *attr.AttributeDict {
	d := attr.NewAttributeDict()
	d.Set(&attr.Attribute{Flags: attr.FlagTransitive, Value: attr.Origin{Value: attr.OriginIGP}})
	d.Set(&attr.Attribute{Flags: attr.FlagTransitive, Value: attr.ASPath{}})
	d.Set(&attr.Attribute{Flags: attr.FlagTransitive, Value: attr.NextHop{Address: ip.MustFromNetip(netip.MustParseAddr("198.51.100.1"))}})
	return d
}

func TestDiffComputesWithdrawalsAndUpdates(t *testing.T) {
	advertised := PrefixSetFrom([]ip.Prefix{mustPrefix("10.0.0.0/24"), mustPrefix("10.0.1.0/24")})
	toAdvertise := PrefixSetFrom([]ip.Prefix{mustPrefix("10.0.1.0/24"), mustPrefix("10.0.2.0/24")})

	withdrawals, updates := Diff(advertised, toAdvertise)
	if withdrawals.Len() != 1 || !withdrawals.Contains(mustPrefix("10.0.0.0/24")) {
		t.Fatalf("unexpected withdrawals: %+v", withdrawals.All())
	}
	if updates.Len() != 1 || !updates.Contains(mustPrefix("10.0.2.0/24")) {
		t.Fatalf("unexpected updates: %+v", updates.All())
	}

	// _calculateChanges invariant: withdrawals ∩ updates == ∅, and
	// toAdvertise == (advertised ∪ updates) − withdrawals.
	for _, p := range withdrawals.All() {
		if updates.Contains(p) {
			t.Fatalf("%s present in both withdrawals and updates", p)
		}
	}
	reconstructed := PrefixSetFrom(advertised.All())
	for _, p := range updates.All() {
		reconstructed.Add(p)
	}
	for _, p := range withdrawals.All() {
		reconstructed.Remove(p)
	}
	if reconstructed.Len() != toAdvertise.Len() {
		t.Fatalf("reconstructed set size %d != toAdvertise size %d", reconstructed.Len(), toAdvertise.Len())
	}
	for _, p := range toAdvertise.All() {
		if !reconstructed.Contains(p) {
			t.Fatalf("reconstructed set missing %s", p)
		}
	}
}

func Test300PrefixUpdateRoundTrip(t *testing.T) {
	dict := basicDict()
	var ads []Advertisement
	fam := Family{AFI: attr.AFIIPv4, SAFI: attr.SAFIUnicast}
	for i := 0; i < 300; i++ {
		a := ip.MustFromNetip(netip.AddrFrom4([4]byte{10, byte(i >> 8), byte(i), 0}))
		p, err := ip.NewPrefix(a, 24)
		if err != nil {
			t.Fatal(err)
		}
		ads = append(ads, Advertisement{Prefix: p, Attrs: dict, Family: fam})
	}

	grouped := Group(ads)
	attrsByKey := map[attr.FrozenAttributeDict]*attr.AttributeDict{dict.Freeze(): dict}

	frames, err := PackFamily(fam, NewPrefixSet(), grouped, attrsByKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected multiple UPDATEs for 300 prefixes, got %d", len(frames))
	}

	seen := make(map[string]bool)
	for _, f := range frames {
		if len(f) > packer.MaxMessageSize {
			t.Fatalf("frame exceeds cap: %d bytes", len(f))
		}
		dec, err := packer.Decode(f)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range dec.NLRI {
			if seen[p.PackedKey()] {
				t.Fatalf("prefix %s advertised twice", p)
			}
			seen[p.PackedKey()] = true
		}
	}
	if len(seen) != 300 {
		t.Fatalf("saw %d distinct prefixes, want 300", len(seen))
	}
}

func TestMPWithdrawalUsesUnreachNLRI(t *testing.T) {
	fam := Family{AFI: attr.AFIIPv6, SAFI: attr.SAFIUnicast}
	pfx := mustPrefix("2001:db8:1::/48")
	withdrawals := PrefixSetFrom([]ip.Prefix{pfx})

	frames, err := PackFamily(fam, withdrawals, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	dec, err := packer.Decode(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.Withdrawn) != 0 || len(dec.NLRI) != 0 {
		t.Fatal("MP withdrawal must leave classic withdrawn/NLRI sections empty")
	}
	a, ok := dec.Attrs.Get(attr.CodeMPUnreachNLRI)
	if !ok {
		t.Fatal("expected MP-Unreach-NLRI attribute")
	}
	unreach := a.Value.(attr.MPUnreachNLRI)
	if unreach.AFI != attr.AFIIPv6 || len(unreach.NLRI) != 1 || !unreach.NLRI[0].Equal(pfx) {
		t.Fatalf("unexpected unreach contents: %+v", unreach)
	}
}

// TestPackFamilyCombinesWithdrawalsAndUpdatesInOnePacket pins spec.md
// §4.5's packing loop phase 2: when withdrawals and one group of
// updates both fit, they're combined into a single UPDATE rather than
// emitted as two.
func TestPackFamilyCombinesWithdrawalsAndUpdatesInOnePacket(t *testing.T) {
	dict := basicDict()
	fam := Family{AFI: attr.AFIIPv4, SAFI: attr.SAFIUnicast}
	withdrawals := PrefixSetFrom([]ip.Prefix{mustPrefix("10.0.0.0/24")})
	ads := []Advertisement{{Prefix: mustPrefix("10.0.1.0/24"), Attrs: dict, Family: fam}}
	grouped := Group(ads)
	attrsByKey := map[attr.FrozenAttributeDict]*attr.AttributeDict{dict.Freeze(): dict}

	frames, err := PackFamily(fam, withdrawals, grouped, attrsByKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected withdrawals and update combined into 1 frame, got %d", len(frames))
	}

	dec, err := packer.Decode(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.Withdrawn) != 1 || !dec.Withdrawn[0].Equal(mustPrefix("10.0.0.0/24")) {
		t.Fatalf("unexpected withdrawn section: %+v", dec.Withdrawn)
	}
	if len(dec.NLRI) != 1 || !dec.NLRI[0].Equal(mustPrefix("10.0.1.0/24")) {
		t.Fatalf("unexpected NLRI section: %+v", dec.NLRI)
	}
}

func TestPrefixSetPeekAndRemove(t *testing.T) {
	s := PrefixSetFrom([]ip.Prefix{mustPrefix("10.0.0.0/24")})
	p, ok := s.Peek()
	if !ok || !p.Equal(mustPrefix("10.0.0.0/24")) {
		t.Fatalf("unexpected peek: %+v ok=%v", p, ok)
	}
	s.Remove(p)
	if s.Len() != 0 {
		t.Fatal("expected set to be empty after remove")
	}
}
