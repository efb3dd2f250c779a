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
	"net/netip"
	"testing"

	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/ip"
)

func TestHeaderRoundTrip(t *testing.T) {
	frame := BuildHeader(TypeKeepalive, nil)
	if len(frame) != HeaderLen {
		t.Fatalf("length = %d, want %d", len(frame), HeaderLen)
	}
	body, typ, n, ok, err := SplitFrame(frame)
	if err != nil || !ok {
		t.Fatalf("SplitFrame: ok=%v err=%v", ok, err)
	}
	if typ != TypeKeepalive || n != HeaderLen || len(body) != 0 {
		t.Fatalf("unexpected split: typ=%v n=%d body=%v", typ, n, body)
	}
}

func TestSplitFrameWaitsForFullMessage(t *testing.T) {
	frame := BuildHeader(TypeKeepalive, nil)
	_, _, _, ok, err := SplitFrame(frame[:HeaderLen-1])
	if err != nil || ok {
		t.Fatalf("expected incomplete frame to report ok=false, err=nil; got ok=%v err=%v", ok, err)
	}
}

func TestSplitFrameRejectsBadMarker(t *testing.T) {
	frame := BuildHeader(TypeKeepalive, nil)
	frame[0] = 0
	_, _, _, _, err := SplitFrame(frame)
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Code != bgperr.MsgHdr || n.Sub != bgperr.ConnectionNotSynchronized {
		t.Fatalf("expected ConnectionNotSynchronized, got %v", err)
	}
}

func TestSplitFrameRejectsBadLength(t *testing.T) {
	frame := BuildHeader(TypeKeepalive, nil)
	frame[16] = 0
	frame[17] = 5 // below MinLength
	_, _, _, _, err := SplitFrame(frame)
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Sub != bgperr.BadMessageLength {
		t.Fatalf("expected BadMessageLength, got %v", err)
	}
}

func TestSplitFrameRejectsBadType(t *testing.T) {
	frame := BuildHeader(TypeKeepalive, nil)
	frame[18] = 99
	_, _, _, _, err := SplitFrame(frame)
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Sub != bgperr.BadMessageType {
		t.Fatalf("expected BadMessageType, got %v", err)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	o := &Open{
		Version:        4,
		ASN:            64512,
		HoldTime:       180,
		BGPIdentifier:  0x01010101,
		MPCapabilities: []MPCapability{{AFI: attr.AFIIPv6, SAFI: attr.SAFIUnicast}},
	}
	dec, err := ParseOpen(o.Encode(), 0x02020202)
	if err != nil {
		t.Fatal(err)
	}
	if dec.ASN != o.ASN || dec.HoldTime != o.HoldTime || dec.BGPIdentifier != o.BGPIdentifier {
		t.Fatalf("mismatch: %+v", dec)
	}
	if len(dec.MPCapabilities) != 1 || dec.MPCapabilities[0] != o.MPCapabilities[0] {
		t.Fatalf("capability mismatch: %+v", dec.MPCapabilities)
	}
}

func TestOpenRejectsBadVersion(t *testing.T) {
	o := &Open{Version: 3, ASN: 64512, HoldTime: 180, BGPIdentifier: 0x01010101}
	_, err := ParseOpen(o.Encode(), 0)
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Sub != bgperr.UnsupportedVersion {
		t.Fatalf("expected UnsupportedVersion, got %v", err)
	}
}

func TestOpenRejectsSelfBGPId(t *testing.T) {
	o := &Open{Version: 4, ASN: 64512, HoldTime: 180, BGPIdentifier: 0x01010101}
	_, err := ParseOpen(o.Encode(), 0x01010101)
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Sub != bgperr.BadBGPIdentifier {
		t.Fatalf("expected BadBGPIdentifier, got %v", err)
	}
}

func TestOpenRejectsBadHoldTime(t *testing.T) {
	o := &Open{Version: 4, ASN: 64512, HoldTime: 1, BGPIdentifier: 0x01010101}
	_, err := ParseOpen(o.Encode(), 0)
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Sub != bgperr.UnacceptableHoldTime {
		t.Fatalf("expected UnacceptableHoldTime, got %v", err)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	pfx, _ := ip.NewPrefix(ip.MustFromNetip(netip.MustParseAddr("192.0.2.0")), 24)
	dict := attr.NewAttributeDict()
	dict.Set(&attr.Attribute{Flags: attr.FlagTransitive, Value: attr.Origin{Value: attr.OriginIGP}})
	dict.Set(&attr.Attribute{Flags: attr.FlagTransitive, Value: attr.ASPath{}})
	dict.Set(&attr.Attribute{Flags: attr.FlagTransitive, Value: attr.NextHop{Address: ip.MustFromNetip(netip.MustParseAddr("198.51.100.1"))}})

	u := &Update{NLRI: []ip.Prefix{pfx}, Attrs: dict}
	dec, err := ParseUpdate(u.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.NLRI) != 1 || !dec.NLRI[0].Equal(pfx) {
		t.Fatalf("NLRI mismatch: %+v", dec.NLRI)
	}
	if _, ok := dec.Attrs.Get(attr.CodeOrigin); !ok {
		t.Fatal("expected Origin attribute to survive round trip")
	}
}

func TestUpdateRejectsMissingWellKnownWithNLRI(t *testing.T) {
	pfx, _ := ip.NewPrefix(ip.MustFromNetip(netip.MustParseAddr("192.0.2.0")), 24)
	u := &Update{NLRI: []ip.Prefix{pfx}, Attrs: attr.NewAttributeDict()}
	_, err := ParseUpdate(u.Encode())
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Sub != bgperr.MissingWellKnownAttr {
		t.Fatalf("expected MissingWellKnownAttr, got %v", err)
	}
}

func TestUpdateRejectsOversizedWithdrawnPrefixLength(t *testing.T) {
	// withdrawn-routes length = 2, one withdrawn entry whose length byte
	// (33) exceeds FamilyIPv4's 32-bit maximum; no attributes, no NLRI.
	body := []byte{0x00, 0x02, 33, 0x00, 0x00, 0x00}
	_, err := ParseUpdate(body)
	n, ok := err.(*bgperr.Notification)
	if !ok || n.Code != bgperr.MsgUpdate || n.Sub != bgperr.InvalidNetworkField {
		t.Fatalf("expected (MsgUpdate, InvalidNetworkField), got %v", err)
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	n := bgperr.New(bgperr.HoldExpired, 0, nil)
	dec, err := ParseNotification(EncodeNotification(n))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Code != n.Code || dec.Sub != n.Sub {
		t.Fatalf("mismatch: %+v", dec)
	}
}

func TestBuildAndParseDispatch(t *testing.T) {
	frame := Build(Keepalive{})
	body, n, ok, err := Parse(frame, 0)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, isKA := body.(Keepalive); !isKA {
		t.Fatalf("expected Keepalive, got %T", body)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d", n, len(frame))
	}
}
