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
	"github.com/coreswitch/bgpspeaker/ip"
)

// Update is the decoded UPDATE message body: classic (IPv4 unicast)
// withdrawn prefixes and NLRI travel as raw prefix lists; every other
// address family arrives only inside the attribute dict's MP-Reach/
// MP-Unreach-NLRI attributes.
type Update struct {
	Withdrawn []ip.Prefix
	Attrs     *attr.AttributeDict
	NLRI      []ip.Prefix
}

// ParseUpdate decodes an UPDATE body per spec.md §4.1. Any error that
// isn't already a specific *bgperr.Notification is wrapped as
// (MsgUpdate, MalformedAttributeList), matching the catch-all rule.
func ParseUpdate(body []byte) (*Update, error) {
	u, err := parseUpdate(body)
	if err != nil {
		if _, ok := err.(*bgperr.Notification); ok {
			return nil, err
		}
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.MalformedAttributeList, nil)
	}
	return u, nil
}

func parseUpdate(body []byte) (*Update, error) {
	if len(body) < 2 {
		return nil, errTruncated
	}
	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	if len(body) < withdrawnLen {
		return nil, errTruncated
	}
	withdrawn, err := ip.DecodeNLRIList(body[:withdrawnLen], ip.FamilyIPv4)
	if err != nil {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.InvalidNetworkField, nil)
	}
	body = body[withdrawnLen:]

	if len(body) < 2 {
		return nil, errTruncated
	}
	attrLen := int(binary.BigEndian.Uint16(body[0:2]))
	body = body[2:]
	if len(body) < attrLen {
		return nil, errTruncated
	}
	attrBytes := body[:attrLen]
	body = body[attrLen:]

	dict := attr.NewAttributeDict()
	for len(attrBytes) > 0 {
		a, n, err := attr.Decode(attrBytes)
		if err != nil {
			return nil, err
		}
		if _, ok := dict.Get(a.Code()); ok {
			return nil, bgperr.New(bgperr.MsgUpdate, bgperr.MalformedAttributeList, nil)
		}
		dict.Set(a)
		attrBytes = attrBytes[n:]
	}

	nlri, err := ip.DecodeNLRIList(body, ip.FamilyIPv4)
	if err != nil {
		return nil, bgperr.New(bgperr.MsgUpdate, bgperr.InvalidNetworkField, nil)
	}

	if err := dict.Validate(len(nlri) > 0); err != nil {
		return nil, err
	}

	return &Update{Withdrawn: withdrawn, Attrs: dict, NLRI: nlri}, nil
}

var errTruncated = bgperr.New(bgperr.MsgUpdate, bgperr.MalformedAttributeList, nil)

// Encode renders the UPDATE body back to wire form.
func (u *Update) Encode() []byte {
	var withdrawn []byte
	for _, p := range u.Withdrawn {
		withdrawn = append(withdrawn, p.EncodeNLRI()...)
	}

	var attrs []byte
	if u.Attrs != nil {
		for _, a := range u.Attrs.All() {
			attrs = append(attrs, a.Encode()...)
		}
	}

	var nlri []byte
	for _, p := range u.NLRI {
		nlri = append(nlri, p.EncodeNLRI()...)
	}

	out := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	out = binary.BigEndian.AppendUint16(out, uint16(len(withdrawn)))
	out = append(out, withdrawn...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(attrs)))
	out = append(out, attrs...)
	out = append(out, nlri...)
	return out
}
