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

// Package packer implements the UPDATE message builder: incremental
// packing of withdrawals, attributes, and NLRI into a single
// size-bounded buffer (spec.md §4.2).
package packer

import (
	"encoding/binary"

	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/ip"
	"github.com/coreswitch/bgpspeaker/msg"
	"github.com/pkg/errors"
)

// MaxMessageSize is the hard 4096-byte cap on a single BGP message.
const MaxMessageSize = msg.MaxLength

// ErrOverflow is returned by AddAttributes when the attribute set
// cannot fit alongside whatever withdrawals are already packed; the
// caller reacts by flushing the message and retrying on an empty one.
var ErrOverflow = errors.New("packer: attributes do not fit in remaining message budget")

// PrefixSet is the minimal mutable-set contract a packer consumes:
// peek the next candidate without committing to it, and remove it
// once it has actually been packed. adv.PrefixSet implements this over
// a radix-tree-backed store.
type PrefixSet interface {
	Len() int
	Peek() (ip.Prefix, bool)
	Remove(ip.Prefix)
}

// UpdateMessage is a four-segment buffer: the 19-byte header (implicit,
// computed at Encode time), the withdrawn-routes block, the path
// attributes block, and the NLRI block. Every exported method leaves
// the buffer in a state that re-parses to the same content the builder
// reports, and never exceeds MaxMessageSize when encoded.
type UpdateMessage struct {
	withdrawn []byte
	attrs     []byte
	nlri      []byte
}

func New() *UpdateMessage { return &UpdateMessage{} }

// size is the total encoded message length: header + two 16-bit block
// length prefixes + the three block bodies.
func (m *UpdateMessage) size() int {
	return msg.HeaderLen + 2 + len(m.withdrawn) + 2 + len(m.attrs) + len(m.nlri)
}

// Remaining is the number of additional bytes that can still be packed
// before MaxMessageSize is hit.
func (m *UpdateMessage) Remaining() int { return MaxMessageSize - m.size() }

func (m *UpdateMessage) Empty() bool {
	return len(m.withdrawn) == 0 && len(m.attrs) == 0 && len(m.nlri) == 0
}

// AddSomeWithdrawals packs as many prefixes as fit from set into the
// withdrawn block, removing each one packed, and returns how many were
// packed.
func (m *UpdateMessage) AddSomeWithdrawals(set PrefixSet) int {
	n := 0
	for {
		p, ok := set.Peek()
		if !ok {
			break
		}
		enc := p.EncodeNLRI()
		if len(enc) > m.Remaining() {
			break
		}
		m.withdrawn = append(m.withdrawn, enc...)
		set.Remove(p)
		n++
	}
	return n
}

// AddSomeNLRI is AddSomeWithdrawals' counterpart for the NLRI block.
func (m *UpdateMessage) AddSomeNLRI(set PrefixSet) int {
	n := 0
	for {
		p, ok := set.Peek()
		if !ok {
			break
		}
		enc := p.EncodeNLRI()
		if len(enc) > m.Remaining() {
			break
		}
		m.nlri = append(m.nlri, enc...)
		set.Remove(p)
		n++
	}
	return n
}

// AddAttributes replaces the attribute block with the encoding of
// attrs. It fails with ErrOverflow, leaving the message unmodified, if
// the attributes do not fit alongside the withdrawals already packed.
func (m *UpdateMessage) AddAttributes(attrs []*attr.Attribute) error {
	var encoded []byte
	for _, a := range attrs {
		encoded = append(encoded, a.Encode()...)
	}
	budgetWithoutAttrs := m.Remaining() + len(m.attrs)
	if len(encoded) > budgetWithoutAttrs {
		return ErrOverflow
	}
	m.attrs = encoded
	return nil
}

// ClearAttributes truncates the attribute block back to empty.
func (m *UpdateMessage) ClearAttributes() { m.attrs = nil }

// Encode renders the full on-wire UPDATE message, header included.
func (m *UpdateMessage) Encode() []byte {
	body := make([]byte, 0, 4+len(m.withdrawn)+len(m.attrs)+len(m.nlri))
	body = binary.BigEndian.AppendUint16(body, uint16(len(m.withdrawn)))
	body = append(body, m.withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(m.attrs)))
	body = append(body, m.attrs...)
	body = append(body, m.nlri...)
	return msg.BuildHeader(msg.TypeUpdate, body)
}

// Decode re-parses an encoded message back into its three blocks, for
// the round-trip invariant tests assert.
func Decode(frame []byte) (*msg.Update, error) {
	body, typ, _, ok, err := msg.SplitFrame(frame)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("packer: incomplete frame")
	}
	if typ != msg.TypeUpdate {
		return nil, errors.Errorf("packer: not an UPDATE frame (type %v)", typ)
	}
	return msg.ParseUpdate(body)
}
