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

package peer

import (
	"github.com/coreswitch/bgpspeaker/conn"
	"github.com/coreswitch/bgpspeaker/fsm"
	"github.com/coreswitch/bgpspeaker/metrics"
	"github.com/pkg/errors"
)

// ResolveCollision implements the RFC 4271 tie-break of spec.md §4.5
// rule 2 as a pure function: the side with the numerically smaller
// BGP-Id keeps its outbound connection. The two identifiers must
// differ; equality is a peering misconfiguration.
func ResolveCollision(localBGPId, peerBGPId uint32) (keepOutbound bool, err error) {
	if localBGPId == peerBGPId {
		return false, errors.New("peer: local and peer BGP-Id are equal")
	}
	return localBGPId < peerBGPId, nil
}

// resolveCollisionFor runs collision detection for cand, which has
// just reached OpenConfirm. Rule 1: if another candidate is already
// Established, cand itself is dumped. Rule 2: otherwise the BGP-Id
// tie-break decides which whole candidate list (in or out) is dumped.
func (p *Peering) resolveCollisionFor(cand *candidate) {
	p.mu.Lock()
	if p.estab != nil {
		p.mu.Unlock()
		p.dump(cand)
		return
	}

	var rival *candidate
	for _, c := range p.allCandidates() {
		if c != cand && (c.fsm.State == fsm.OpenConfirm || c.fsm.State == fsm.Established) {
			rival = c
			break
		}
	}
	if rival == nil {
		p.mu.Unlock()
		return
	}
	local := p.localBGPId
	peerID := cand.fsm.PeerOpen.BGPIdentifier
	p.mu.Unlock()

	keepOutbound, err := ResolveCollision(local, peerID)
	if err != nil {
		p.dump(cand)
		return
	}

	p.mu.Lock()
	var losers []*candidate
	if keepOutbound {
		losers = append(losers, p.inConnections...)
	} else {
		losers = append(losers, p.outConnections...)
	}
	p.mu.Unlock()

	for _, loser := range losers {
		p.dump(loser)
	}
}

func (p *Peering) dump(cand *candidate) {
	side := "in"
	if cand.direction == conn.Outbound {
		side = "out"
	}
	metrics.CollisionsResolvedTotal.WithLabelValues(p.peerLabel(), side).Inc()

	cand.mu.Lock()
	actions := cand.fsm.Handle(fsm.EvCollisionDump, fsm.EventData{})
	p.applyActions(cand, actions)
	p.recordTransition(cand)
	cand.mu.Unlock()
}
