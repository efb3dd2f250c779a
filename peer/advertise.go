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
	"time"

	"github.com/coreswitch/bgpspeaker/adv"
	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/metrics"
)

// sendAdvertisements implements spec.md §4.5's "session establishment"
// hook: diff the desired route set against what's already on the wire
// per (afi,safi), pack the difference into UPDATE frames, write them
// to the established connection, and record the new advertised set.
func (p *Peering) sendAdvertisements() error {
	p.mu.Lock()
	estab := p.estab
	desired := p.toAdvertise
	enabled := p.enabledFamilies
	p.mu.Unlock()
	if estab == nil {
		return nil
	}

	byFamily := make(map[adv.Family][]adv.Advertisement)
	for _, a := range desired {
		if enabled[a.Family] {
			byFamily[a.Family] = append(byFamily[a.Family], a)
		}
	}

	families := make(map[adv.Family]bool, len(enabled))
	for f := range enabled {
		families[f] = true
	}
	p.mu.Lock()
	for f := range p.advertised {
		families[f] = true
	}
	p.mu.Unlock()

	for fam := range families {
		toAdvertiseSet := adv.NewPrefixSet()
		attrsByKey := make(map[attr.FrozenAttributeDict]*attr.AttributeDict)
		for _, a := range byFamily[fam] {
			toAdvertiseSet.Add(a.Prefix)
			attrsByKey[a.Attrs.Freeze()] = a.Attrs
		}

		p.mu.Lock()
		advertisedSet, ok := p.advertised[fam]
		if !ok {
			advertisedSet = adv.NewPrefixSet()
		}
		p.mu.Unlock()

		withdrawals, updates := adv.Diff(advertisedSet, toAdvertiseSet)
		grouped := adv.Group(groupableAdvertisements(byFamily[fam], updates))

		packStart := time.Now()
		frames, err := adv.PackFamily(fam, withdrawals, grouped, attrsByKey)
		metrics.PackDuration.WithLabelValues(fam.String()).Observe(time.Since(packStart).Seconds())
		if err != nil {
			return err
		}
		for _, frame := range frames {
			if _, err := estab.conn.NC.Write(frame); err != nil {
				return err
			}
		}
		if len(frames) > 0 {
			metrics.UpdatesSentTotal.WithLabelValues(p.peerLabel(), fam.String()).Add(float64(len(frames)))
		}

		p.mu.Lock()
		p.advertised[fam] = toAdvertiseSet
		p.mu.Unlock()
		metrics.PrefixesAdvertised.WithLabelValues(p.peerLabel(), fam.String()).Set(float64(toAdvertiseSet.Len()))
	}
	return nil
}

// groupableAdvertisements filters ads down to exactly the prefixes
// present in updates, preserving each advertisement's own attribute
// set for grouping.
func groupableAdvertisements(ads []adv.Advertisement, updates *adv.PrefixSet) []adv.Advertisement {
	var out []adv.Advertisement
	for _, a := range ads {
		if updates.Contains(a.Prefix) {
			out = append(out, a)
		}
	}
	return out
}
