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

package config

import (
	"fmt"

	"github.com/coreswitch/bgpspeaker/adv"
	"github.com/coreswitch/bgpspeaker/attr"
)

// Families converts the peer's configured address-family names into
// the (AFI,SAFI) pairs the peer package's advertisement plumbing
// consumes. Validate already rejected unknown names, so the default
// case here is unreachable in practice.
func (p *PeerConfig) Families() ([]adv.Family, error) {
	out := make([]adv.Family, 0, len(p.AddressFamilies))
	for _, fam := range p.AddressFamilies {
		switch fam {
		case "ipv4-unicast":
			out = append(out, adv.Family{AFI: attr.AFIIPv4, SAFI: attr.SAFIUnicast})
		case "ipv6-unicast":
			out = append(out, adv.Family{AFI: attr.AFIIPv6, SAFI: attr.SAFIUnicast})
		case "ipv4-multicast":
			out = append(out, adv.Family{AFI: attr.AFIIPv4, SAFI: attr.SAFIMulticast})
		case "ipv6-multicast":
			out = append(out, adv.Family{AFI: attr.AFIIPv6, SAFI: attr.SAFIMulticast})
		default:
			return nil, fmt.Errorf("config: unsupported address family %q", fam)
		}
	}
	return out, nil
}
