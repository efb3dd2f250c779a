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

import "github.com/coreswitch/bgpspeaker/bgperr"

// ParseNotification decodes a NOTIFICATION body: error code (8), sub
// code (8), then diagnostic data to the end of the message.
func ParseNotification(body []byte) (*bgperr.Notification, error) {
	if len(body) < 2 {
		return nil, bgperr.New(bgperr.MsgHdr, bgperr.BadMessageLength, nil)
	}
	return bgperr.New(body[0], body[1], append([]byte{}, body[2:]...)), nil
}

// EncodeNotification renders a NOTIFICATION body.
func EncodeNotification(n *bgperr.Notification) []byte {
	out := make([]byte, 2, 2+len(n.Data))
	out[0] = n.Code
	out[1] = n.Sub
	return append(out, n.Data...)
}

// EncodeKeepalive returns the (empty) KEEPALIVE body.
func EncodeKeepalive() []byte { return nil }
