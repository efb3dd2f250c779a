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

// Package metrics declares the Prometheus series a running speaker
// exposes: one gauge per peering's FSM state, counters for transitions
// and notifications, and histograms for UPDATE packing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_session_state",
			Help: "Current FSM state per peer, as its numeric State value (0=Idle .. 5=Established).",
		},
		[]string{"peer"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_fsm_transitions_total",
			Help: "FSM transitions by peer and resulting state.",
		},
		[]string{"peer", "state"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_notifications_sent_total",
			Help: "NOTIFICATION messages sent, by peer and error code.",
		},
		[]string{"peer", "code"},
	)

	NotificationsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_notifications_received_total",
			Help: "NOTIFICATION messages received, by peer and error code.",
		},
		[]string{"peer", "code"},
	)

	UpdatesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_updates_sent_total",
			Help: "UPDATE messages sent, by peer and address family.",
		},
		[]string{"peer", "family"},
	)

	PrefixesAdvertised = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_prefixes_advertised",
			Help: "Prefixes currently advertised to a peer, by address family.",
		},
		[]string{"peer", "family"},
	)

	PackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_pack_duration_seconds",
			Help:    "Time spent packing one address family's advertisement diff into UPDATE frames.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"family"},
	)

	CollisionsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_collisions_resolved_total",
			Help: "Collision resolutions, by peer and which side (inbound/outbound) was dumped.",
		},
		[]string{"peer", "dumped"},
	)
)

var registerOnce sync.Once

// Register is idempotent: a daemon that restarts its peering manager
// without restarting the process (tests, in particular) can call this
// more than once safely.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionState,
			TransitionsTotal,
			NotificationsSentTotal,
			NotificationsReceivedTotal,
			UpdatesSentTotal,
			PrefixesAdvertised,
			PackDuration,
			CollisionsResolvedTotal,
		)
	})
}
