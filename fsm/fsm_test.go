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

package fsm

import (
	"testing"
	"time"

	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/msg"
)

func findAction(actions []Action, kind ActionKind) (Action, bool) {
	for _, a := range actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return Action{}, false
}

func TestEveryEventEitherTransitionsOrErrors(t *testing.T) {
	events := []Event{
		EvManualStart, EvManualStop, EvAutomaticStart, EvConnectRetryTimerExpires,
		EvHoldTimerExpires, EvKeepAliveTimerExpires, EvDelayOpenTimerExpires,
		EvIdleHoldTimerExpires, EvTCPConnectionConfirmed, EvTCPConnectionFails,
		EvOpenReceived, EvHeaderError, EvOpenMessageError, EvCollisionDump,
		EvNotifyVersionError, EvNotifyOther, EvKeepAliveReceived, EvUpdateReceived,
		EvUpdateMalformed,
	}
	states := []State{Idle, Connect, Active, OpenSent, OpenConfirm, Established}

	for _, s := range states {
		for _, e := range events {
			f := New(DefaultConfig(64512, 0x01010101))
			f.State = s
			data := EventData{Open: &msg.Open{Version: 4, ASN: 64513, HoldTime: 90, BGPIdentifier: 0x02020202}, Notification: bgperr.New(bgperr.MsgUpdate, bgperr.MalformedAttributeList, nil)}
			actions := f.Handle(e, data)
			// Every call must leave the FSM in a defined, known state;
			// Handle must never panic (the loop itself is the assertion).
			_ = actions
			switch f.State {
			case Idle, Connect, Active, OpenSent, OpenConfirm, Established:
			default:
				t.Fatalf("state %v event %v: left FSM in undefined state %v", s, e, f.State)
			}
		}
	}
}

func TestCleanSessionReachesEstablished(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))

	f.Handle(EvManualStart, EventData{})
	if f.State != Idle {
		t.Fatalf("after ManualStart: %v", f.State)
	}

	f.Handle(EvTCPConnectionConfirmed, EventData{})
	// DefaultConfig has DelayOpen disabled, so TCP-confirmed sends OPEN
	// directly from Connect (the FSM starts in Idle above; drive it to
	// Connect explicitly since ManualStart only arms the retry timer).
	f.State = Connect
	actions := f.Handle(EvTCPConnectionConfirmed, EventData{})
	if f.State != OpenSent {
		t.Fatalf("after TCP confirmed: %v", f.State)
	}
	if _, ok := findAction(actions, ActionSendOpen); !ok {
		t.Fatal("expected SendOpen action")
	}

	peerOpen := &msg.Open{Version: 4, ASN: 64513, HoldTime: 90, BGPIdentifier: 0x02020202}
	actions = f.Handle(EvOpenReceived, EventData{Open: peerOpen})
	if f.State != OpenConfirm {
		t.Fatalf("after OPEN received: %v", f.State)
	}
	if f.negotiatedHold != 90*time.Second || f.negotiatedKeepAlive != 30*time.Second {
		t.Fatalf("negotiated hold=%v keepAlive=%v, want 90s/30s", f.negotiatedHold, f.negotiatedKeepAlive)
	}
	if _, ok := findAction(actions, ActionSendKeepalive); !ok {
		t.Fatal("expected SendKeepalive action on OPEN receipt")
	}

	actions = f.Handle(EvKeepAliveReceived, EventData{})
	if f.State != Established {
		t.Fatalf("after KEEPALIVE received: %v", f.State)
	}
	if _, ok := findAction(actions, ActionNotifyEstablished); !ok {
		t.Fatal("expected a NotifyEstablished action")
	}
}

func TestVersionMismatchSendsNotificationAndGoesIdle(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))
	f.State = OpenSent

	// A version error is detected by the codec before it ever reaches
	// the FSM as an Open value; the FSM sees it as an OpenMessageError.
	n := bgperr.New(bgperr.MsgOpen, bgperr.UnsupportedVersion, []byte{4})
	actions := f.Handle(EvOpenMessageError, EventData{Notification: n})
	if f.State != Idle {
		t.Fatalf("state = %v, want Idle", f.State)
	}
	sent, ok := findAction(actions, ActionSendNotification)
	if !ok || sent.Notification.Sub != bgperr.UnsupportedVersion {
		t.Fatalf("expected UnsupportedVersion notification, got %+v", actions)
	}
	if _, ok := findAction(actions, ActionNotifyEstablished); ok {
		t.Fatal("must not notify established on version error")
	}
}

func TestHoldTimerExpiryInEstablished(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))
	f.State = Established
	f.negotiatedHold = 6 * time.Second

	actions := f.Handle(EvHoldTimerExpires, EventData{})
	if f.State != Idle {
		t.Fatalf("state = %v, want Idle", f.State)
	}
	sent, ok := findAction(actions, ActionSendNotification)
	if !ok || sent.Notification.Code != bgperr.HoldExpired {
		t.Fatalf("expected HoldExpired notification, got %+v", actions)
	}
	if _, ok := findAction(actions, ActionNotifyClosed); !ok {
		t.Fatal("expected observer to be notified of closure")
	}
}

func TestCollisionDumpClosesCleanlyWithoutCounterIncrement(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))
	f.State = OpenConfirm
	before := f.ConnectRetryCounter

	actions := f.Handle(EvCollisionDump, EventData{})
	if f.State != Idle {
		t.Fatalf("state = %v, want Idle", f.State)
	}
	if f.ConnectRetryCounter != before {
		t.Fatal("collision dump must not increment the retry counter")
	}
	sent, ok := findAction(actions, ActionSendNotification)
	if !ok || sent.Notification.Code != bgperr.Cease || sent.Notification.Sub != 0 {
		t.Fatalf("expected Cease/0 notification, got %+v", actions)
	}
}

// TestManualStopSendsCeaseSubcodeZero pins spec.md §4.3 event 2 and the
// §7 taxonomy table (Cease|6/0): administrative stop must not use one
// of the more specific RFC 4486 sub-codes.
func TestManualStopSendsCeaseSubcodeZero(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))
	f.State = Established

	actions := f.Handle(EvManualStop, EventData{})
	if f.State != Idle {
		t.Fatalf("state = %v, want Idle", f.State)
	}
	sent, ok := findAction(actions, ActionSendNotification)
	if !ok || sent.Notification.Code != bgperr.Cease || sent.Notification.Sub != 0 {
		t.Fatalf("expected Cease/0 notification, got %+v", actions)
	}
}

// TestAutomaticStartWithIdleHoldArmsIdleHoldTimer pins event 3 (spec.md
// §4.3): with idleHold set, onAutomaticStart must arm TimerIdleHold
// rather than dial immediately, resetting the retry counter either way.
func TestAutomaticStartWithIdleHoldArmsIdleHoldTimer(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))
	f.ConnectRetryCounter = 3

	actions := f.Handle(EvAutomaticStart, EventData{IdleHold: true})
	if f.State != Idle {
		t.Fatalf("state = %v, want Idle", f.State)
	}
	if f.ConnectRetryCounter != 0 {
		t.Fatal("automatic start must reset the retry counter")
	}
	timer, ok := findAction(actions, ActionStartTimer)
	if !ok || timer.Timer != TimerIdleHold {
		t.Fatalf("expected IdleHold timer armed, got %+v", actions)
	}
	if _, ok := findAction(actions, ActionRequestConnection); ok {
		t.Fatal("must not request a connection while idle-holding")
	}
}

// TestAutomaticStartWithoutIdleHoldRequestsConnection pins the other
// half of event 3: without idleHold, ConnectRetry is armed and a
// connection is requested immediately.
func TestAutomaticStartWithoutIdleHoldRequestsConnection(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))

	actions := f.Handle(EvAutomaticStart, EventData{IdleHold: false})
	timer, ok := findAction(actions, ActionStartTimer)
	if !ok || timer.Timer != TimerConnectRetry {
		t.Fatalf("expected ConnectRetry timer armed, got %+v", actions)
	}
	if _, ok := findAction(actions, ActionRequestConnection); !ok {
		t.Fatal("expected a connection request")
	}
}

// TestIdleHoldTimerExpiryRequestsConnection pins event 13: once the
// IdleHold timer fires, the FSM behaves exactly like automaticStart(false).
func TestIdleHoldTimerExpiryRequestsConnection(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))

	actions := f.Handle(EvIdleHoldTimerExpires, EventData{})
	if _, ok := findAction(actions, ActionRequestConnection); !ok {
		t.Fatal("expected a connection request once IdleHold expires")
	}
}

func TestHoldTimeNegotiationRejectsTinyValue(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))
	f.cfg.HoldTime = 2 * time.Second
	f.State = OpenSent

	peerOpen := &msg.Open{Version: 4, ASN: 64513, HoldTime: 90, BGPIdentifier: 0x02020202}
	actions := f.Handle(EvOpenReceived, EventData{Open: peerOpen})
	if f.State != Idle {
		t.Fatalf("state = %v, want Idle", f.State)
	}
	sent, ok := findAction(actions, ActionSendNotification)
	if !ok || sent.Notification.Sub != bgperr.UnacceptableHoldTime {
		t.Fatalf("expected UnacceptableHoldTime, got %+v", actions)
	}
}

func TestHoldZeroDisablesTimers(t *testing.T) {
	f := New(DefaultConfig(64512, 0x01010101))
	f.State = OpenSent
	peerOpen := &msg.Open{Version: 4, ASN: 64513, HoldTime: 0, BGPIdentifier: 0x02020202}
	f.Handle(EvOpenReceived, EventData{Open: peerOpen})
	if f.negotiatedHold != 0 || f.negotiatedKeepAlive != 0 {
		t.Fatalf("expected hold=0 keepAlive=0, got %v/%v", f.negotiatedHold, f.negotiatedKeepAlive)
	}
	actions := f.Handle(EvKeepAliveReceived, EventData{})
	if _, ok := findAction(actions, ActionStartTimer); ok {
		t.Fatal("hold=0 must not arm the hold timer on Established entry")
	}
}
