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

// Package fsm implements the BGP session finite-state machine as a
// pure function of (state, event) to (new state, actions), per
// spec.md §4.3 and the cyclic-ownership redesign in §9: the FSM never
// touches a socket or a timer itself. A driver (the conn/peer packages)
// interprets the returned Action values against real timers and
// connections.
package fsm

import (
	"time"

	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/msg"
)

type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

// Event is a numbered FSM event, numbered per RFC 4271 where the
// number has conventional meaning.
type Event int

const (
	EvManualStart              Event = 1
	EvManualStop               Event = 2
	EvAutomaticStart           Event = 3
	EvConnectRetryTimerExpires Event = 9
	EvHoldTimerExpires         Event = 10
	EvKeepAliveTimerExpires    Event = 11
	EvDelayOpenTimerExpires    Event = 12
	EvIdleHoldTimerExpires     Event = 13
	EvTCPConnectionConfirmed   Event = 16
	EvTCPConnectionFails       Event = 18
	EvOpenReceived             Event = 19
	EvHeaderError              Event = 21
	EvOpenMessageError         Event = 22
	EvCollisionDump            Event = 23
	EvNotifyVersionError       Event = 24
	EvNotifyOther              Event = 25
	EvKeepAliveReceived        Event = 26
	EvUpdateReceived           Event = 27
	EvUpdateMalformed          Event = 28
)

// TimerName names one of the five timers the driver owns on the FSM's
// behalf.
type TimerName int

const (
	TimerConnectRetry TimerName = iota
	TimerHold
	TimerKeepAlive
	TimerDelayOpen
	TimerIdleHold
)

func (t TimerName) String() string {
	switch t {
	case TimerConnectRetry:
		return "ConnectRetry"
	case TimerHold:
		return "Hold"
	case TimerKeepAlive:
		return "KeepAlive"
	case TimerDelayOpen:
		return "DelayOpen"
	case TimerIdleHold:
		return "IdleHold"
	default:
		return "Unknown"
	}
}

// ActionKind tags the semantic meaning of an Action; the driver
// interprets each differently (encode+write, timer control, or an
// observer callback).
type ActionKind int

const (
	ActionSendOpen ActionKind = iota
	ActionSendKeepalive
	ActionSendNotification
	ActionStartTimer
	ActionCancelTimer
	ActionCancelAllTimers
	ActionCloseConnection
	ActionRequestConnection
	ActionNotifyEstablished
	ActionNotifyClosed
	ActionRunCollisionDetection
)

// Action is one instruction emitted by a transition. Only the fields
// relevant to Kind are populated.
type Action struct {
	Kind         ActionKind
	Timer        TimerName
	Duration     time.Duration
	Notification *bgperr.Notification
	Open         *msg.Open
}

// Config is the static, per-peering configuration the FSM consults
// when computing timer durations and OPEN contents. It never changes
// across the life of one FSM instance.
type Config struct {
	LocalASN        uint16
	LocalBGPId      uint32
	HoldTime        time.Duration // default 180s
	ConnectRetry    time.Duration // default 30s
	DelayOpenEnable bool
	DelayOpenTime   time.Duration // default 30s
	IdleHoldTime    time.Duration // default 30s
	LargeHoldTime   time.Duration // default 240s, used pre-negotiation
}

func DefaultConfig(asn uint16, bgpID uint32) Config {
	return Config{
		LocalASN:      asn,
		LocalBGPId:    bgpID,
		HoldTime:      180 * time.Second,
		ConnectRetry:  30 * time.Second,
		DelayOpenTime: 30 * time.Second,
		IdleHoldTime:  30 * time.Second,
		LargeHoldTime: 240 * time.Second,
	}
}

// FSM holds the mutable state of one candidate connection's session.
// It is not safe for concurrent use; per spec.md §5 every handler runs
// to completion before the next is scheduled, by a single driver.
type FSM struct {
	cfg Config

	State               State
	ConnectRetryCounter int

	delayOpenActive bool
	openSent        bool

	negotiatedHold      time.Duration
	negotiatedKeepAlive time.Duration

	PeerOpen *msg.Open
}

func New(cfg Config) *FSM {
	return &FSM{cfg: cfg, State: Idle}
}

// EventData carries the event-specific payload a transition needs.
// Only the field(s) relevant to the fired event are populated.
type EventData struct {
	IdleHold          bool
	Open              *msg.Open
	Notification      *bgperr.Notification
}

// Handle drives one event through the current state, mutating the FSM
// and returning the actions the driver must perform. Every reachable
// (state, event) pair is handled explicitly; anything not named here
// falls through to the default case, which raises an FSM error per
// spec.md §8's "no event silently ignored" invariant.
func (f *FSM) Handle(event Event, data EventData) []Action {
	switch event {
	case EvManualStart:
		return f.onManualStart()
	case EvManualStop:
		return f.onManualStop()
	case EvAutomaticStart:
		return f.onAutomaticStart(data.IdleHold)
	case EvConnectRetryTimerExpires:
		return f.onConnectRetryExpires()
	case EvHoldTimerExpires:
		return f.onHoldExpires()
	case EvKeepAliveTimerExpires:
		return f.onKeepAliveExpires()
	case EvDelayOpenTimerExpires:
		return f.onDelayOpenExpires()
	case EvIdleHoldTimerExpires:
		return f.onIdleHoldExpires()
	case EvTCPConnectionConfirmed:
		return f.onTCPConnectionConfirmed()
	case EvTCPConnectionFails:
		return f.onTCPConnectionFails()
	case EvOpenReceived:
		return f.onOpenReceived(data.Open)
	case EvHeaderError:
		return f.onValidationError(data.Notification)
	case EvOpenMessageError:
		return f.onValidationError(data.Notification)
	case EvCollisionDump:
		return f.onCollisionDump()
	case EvNotifyVersionError:
		return f.onNotifyVersionError()
	case EvNotifyOther:
		return f.onNotifyOther()
	case EvKeepAliveReceived:
		return f.onKeepAliveReceived()
	case EvUpdateReceived:
		return f.onUpdateReceived()
	case EvUpdateMalformed:
		return f.onValidationError(data.Notification)
	default:
		return f.fsmError()
	}
}

func (f *FSM) goIdle() {
	f.State = Idle
	f.delayOpenActive = false
	f.openSent = false
}

// fsmError is the generic "event illegal in current state" path: send
// NOTIFICATION (FSM,0) and error-close.
func (f *FSM) fsmError() []Action {
	return f.errorClose(bgperr.New(bgperr.FSM, 0, nil))
}

// errorClose implements spec.md §4.3's "error close": cancel all
// timers, send the notification if non-nil, close the transport,
// increment the retry counter, and return to Idle.
func (f *FSM) errorClose(n *bgperr.Notification) []Action {
	var actions []Action
	if n != nil {
		actions = append(actions, Action{Kind: ActionSendNotification, Notification: n})
	}
	actions = append(actions,
		Action{Kind: ActionCancelAllTimers},
		Action{Kind: ActionCloseConnection},
	)
	f.ConnectRetryCounter++
	f.goIdle()
	actions = append(actions, Action{Kind: ActionNotifyClosed, Notification: n})
	return actions
}

// cleanClose is errorClose without incrementing the retry counter or
// notifying an observer failure — used for administrative stop and
// collision dumps, which are expected outcomes, not errors.
func (f *FSM) cleanClose(n *bgperr.Notification) []Action {
	var actions []Action
	if n != nil {
		actions = append(actions, Action{Kind: ActionSendNotification, Notification: n})
	}
	actions = append(actions,
		Action{Kind: ActionCancelAllTimers},
		Action{Kind: ActionCloseConnection},
	)
	f.goIdle()
	return actions
}

func (f *FSM) onManualStart() []Action {
	if f.State != Idle {
		return f.fsmError()
	}
	f.ConnectRetryCounter = 0
	return []Action{{Kind: ActionStartTimer, Timer: TimerConnectRetry, Duration: f.cfg.ConnectRetry}}
}

func (f *FSM) onManualStop() []Action {
	if f.State == Idle {
		return f.fsmError()
	}
	return f.cleanClose(bgperr.New(bgperr.Cease, 0, nil))
}

func (f *FSM) onAutomaticStart(idleHold bool) []Action {
	if f.State != Idle {
		return f.fsmError()
	}
	f.ConnectRetryCounter = 0
	if idleHold {
		return []Action{{Kind: ActionStartTimer, Timer: TimerIdleHold, Duration: f.cfg.IdleHoldTime}}
	}
	return []Action{
		{Kind: ActionStartTimer, Timer: TimerConnectRetry, Duration: f.cfg.ConnectRetry},
		{Kind: ActionRequestConnection},
	}
}

func (f *FSM) onConnectRetryExpires() []Action {
	switch f.State {
	case Connect, Active:
		return []Action{
			{Kind: ActionCloseConnection},
			{Kind: ActionStartTimer, Timer: TimerConnectRetry, Duration: f.cfg.ConnectRetry},
			{Kind: ActionRequestConnection},
		}
	default:
		return f.fsmError()
	}
}

func (f *FSM) onHoldExpires() []Action {
	switch f.State {
	case OpenSent, OpenConfirm, Established:
		return f.errorClose(bgperr.New(bgperr.HoldExpired, 0, nil))
	default:
		return f.fsmError()
	}
}

func (f *FSM) onKeepAliveExpires() []Action {
	switch f.State {
	case OpenConfirm, Established:
		if f.negotiatedHold == 0 {
			return nil
		}
		return []Action{
			{Kind: ActionSendKeepalive},
			{Kind: ActionStartTimer, Timer: TimerKeepAlive, Duration: f.negotiatedKeepAlive},
		}
	default:
		return f.fsmError()
	}
}

func (f *FSM) onDelayOpenExpires() []Action {
	switch f.State {
	case Connect, Active:
		f.State = OpenSent
		f.openSent = true
		return []Action{
			{Kind: ActionSendOpen},
			{Kind: ActionStartTimer, Timer: TimerHold, Duration: f.cfg.LargeHoldTime},
		}
	default:
		return f.fsmError()
	}
}

func (f *FSM) onIdleHoldExpires() []Action {
	if f.State != Idle {
		return f.fsmError()
	}
	return f.onAutomaticStart(false)
}

func (f *FSM) onTCPConnectionConfirmed() []Action {
	switch f.State {
	case Connect, Active:
		if f.cfg.DelayOpenEnable {
			f.delayOpenActive = true
			return []Action{{Kind: ActionStartTimer, Timer: TimerDelayOpen, Duration: f.cfg.DelayOpenTime}}
		}
		f.State = OpenSent
		f.openSent = true
		return []Action{
			{Kind: ActionSendOpen},
			{Kind: ActionStartTimer, Timer: TimerHold, Duration: f.cfg.LargeHoldTime},
		}
	default:
		return f.fsmError()
	}
}

func (f *FSM) onTCPConnectionFails() []Action {
	switch f.State {
	case Connect:
		if f.delayOpenActive {
			f.State = Active
			return []Action{{Kind: ActionCancelTimer, Timer: TimerDelayOpen}}
		}
		f.goIdle()
		return []Action{{Kind: ActionCancelAllTimers}}
	case Active:
		f.ConnectRetryCounter++
		f.goIdle()
		return []Action{{Kind: ActionCancelAllTimers}}
	case OpenSent:
		f.State = Active
		return []Action{{Kind: ActionCancelTimer, Timer: TimerHold}}
	case OpenConfirm, Established:
		return f.errorClose(nil)
	default:
		return f.fsmError()
	}
}

// onOpenReceived implements the intended behavior of spec.md §9's
// "openReceived" design note: negotiate Hold/KeepAlive and arm both
// timers with the negotiated periods (not the source's two typos).
func (f *FSM) onOpenReceived(peerOpen *msg.Open) []Action {
	switch f.State {
	case Connect, Active:
		if f.delayOpenActive {
			n, err := f.negotiate(peerOpen)
			if err != nil {
				return f.errorClose(err)
			}
			f.State = OpenConfirm
			f.PeerOpen = peerOpen
			return append([]Action{
				{Kind: ActionCancelTimer, Timer: TimerDelayOpen},
				{Kind: ActionSendOpen},
				{Kind: ActionSendKeepalive},
			}, n...)
		}
		return f.fsmError()
	case OpenSent:
		n, err := f.negotiate(peerOpen)
		if err != nil {
			return f.errorClose(err)
		}
		f.State = OpenConfirm
		f.PeerOpen = peerOpen
		return append([]Action{{Kind: ActionSendKeepalive}}, n...)
	case OpenConfirm:
		f.PeerOpen = peerOpen
		return []Action{{Kind: ActionRunCollisionDetection}}
	default:
		return f.fsmError()
	}
}

// negotiate computes hold/keepAlive from peerOpen and returns the
// timer-(re)arming actions, or an UnacceptableHoldTime error.
func (f *FSM) negotiate(peerOpen *msg.Open) ([]Action, *bgperr.Notification) {
	localHold := f.cfg.HoldTime
	peerHold := time.Duration(peerOpen.HoldTime) * time.Second
	hold := localHold
	if peerHold < hold {
		hold = peerHold
	}
	if hold > 0 && hold < 3*time.Second {
		return nil, bgperr.New(bgperr.MsgOpen, bgperr.UnacceptableHoldTime, nil)
	}
	f.negotiatedHold = hold
	if hold == 0 {
		f.negotiatedKeepAlive = 0
		return []Action{{Kind: ActionCancelTimer, Timer: TimerHold}}, nil
	}
	f.negotiatedKeepAlive = hold / 3
	return []Action{
		{Kind: ActionStartTimer, Timer: TimerHold, Duration: f.negotiatedHold},
		{Kind: ActionStartTimer, Timer: TimerKeepAlive, Duration: f.negotiatedKeepAlive},
	}, nil
}

func (f *FSM) onValidationError(n *bgperr.Notification) []Action {
	switch f.State {
	case Established:
		return f.errorClose(n)
	case OpenSent, OpenConfirm:
		if n != nil && n.Code == bgperr.MsgUpdate {
			return f.fsmError()
		}
		return f.errorClose(n)
	case Connect, Active:
		return f.errorClose(n)
	default:
		return f.fsmError()
	}
}

func (f *FSM) onCollisionDump() []Action {
	switch f.State {
	case OpenSent, OpenConfirm, Established:
		return f.cleanClose(bgperr.New(bgperr.Cease, 0, nil))
	default:
		return f.fsmError()
	}
}

func (f *FSM) onNotifyVersionError() []Action {
	switch f.State {
	case OpenSent, OpenConfirm:
		return f.cleanClose(nil)
	default:
		return f.errorClose(nil)
	}
}

func (f *FSM) onNotifyOther() []Action {
	if f.State == Idle {
		return f.fsmError()
	}
	return f.errorClose(nil)
}

func (f *FSM) onKeepAliveReceived() []Action {
	switch f.State {
	case OpenConfirm:
		f.State = Established
		actions := []Action{{Kind: ActionNotifyEstablished}}
		if f.negotiatedHold != 0 {
			actions = append(actions, Action{Kind: ActionStartTimer, Timer: TimerHold, Duration: f.negotiatedHold})
		}
		return actions
	case Established:
		if f.negotiatedHold == 0 {
			return nil
		}
		return []Action{{Kind: ActionStartTimer, Timer: TimerHold, Duration: f.negotiatedHold}}
	case Connect, Active:
		return f.errorClose(nil)
	default:
		return f.fsmError()
	}
}

func (f *FSM) onUpdateReceived() []Action {
	switch f.State {
	case Established:
		if f.negotiatedHold == 0 {
			return nil
		}
		return []Action{{Kind: ActionStartTimer, Timer: TimerHold, Duration: f.negotiatedHold}}
	case Connect, Active:
		return f.errorClose(nil)
	case OpenSent, OpenConfirm:
		return f.fsmError()
	default:
		return f.fsmError()
	}
}
