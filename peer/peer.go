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

// Package peer implements the peering manager: the owner of a single
// logical neighbor's candidate connections, collision resolution, and
// UPDATE production (spec.md §4.5). It is the Producer/Consumer
// surface spec.md §6 specifies as this speaker's external interface.
package peer

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coreswitch/bgpspeaker/adv"
	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/bgplog"
	"github.com/coreswitch/bgpspeaker/conn"
	"github.com/coreswitch/bgpspeaker/fsm"
	"github.com/coreswitch/bgpspeaker/ip"
	"github.com/coreswitch/bgpspeaker/metrics"
	"github.com/coreswitch/bgpspeaker/msg"
	"github.com/pkg/errors"
)

// Config is the per-peering configuration surface of spec.md §6.
type Config struct {
	LocalASN        uint16
	LocalBGPId      uint32 // 0: auto-derive from the connection's local IPv4
	RemoteAddr      net.Addr
	HoldTime        time.Duration
	ConnectRetry    time.Duration
	DelayOpenEnable bool
	IdleHoldTime    time.Duration
}

func (c Config) fsmConfig(localBGPId uint32) fsm.Config {
	cfg := fsm.DefaultConfig(c.LocalASN, localBGPId)
	if c.HoldTime > 0 {
		cfg.HoldTime = c.HoldTime
	}
	if c.ConnectRetry > 0 {
		cfg.ConnectRetry = c.ConnectRetry
	}
	if c.IdleHoldTime > 0 {
		cfg.IdleHoldTime = c.IdleHoldTime
	}
	cfg.DelayOpenEnable = c.DelayOpenEnable
	return cfg
}

// Consumer receives session lifecycle and routing events, dispatched
// to every registered consumer in registration order (spec.md §6).
type Consumer interface {
	SessionEstablished(p *Peering)
	Update(withdrawn []ip.Prefix, attrs *attr.AttributeDict, nlri []ip.Prefix)
	ConnectionClosed(p *Peering, failure *bgperr.Notification)
}

// Status is a snapshot of one peering's current condition: state plus
// simple counters.
type Status struct {
	State            fsm.State
	EstablishedSince time.Time
	FlapCount        int
}

// candidate is one in-flight (inbound or outbound) connection attempt
// toward the peer, each with its own FSM instance — collision
// resolution decides which candidate, if any, is promoted to estab.
// mu serializes every fsm.Handle call for this candidate: the FSM
// itself assumes a single driver, but network reads and timer expiry
// now reach it from different goroutines.
type candidate struct {
	mu sync.Mutex

	conn      *conn.Conn
	fsm       *fsm.FSM
	direction conn.Direction

	timers [5]*time.Timer // indexed by fsm.TimerName
}

// Peering owns the candidate connections to one remote neighbor, kept
// in inbound and outbound lists, and the one, at most, that has reached
// Established. The number of candidates is not capped: every accepted
// or dialed connection is added to its list.
type Peering struct {
	mu sync.Mutex

	cfg Config
	log bgplog.Logger

	localBGPId uint32

	inConnections  []*candidate
	outConnections []*candidate
	estab          *candidate

	consumers []Consumer

	enabledFamilies map[adv.Family]bool
	advertised      map[adv.Family]*adv.PrefixSet
	toAdvertise     []adv.Advertisement

	status Status
}

func New(cfg Config, log bgplog.Logger) *Peering {
	if log == nil {
		log = bgplog.Nil{}
	}
	return &Peering{
		cfg:             cfg,
		log:             log,
		localBGPId:      cfg.LocalBGPId,
		enabledFamilies: map[adv.Family]bool{{AFI: attr.AFIIPv4, SAFI: attr.SAFIUnicast}: true},
		advertised:      make(map[adv.Family]*adv.PrefixSet),
		status:          Status{State: fsm.Idle},
	}
}

func (p *Peering) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// RemoteAddr identifies this peering for logging, metrics, and
// collector labeling.
func (p *Peering) RemoteAddr() net.Addr {
	return p.cfg.RemoteAddr
}

// peerLabel is the Prometheus label value identifying this peering:
// its configured remote address, or "unconfigured" for a peering
// accepting inbound connections with no dial target.
func (p *Peering) peerLabel() string {
	if p.cfg.RemoteAddr == nil {
		return "unconfigured"
	}
	return p.cfg.RemoteAddr.String()
}

// RegisterConsumer appends c to the dispatch list; SessionEstablished/
// Update/ConnectionClosed fire in registration order.
func (p *Peering) RegisterConsumer(c Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

func (p *Peering) UnregisterConsumer(c Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.consumers {
		if existing == c {
			p.consumers = append(p.consumers[:i], p.consumers[i+1:]...)
			return
		}
	}
}

// SetEnabledAddressFamilies restricts which (afi,safi) pairs this
// peering will advertise, per spec.md §6's AFI∈{1,2},SAFI∈{1,2}
// constraint.
func (p *Peering) SetEnabledAddressFamilies(families []adv.Family) error {
	enabled := make(map[adv.Family]bool, len(families))
	for _, f := range families {
		if (f.AFI != attr.AFIIPv4 && f.AFI != attr.AFIIPv6) || (f.SAFI != attr.SAFIUnicast && f.SAFI != attr.SAFIMulticast) {
			return errors.Errorf("peer: unsupported address family %+v", f)
		}
		enabled[f] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabledFamilies = enabled
	return nil
}

// SetAdvertisements replaces the desired route set. If the peering is
// established, it immediately computes the diff against what's
// currently on the wire and sends the resulting UPDATEs.
func (p *Peering) SetAdvertisements(ads []adv.Advertisement) error {
	p.mu.Lock()
	p.toAdvertise = ads
	estab := p.estab
	p.mu.Unlock()

	if estab != nil {
		return p.sendAdvertisements()
	}
	return nil
}

// AcceptConnection registers an inbound (accepted) or outbound
// (dialed) TCP connection as a new candidate, per spec.md §4.5.
func (p *Peering) AcceptConnection(nc net.Conn) error {
	c, err := conn.New(nc)
	if err != nil {
		return err
	}

	localBGPId := p.cfg.LocalBGPId
	if localBGPId == 0 {
		id, err := conn.LocalIPv4BGPId(nc)
		if err != nil {
			return errors.Wrap(err, "peer: deriving local BGP-Id")
		}
		localBGPId = id
	}

	p.mu.Lock()
	if p.localBGPId == 0 {
		p.localBGPId = localBGPId
	}
	f := fsm.New(p.cfg.fsmConfig(p.localBGPId))
	cand := &candidate{conn: c, fsm: f, direction: c.Direction}
	if c.Direction == conn.Outbound {
		cand.fsm.State = fsm.Connect
		p.outConnections = append(p.outConnections, cand)
	} else {
		cand.fsm.State = fsm.Active
		p.inConnections = append(p.inConnections, cand)
	}
	p.mu.Unlock()

	cand.mu.Lock()
	actions := cand.fsm.Handle(fsm.EvTCPConnectionConfirmed, fsm.EventData{})
	p.applyActions(cand, actions)
	p.recordTransition(cand)
	cand.mu.Unlock()
	return nil
}

// DeliverBytes feeds newly read bytes from one candidate's socket
// through the connection protocol and FSM. Collision detection (on OPEN
// receipt in OpenConfirm) and promotion to Established (on KEEPALIVE
// receipt completing the OpenConfirm handshake) are driven by
// applyActions via ActionRunCollisionDetection/ActionNotifyEstablished.
func (p *Peering) DeliverBytes(nc net.Conn, data []byte) {
	p.mu.Lock()
	cand := p.findCandidate(nc)
	localBGPId := p.localBGPId
	p.mu.Unlock()
	if cand == nil {
		return
	}

	for _, r := range cand.conn.Feed(data, localBGPId) {
		cand.mu.Lock()
		actions := cand.fsm.Handle(r.Event, r.Data)
		p.applyActions(cand, actions)
		p.recordTransition(cand)
		state := cand.fsm.State
		cand.mu.Unlock()

		if r.Event == fsm.EvNotifyVersionError || r.Event == fsm.EvNotifyOther {
			if r.Data.Notification != nil {
				metrics.NotificationsReceivedTotal.WithLabelValues(p.peerLabel(), strconv.Itoa(int(r.Data.Notification.Code))).Inc()
			}
		}
		if r.Event == fsm.EvUpdateReceived && state == fsm.Established {
			p.dispatchUpdate(r.Update)
		}
	}
}

func (p *Peering) findCandidate(nc net.Conn) *candidate {
	for _, c := range p.inConnections {
		if c.conn.NC == nc {
			return c
		}
	}
	for _, c := range p.outConnections {
		if c.conn.NC == nc {
			return c
		}
	}
	if p.estab != nil && p.estab.conn.NC == nc {
		return p.estab
	}
	return nil
}

func (p *Peering) dispatchUpdate(u *msg.Update) {
	if u == nil {
		return
	}
	p.mu.Lock()
	consumers := append([]Consumer{}, p.consumers...)
	p.mu.Unlock()
	for _, c := range consumers {
		c.Update(u.Withdrawn, u.Attrs, u.NLRI)
	}
}

// applyActions interprets every FSM action against the real world:
// writing bytes to the wire, arming/cancelling the five per-candidate
// timers, dialing a fresh outbound connection, and firing consumer
// callbacks. The caller must hold cand.mu; a timer callback re-enters
// through fireTimer, which takes the same lock before calling Handle,
// so the FSM is never driven by two goroutines at once (spec.md §5).
//
// ActionNotifyEstablished and ActionRunCollisionDetection are
// dispatched onto a new goroutine rather than run inline: promote and
// resolveCollisionFor may need to dump cand itself (collision rule 1,
// or the losing side of rule 2), which takes cand.mu — already held
// here by the caller.
func (p *Peering) applyActions(cand *candidate, actions []fsm.Action) {
	for _, a := range actions {
		switch a.Kind {
		case fsm.ActionSendOpen:
			_, _ = cand.conn.NC.Write(msg.Build(p.localOpen()))
		case fsm.ActionSendKeepalive:
			_, _ = cand.conn.NC.Write(msg.Build(msg.Keepalive{}))
		case fsm.ActionSendNotification:
			if a.Notification != nil {
				_, _ = cand.conn.NC.Write(msg.Build(a.Notification))
				metrics.NotificationsSentTotal.WithLabelValues(p.peerLabel(), strconv.Itoa(int(a.Notification.Code))).Inc()
			}
		case fsm.ActionStartTimer:
			p.startTimer(cand, a.Timer, a.Duration)
		case fsm.ActionCancelTimer:
			p.cancelTimer(cand, a.Timer)
		case fsm.ActionCancelAllTimers:
			p.cancelAllTimers(cand)
		case fsm.ActionCloseConnection:
			_ = cand.conn.NC.Close()
		case fsm.ActionRequestConnection:
			p.requestConnection()
		case fsm.ActionNotifyClosed:
			p.onClosed(cand, a.Notification)
		case fsm.ActionNotifyEstablished:
			go p.promote(cand)
		case fsm.ActionRunCollisionDetection:
			go p.resolveCollisionFor(cand)
		}
	}
}

// recordTransition publishes cand's post-Handle state to Prometheus.
// Called with cand.mu already held, right after every fsm.Handle.
func (p *Peering) recordTransition(cand *candidate) {
	label := p.peerLabel()
	state := cand.fsm.State
	metrics.SessionState.WithLabelValues(label).Set(float64(state))
	metrics.TransitionsTotal.WithLabelValues(label, state.String()).Inc()
}

// timerEvent maps a TimerName to the FSM event its expiry fires.
func timerEvent(name fsm.TimerName) fsm.Event {
	switch name {
	case fsm.TimerConnectRetry:
		return fsm.EvConnectRetryTimerExpires
	case fsm.TimerHold:
		return fsm.EvHoldTimerExpires
	case fsm.TimerKeepAlive:
		return fsm.EvKeepAliveTimerExpires
	case fsm.TimerDelayOpen:
		return fsm.EvDelayOpenTimerExpires
	case fsm.TimerIdleHold:
		return fsm.EvIdleHoldTimerExpires
	default:
		return 0
	}
}

// startTimer (re)arms one of cand's five named timers. Cancel-then-
// reset is idempotent per spec.md §5: stopping an already-fired timer
// is a harmless no-op, and the old *Timer is simply dropped.
func (p *Peering) startTimer(cand *candidate, name fsm.TimerName, d time.Duration) {
	if t := cand.timers[name]; t != nil {
		t.Stop()
	}
	cand.timers[name] = time.AfterFunc(d, func() { p.fireTimer(cand, name) })
}

func (p *Peering) cancelTimer(cand *candidate, name fsm.TimerName) {
	if t := cand.timers[name]; t != nil {
		t.Stop()
		cand.timers[name] = nil
	}
}

func (p *Peering) cancelAllTimers(cand *candidate) {
	for i := range cand.timers {
		if cand.timers[i] != nil {
			cand.timers[i].Stop()
			cand.timers[i] = nil
		}
	}
}

// fireTimer drives the FSM event for an expired timer. It takes cand.mu
// itself since the call arrives on the timer's own goroutine, never the
// one already holding the lock.
func (p *Peering) fireTimer(cand *candidate, name fsm.TimerName) {
	cand.mu.Lock()
	actions := cand.fsm.Handle(timerEvent(name), fsm.EventData{})
	p.applyActions(cand, actions)
	p.recordTransition(cand)
	cand.mu.Unlock()
}

// requestConnection dials a fresh outbound connection toward the
// peering's configured remote address, handing it to AcceptConnection
// as a brand-new candidate on success (spec.md §4.5 treats every dial
// attempt, retried or not, as its own candidate). A peering with no
// configured RemoteAddr (inbound-only) has nothing to dial and this is
// a no-op.
func (p *Peering) requestConnection() {
	addr := p.cfg.RemoteAddr
	if addr == nil {
		return
	}
	go func() {
		nc, err := net.Dial(addr.Network(), addr.String())
		if err != nil {
			p.log.DEBUG("dial %s failed: %v", addr, err)
			return
		}
		if err := p.AcceptConnection(nc); err != nil {
			p.log.ERR("registering outbound connection to %s: %v", addr, err)
			_ = nc.Close()
			return
		}
		p.runReadLoop(nc)
	}()
}

// runReadLoop feeds bytes read from nc into the peering until the
// connection closes, for candidates this peering dialed itself rather
// than ones an external acceptor handed it (spec.md §4.4).
func (p *Peering) runReadLoop(nc net.Conn) {
	defer nc.Close()
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			p.DeliverBytes(nc, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// localOpen builds the outgoing OPEN, advertising a Multi-Protocol
// Extensions capability (RFC 3392/RFC 4760) for every address family
// this peering was configured to carry (spec.md §9's "rudimentary
// capabilities-advertisement mechanism").
func (p *Peering) localOpen() *msg.Open {
	p.mu.Lock()
	caps := make([]msg.MPCapability, 0, len(p.enabledFamilies))
	for f := range p.enabledFamilies {
		caps = append(caps, msg.MPCapability{AFI: f.AFI, SAFI: f.SAFI})
	}
	p.mu.Unlock()
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].AFI != caps[j].AFI {
			return caps[i].AFI < caps[j].AFI
		}
		return caps[i].SAFI < caps[j].SAFI
	})

	return &msg.Open{
		Version:        4,
		ASN:            p.cfg.LocalASN,
		HoldTime:       uint16(p.cfg.fsmConfig(p.localBGPId).HoldTime / time.Second),
		BGPIdentifier:  p.localBGPId,
		MPCapabilities: caps,
	}
}

func (p *Peering) onClosed(cand *candidate, n *bgperr.Notification) {
	p.mu.Lock()
	p.removeCandidate(cand)
	wasEstab := p.estab == cand
	if wasEstab {
		p.estab = nil
		p.status.FlapCount++
	}
	p.status.State = fsm.Idle
	consumers := append([]Consumer{}, p.consumers...)
	p.mu.Unlock()

	if wasEstab {
		for _, c := range consumers {
			c.ConnectionClosed(p, n)
		}
	}
}

func (p *Peering) removeCandidate(cand *candidate) {
	p.inConnections = removeFrom(p.inConnections, cand)
	p.outConnections = removeFrom(p.outConnections, cand)
}

func removeFrom(list []*candidate, target *candidate) []*candidate {
	for i, c := range list {
		if c == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// ManualStart drives event 1 on every current candidate, per spec.md
// §4.3. A peering with no candidates yet (the common case at startup,
// before any TCP connection exists) simply has nothing to drive; the
// first candidate's FSM is initialized straight into Connect/Active by
// AcceptConnection, per the §9 redesign.
func (p *Peering) ManualStart() {
	p.mu.Lock()
	candidates := p.allCandidates()
	p.mu.Unlock()
	for _, c := range candidates {
		c.mu.Lock()
		actions := c.fsm.Handle(fsm.EvManualStart, fsm.EventData{})
		p.applyActions(c, actions)
		p.recordTransition(c)
		c.mu.Unlock()
	}
}

// AutomaticStart drives event 3 on every current candidate, per
// spec.md §4.3. With idleHold set, the FSM arms TimerIdleHold instead
// of dialing immediately; its expiry delivers event 13
// (EvIdleHoldTimerExpires) through fireTimer, and the FSM handles that
// as a plain automaticStart(false): it arms ConnectRetry and requests
// the connection, damping reconnect attempts against a flapping peer. Has
// the same "no candidates yet" caveat as ManualStart.
func (p *Peering) AutomaticStart(idleHold bool) {
	p.mu.Lock()
	candidates := p.allCandidates()
	p.mu.Unlock()
	for _, c := range candidates {
		c.mu.Lock()
		actions := c.fsm.Handle(fsm.EvAutomaticStart, fsm.EventData{IdleHold: idleHold})
		p.applyActions(c, actions)
		p.recordTransition(c)
		c.mu.Unlock()
	}
}

// ManualStop tears every candidate down cleanly (event 2).
func (p *Peering) ManualStop(ctx context.Context) {
	p.mu.Lock()
	candidates := p.allCandidates()
	p.mu.Unlock()
	for _, c := range candidates {
		c.mu.Lock()
		actions := c.fsm.Handle(fsm.EvManualStop, fsm.EventData{})
		p.applyActions(c, actions)
		p.recordTransition(c)
		c.mu.Unlock()
	}
}

func (p *Peering) allCandidates() []*candidate {
	all := append([]*candidate{}, p.inConnections...)
	all = append(all, p.outConnections...)
	if p.estab != nil {
		all = append(all, p.estab)
	}
	return all
}

// promote installs winner as the peering's established candidate. A
// winner arriving after another candidate already won (both reached
// Established concurrently; only one ActionNotifyEstablished can
// actually win the race below) is left alone: its own FSM has already
// moved to Established, but spec.md §4.5's collision rules dump every
// other candidate once one is promoted, so the loser is cleaned up
// separately rather than here.
func (p *Peering) promote(winner *candidate) {
	p.mu.Lock()
	if p.estab != nil {
		p.mu.Unlock()
		return
	}
	p.removeCandidate(winner)
	p.estab = winner
	p.status.State = fsm.Established
	p.status.EstablishedSince = timeNow()
	others := p.allCandidates()
	consumers := append([]Consumer{}, p.consumers...)
	p.mu.Unlock()

	for _, other := range others {
		if other == winner {
			continue
		}
		other.mu.Lock()
		actions := other.fsm.Handle(fsm.EvCollisionDump, fsm.EventData{})
		p.applyActions(other, actions)
		p.recordTransition(other)
		other.mu.Unlock()
	}

	for _, c := range consumers {
		c.SessionEstablished(p)
	}

	_ = p.sendAdvertisements()
}

// timeNow is a seam so tests can avoid depending on wall-clock time.
var timeNow = time.Now
