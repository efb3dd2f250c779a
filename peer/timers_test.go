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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/bgplog"
	"github.com/coreswitch/bgpspeaker/ip"
	"github.com/coreswitch/bgpspeaker/msg"
)

// flagConsumer records session lifecycle callbacks under a mutex, for
// tests that assert on real timer-driven transitions (as opposed to
// fsm_test.go's direct Handle() calls).
type flagConsumer struct {
	mu          sync.Mutex
	established bool
	closed      bool
	failure     *bgperr.Notification
}

func (f *flagConsumer) SessionEstablished(p *Peering) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.established = true
}
func (f *flagConsumer) Update([]ip.Prefix, *attr.AttributeDict, []ip.Prefix) {}
func (f *flagConsumer) ConnectionClosed(p *Peering, n *bgperr.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.failure = n
}

func (f *flagConsumer) snapshot() (established, closed bool, failure *bgperr.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established, f.closed, f.failure
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// dialPair opens a loopback TCP pair: srv is what a simulated remote
// peer reads/writes, cli is the net.Conn handed to the Peering under
// test. Real sockets are used (not net.Pipe) because conn.New derives
// Direction from a parseable host:port RemoteAddr.
func dialPair(t *testing.T) (cli, srv net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			acceptedCh <- nc
		}
	}()

	cli, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv = <-acceptedCh
	return cli, srv
}

// TestHoldTimerExpiryClosesEstablishedSessionViaRealTimer exercises the
// peer package's timer wiring end-to-end (spec.md §8 scenario 3): once
// Established with a short negotiated Hold, a peer that stops sending
// KEEPALIVEs sees its session torn down by a real, firing Hold timer,
// with a HoldTimerExpired NOTIFICATION and a ConnectionClosed callback.
func TestHoldTimerExpiryClosesEstablishedSessionViaRealTimer(t *testing.T) {
	cli, srv := dialPair(t)
	defer cli.Close()
	defer srv.Close()

	p := New(Config{
		LocalASN:   64512,
		LocalBGPId: 0x01010101,
		HoldTime:   3 * time.Second,
	}, bgplog.Nil{})

	consumer := &flagConsumer{}
	p.RegisterConsumer(consumer)

	// AcceptConnection drives EvTCPConnectionConfirmed, which (DelayOpen
	// disabled) sends our OPEN immediately and arms the large pre-
	// negotiation Hold timer.
	if err := p.AcceptConnection(cli); err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}
	go p.runReadLoop(cli)

	// Drain our OPEN off the wire so the write doesn't matter further,
	// then reply as a well-behaved peer: OPEN (short hold) + KEEPALIVE.
	readOneFrame(t, srv)

	peerOpen := &msg.Open{Version: 4, ASN: 64513, HoldTime: 3, BGPIdentifier: 0x02020202}
	if _, err := srv.Write(msg.Build(peerOpen)); err != nil {
		t.Fatalf("write peer OPEN: %v", err)
	}
	if _, err := srv.Write(msg.Build(msg.Keepalive{})); err != nil {
		t.Fatalf("write peer KEEPALIVE: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		established, _, _ := consumer.snapshot()
		return established
	})

	// The peer now goes silent. Our negotiated Hold (min(3,3)=3s) must
	// fire for real and tear the session down.
	waitUntil(t, 6*time.Second, func() bool {
		_, closed, _ := consumer.snapshot()
		return closed
	})

	_, _, failure := consumer.snapshot()
	if failure == nil || failure.Code != bgperr.HoldExpired {
		t.Fatalf("expected HoldExpired notification, got %+v", failure)
	}
}

// readOneFrame reads and discards exactly one framed BGP message from
// nc, using the 16-byte-marker + 16-bit-length header to know how much
// to read.
func readOneFrame(t *testing.T, nc net.Conn) {
	t.Helper()
	header := make([]byte, msg.HeaderLen)
	if _, err := readFull(nc, header); err != nil {
		t.Fatalf("reading frame header: %v", err)
	}
	length := int(header[16])<<8 | int(header[17])
	rest := make([]byte, length-msg.HeaderLen)
	if len(rest) > 0 {
		if _, err := readFull(nc, rest); err != nil {
			t.Fatalf("reading frame body: %v", err)
		}
	}
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
