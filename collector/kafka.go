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

package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreswitch/bgpspeaker/attr"
	"github.com/coreswitch/bgpspeaker/bgperr"
	"github.com/coreswitch/bgpspeaker/bgplog"
	"github.com/coreswitch/bgpspeaker/ip"
	"github.com/coreswitch/bgpspeaker/peer"
	"github.com/klauspost/compress/zstd"
	"github.com/twmb/franz-go/pkg/kgo"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("collector: zstd encoder init: %v", err))
	}
}

// Event is the wire shape published for every session-lifecycle or
// routing change a KafkaSink observes.
type Event struct {
	Kind   string   `json:"kind"` // "established", "update", "closed"
	Peer   string   `json:"peer"`
	Reason string   `json:"reason,omitempty"`
	NLRI   []string `json:"nlri,omitempty"`
	Gone   []string `json:"withdrawn,omitempty"`
}

// KafkaSink publishes one compressed JSON Event record per observed
// change to a single topic, keyed by peer address so a consumer group
// can partition by neighbor. Update events carry no peer identity (the
// Consumer interface passes none), so their Peer field and record key
// are empty.
type KafkaSink struct {
	client   *kgo.Client
	topic    string
	log      bgplog.Logger
	compress bool
}

func NewKafkaClient(brokers []string, clientID string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
	)
}

func NewKafkaSink(client *kgo.Client, topic string, compress bool, log bgplog.Logger) *KafkaSink {
	if log == nil {
		log = bgplog.Nil{}
	}
	return &KafkaSink{client: client, topic: topic, compress: compress, log: log.Named("collector.kafka")}
}

func (s *KafkaSink) publish(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.log.ERR("marshal event: %v", err)
		return
	}
	if s.compress {
		body = zstdEncoder.EncodeAll(body, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &kgo.Record{Topic: s.topic, Key: []byte(e.Peer), Value: body}
	s.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			s.log.ERR("produce to %s failed: %v", s.topic, err)
		}
	})
}

func (s *KafkaSink) SessionEstablished(p *peer.Peering) {
	s.publish(Event{Kind: "established", Peer: p.RemoteAddr().String()})
}

func (s *KafkaSink) Update(withdrawn []ip.Prefix, attrs *attr.AttributeDict, nlri []ip.Prefix) {
	e := Event{Kind: "update"}
	for _, p := range nlri {
		e.NLRI = append(e.NLRI, p.String())
	}
	for _, p := range withdrawn {
		e.Gone = append(e.Gone, p.String())
	}
	s.publish(e)
}

func (s *KafkaSink) ConnectionClosed(p *peer.Peering, failure *bgperr.Notification) {
	e := Event{Kind: "closed", Peer: p.RemoteAddr().String()}
	if failure != nil {
		e.Reason = failure.Error()
	}
	s.publish(e)
}
