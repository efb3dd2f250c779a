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

// Package collector holds reference peer.Consumer implementations that
// externalize session and routing events: a Postgres adj-RIB-in sink
// and a Kafka event sink.
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
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens (and pings) a connection pool to the status database.
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// PostgresSink mirrors accepted routes into the adj_rib_in /
// adj_rib_in_sync_status tables: every accepted prefix is upserted
// keyed by prefix, every withdrawal deletes its row, and a closed
// session clears its sync-status row. The Consumer interface carries
// no peer identity into Update, so adj_rib_in itself is shared across
// every registered peering rather than partitioned per neighbor.
type PostgresSink struct {
	pool *pgxpool.Pool
	log  bgplog.Logger
}

func NewPostgresSink(pool *pgxpool.Pool, log bgplog.Logger) *PostgresSink {
	if log == nil {
		log = bgplog.Nil{}
	}
	return &PostgresSink{pool: pool, log: log.Named("collector.postgres")}
}

func (s *PostgresSink) SessionEstablished(p *peer.Peering) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := p.RemoteAddr().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO adj_rib_in_sync_status (peer_address, session_start_time, updated_at)
		VALUES ($1, now(), now())
		ON CONFLICT (peer_address) DO UPDATE SET
			session_start_time = now(), updated_at = now()`,
		addr,
	)
	if err != nil {
		s.log.ERR("recording session start for %s: %v", addr, err)
	}
}

func (s *PostgresSink) Update(withdrawn []ip.Prefix, attrs *attr.AttributeDict, nlri []ip.Prefix) {
	if len(withdrawn) == 0 && len(nlri) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.log.ERR("begin adj_rib_in tx: %v", err)
		return
	}
	defer tx.Rollback(ctx)

	var attrsJSON []byte
	if attrs != nil {
		summary := make(map[string]string)
		for _, a := range attrs.All() {
			summary[fmt.Sprintf("%d", a.Value.Code())] = fmt.Sprintf("%v", a.Value)
		}
		attrsJSON, err = json.Marshal(summary)
		if err != nil {
			s.log.ERR("marshal attrs: %v", err)
			return
		}
	}

	for _, p := range nlri {
		if _, err := tx.Exec(ctx, `
			INSERT INTO adj_rib_in (prefix, attrs, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (prefix) DO UPDATE SET attrs = EXCLUDED.attrs, updated_at = now()`,
			p.String(), attrsJSON,
		); err != nil {
			s.log.ERR("upsert prefix %s: %v", p, err)
			return
		}
	}
	for _, p := range withdrawn {
		if _, err := tx.Exec(ctx, `DELETE FROM adj_rib_in WHERE prefix = $1`, p.String()); err != nil {
			s.log.ERR("delete prefix %s: %v", p, err)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.log.ERR("commit adj_rib_in tx: %v", err)
	}
}

func (s *PostgresSink) ConnectionClosed(p *peer.Peering, failure *bgperr.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := p.RemoteAddr().String()
	if _, err := s.pool.Exec(ctx, `DELETE FROM adj_rib_in_sync_status WHERE peer_address = $1`, addr); err != nil {
		s.log.ERR("clearing sync status for %s: %v", addr, err)
	}
	if failure != nil {
		s.log.WARNING("session to %s closed: %s", addr, failure.Error())
	}
}
