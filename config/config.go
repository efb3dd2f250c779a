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

// Package config loads and validates the speaker's static
// configuration: one YAML file layered with environment overrides,
// unmarshalled with koanf the way a daemon built from this corpus
// always does it.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Peers    []PeerConfig   `koanf:"peers"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	ListenAddr             string `koanf:"listen_addr"`
	MetricsListen          string `koanf:"metrics_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// PeerConfig is one configured BGP neighbor. RemoteAddr is dialed when
// PassiveOnly is false; either way an inbound connection from
// RemoteAddr is accepted.
type PeerConfig struct {
	Name               string   `koanf:"name"`
	RemoteAddr         string   `koanf:"remote_addr"`
	LocalASN           uint16   `koanf:"local_asn"`
	RemoteASN          uint16   `koanf:"remote_asn"`
	HoldTimeSeconds    int      `koanf:"hold_time_seconds"`
	ConnectRetrySecs   int      `koanf:"connect_retry_seconds"`
	DelayOpen          bool     `koanf:"delay_open"`
	DelayOpenSeconds   int      `koanf:"delay_open_seconds"`
	IdleHoldSeconds    int      `koanf:"idle_hold_seconds"`
	PassiveOnly        bool     `koanf:"passive_only"`
	AddressFamilies    []string `koanf:"address_families"` // e.g. "ipv4-unicast", "ipv6-unicast"
}

type KafkaConfig struct {
	Brokers       []string `koanf:"brokers"`
	ClientID      string   `koanf:"client_id"`
	Topic         string   `koanf:"topic"`
	FetchMaxBytes int32    `koanf:"fetch_max_bytes"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// Load reads path (if non-empty) as YAML, then overlays
// BGPSPEAKER_-prefixed environment variables (BGPSPEAKER_SERVICE__LOG_LEVEL
// -> service.log_level), applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("BGPSPEAKER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPSPEAKER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgpspeaker-1",
			ListenAddr:             ":179",
			MetricsListen:          ":9179",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "bgpspeaker",
			FetchMaxBytes: 52428800,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.HoldTimeSeconds == 0 {
			p.HoldTimeSeconds = 180
		}
		if p.ConnectRetrySecs == 0 {
			p.ConnectRetrySecs = 30
		}
		if p.IdleHoldSeconds == 0 {
			p.IdleHoldSeconds = 30
		}
		if p.DelayOpenSeconds == 0 {
			p.DelayOpenSeconds = 30
		}
		if len(p.AddressFamilies) == 0 {
			p.AddressFamilies = []string{"ipv4-unicast"}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one entry under peers is required")
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.RemoteAddr == "" {
			return fmt.Errorf("config: peers[%s].remote_addr is required", p.Name)
		}
		if seen[p.RemoteAddr] {
			return fmt.Errorf("config: duplicate peer remote_addr %s", p.RemoteAddr)
		}
		seen[p.RemoteAddr] = true
		if p.LocalASN == 0 {
			return fmt.Errorf("config: peers[%s].local_asn is required", p.Name)
		}
		if p.RemoteASN == 0 {
			return fmt.Errorf("config: peers[%s].remote_asn is required", p.Name)
		}
		if p.HoldTimeSeconds != 0 && p.HoldTimeSeconds < 3 {
			return fmt.Errorf("config: peers[%s].hold_time_seconds must be 0 or >= 3 (got %d)", p.Name, p.HoldTimeSeconds)
		}
		for _, fam := range p.AddressFamilies {
			switch fam {
			case "ipv4-unicast", "ipv6-unicast", "ipv4-multicast", "ipv6-multicast":
			default:
				return fmt.Errorf("config: peers[%s] has unsupported address family %q", p.Name, fam)
			}
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Kafka.FetchMaxBytes != 0 && c.Kafka.FetchMaxBytes < 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0")
	}
	if c.Postgres.MaxConns < 0 {
		return fmt.Errorf("config: postgres.max_conns must be >= 0")
	}
	return nil
}
