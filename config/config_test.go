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

import "testing"

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			ListenAddr:             ":179",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Peers: []PeerConfig{
			{
				Name:             "peer-a",
				RemoteAddr:       "198.51.100.1:179",
				LocalASN:         64512,
				RemoteASN:        64513,
				HoldTimeSeconds:  180,
				ConnectRetrySecs: 30,
				AddressFamilies:  []string{"ipv4-unicast"},
			},
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidateRequiresAtLeastOnePeer(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty peers")
	}
}

func TestValidateRejectsDuplicateRemoteAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = append(cfg.Peers, cfg.Peers[0])
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate remote_addr")
	}
}

func TestValidateRejectsMissingASN(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].LocalASN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing local_asn")
	}
}

func TestValidateRejectsTinyHoldTime(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].HoldTimeSeconds = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for hold_time_seconds below 3")
	}
	cfg.Peers[0].HoldTimeSeconds = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("hold_time_seconds of 0 (disabled) should be valid: %v", err)
	}
}

func TestValidateRejectsUnsupportedFamily(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].AddressFamilies = []string{"appletalk"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported address family")
	}
}

func TestPeerConfigFamilies(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].AddressFamilies = []string{"ipv4-unicast", "ipv6-unicast"}
	fams, err := cfg.Peers[0].Families()
	if err != nil {
		t.Fatal(err)
	}
	if len(fams) != 2 {
		t.Fatalf("expected 2 families, got %d", len(fams))
	}
}

func TestLoadWithoutPeersFailsValidation(t *testing.T) {
	cfg, err := Load("")
	// Load("") has no file to read, so it fails Validate (no peers
	// configured); we check that the error surfaces and no config is
	// returned.
	if err == nil {
		t.Fatal("expected validation error for a config with no peers")
	}
	if cfg != nil {
		t.Fatal("expected nil config on validation failure")
	}
}
