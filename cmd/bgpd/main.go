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

// Command bgpd runs a BGP-4 speaker: one peer.Peering per configured
// neighbor, a shared TCP listener for inbound sessions, outbound
// dialers for non-passive neighbors, and optional Kafka/Postgres
// collectors wired in as peer.Consumers.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreswitch/bgpspeaker/bgplog"
	"github.com/coreswitch/bgpspeaker/collector"
	"github.com/coreswitch/bgpspeaker/config"
	"github.com/coreswitch/bgpspeaker/metrics"
	"github.com/coreswitch/bgpspeaker/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath, logLevelOverride := parseFlags(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	zapLog, err := bgplog.NewZapProduction(cfg.Service.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync()
	var logger bgplog.Logger = zapLog

	metrics.Register()

	logger.INFO("starting bgpd instance=%s listen=%s peers=%d",
		cfg.Service.InstanceID, cfg.Service.ListenAddr, len(cfg.Peers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peerings, err := buildPeerings(ctx, cfg, logger)
	if err != nil {
		logger.ERR("building peerings: %v", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.Service.ListenAddr)
	if err != nil {
		logger.ERR("listen on %s: %v", cfg.Service.ListenAddr, err)
		os.Exit(1)
	}
	logger.INFO("listening for inbound sessions on %s", cfg.Service.ListenAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); acceptLoop(ctx, ln, peerings, logger) }()

	for _, pc := range cfg.Peers {
		if pc.PassiveOnly {
			continue
		}
		addr := pc.RemoteAddr
		p := peerings[addr]
		wg.Add(1)
		go func() { defer wg.Done(); dialLoop(ctx, addr, p, logger) }()
	}

	var metricsSrv *http.Server
	if cfg.Service.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Service.MetricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.ERR("metrics server: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.INFO("received shutdown signal %s", sig.String())

	cancel()
	ln.Close()
	for _, pc := range cfg.Peers {
		peerings[pc.RemoteAddr].ManualStop(context.Background())
	}
	if metricsSrv != nil {
		metricsSrv.Close()
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		logger.INFO("all peerings stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.WARNING("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.INFO("bgpd stopped")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

// buildPeerings constructs one Peering per configured neighbor and
// wires up the Kafka/Postgres collectors named in cfg, if configured.
func buildPeerings(ctx context.Context, cfg *config.Config, logger bgplog.Logger) (map[string]*peer.Peering, error) {
	var kafkaSink *collector.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		client, err := collector.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return nil, fmt.Errorf("kafka client: %w", err)
		}
		kafkaSink = collector.NewKafkaSink(client, cfg.Kafka.Topic, true, logger)
	}

	var pgSink *collector.PostgresSink
	if cfg.Postgres.DSN != "" {
		pool, err := collector.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		pgSink = collector.NewPostgresSink(pool, logger)
	}

	peerings := make(map[string]*peer.Peering, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		remote, err := net.ResolveTCPAddr("tcp", pc.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("resolving peers[%s].remote_addr %q: %w", pc.Name, pc.RemoteAddr, err)
		}

		p := peer.New(peer.Config{
			LocalASN:        pc.LocalASN,
			RemoteAddr:      remote,
			HoldTime:        time.Duration(pc.HoldTimeSeconds) * time.Second,
			ConnectRetry:    time.Duration(pc.ConnectRetrySecs) * time.Second,
			DelayOpenEnable: pc.DelayOpen,
			IdleHoldTime:    time.Duration(pc.IdleHoldSeconds) * time.Second,
		}, logger.Named("peer."+pc.Name))

		families, err := pc.Families()
		if err != nil {
			return nil, err
		}
		if err := p.SetEnabledAddressFamilies(families); err != nil {
			return nil, fmt.Errorf("peers[%s]: %w", pc.Name, err)
		}

		if kafkaSink != nil {
			p.RegisterConsumer(kafkaSink)
		}
		if pgSink != nil {
			p.RegisterConsumer(pgSink)
		}

		peerings[pc.RemoteAddr] = p
	}
	return peerings, nil
}

// acceptLoop accepts inbound TCP connections and dispatches each one
// to the Peering whose configured RemoteAddr matches the connection's
// remote IP, registering it as a candidate and feeding it bytes until
// it closes or ctx is cancelled.
func acceptLoop(ctx context.Context, ln net.Listener, peerings map[string]*peer.Peering, logger bgplog.Logger) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.ERR("accept: %v", err)
			continue
		}

		p := peeringForRemote(peerings, nc.RemoteAddr())
		if p == nil {
			logger.WARNING("rejecting connection from unconfigured peer %s", nc.RemoteAddr())
			nc.Close()
			continue
		}

		if err := p.AcceptConnection(nc); err != nil {
			logger.ERR("accepting connection from %s: %v", nc.RemoteAddr(), err)
			nc.Close()
			continue
		}
		go readLoop(ctx, nc, p, logger)
	}
}

// dialLoop repeatedly dials a non-passive neighbor, handing each
// successful connection to the Peering as a candidate. After a failed
// dial it waits a fixed 30 seconds before trying again; after a
// connection closes it redials at once. The peer's configured
// ConnectRetry period is not consulted here.
func dialLoop(ctx context.Context, addr string, p *peer.Peering, logger bgplog.Logger) {
	p.ManualStart()
	for {
		if ctx.Err() != nil {
			return
		}
		nc, err := net.Dial("tcp", addr)
		if err != nil {
			logger.DEBUG("dial %s failed: %v", addr, err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := p.AcceptConnection(nc); err != nil {
			logger.ERR("registering outbound connection to %s: %v", addr, err)
			nc.Close()
			continue
		}
		readLoop(ctx, nc, p, logger)
	}
}

// readLoop feeds bytes read from nc into the Peering until the
// connection closes or ctx is cancelled.
func readLoop(ctx context.Context, nc net.Conn, p *peer.Peering, logger bgplog.Logger) {
	defer nc.Close()
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := nc.Read(buf)
		if n > 0 {
			p.DeliverBytes(nc, buf[:n])
		}
		if err != nil {
			logger.DEBUG("connection from %s closed: %v", nc.RemoteAddr(), err)
			return
		}
	}
}

func peeringForRemote(peerings map[string]*peer.Peering, remote net.Addr) *peer.Peering {
	tcpAddr, ok := remote.(*net.TCPAddr)
	if !ok {
		return nil
	}
	for _, p := range peerings {
		configured, ok := p.RemoteAddr().(*net.TCPAddr)
		if ok && configured.IP.Equal(tcpAddr.IP) {
			return p
		}
	}
	return nil
}

