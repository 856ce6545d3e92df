package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/relaygrid/castguard-decoder/internal/dispatcher"
	"github.com/relaygrid/castguard-decoder/internal/flash"
	"github.com/relaygrid/castguard-decoder/internal/integrity"
	"github.com/relaygrid/castguard-decoder/internal/keystore"
	"github.com/relaygrid/castguard-decoder/internal/metrics"
	"github.com/relaygrid/castguard-decoder/internal/subscription"
	"github.com/relaygrid/castguard-decoder/internal/uartio"
	"github.com/relaygrid/castguard-decoder/internal/wire"
)

// version/commit/date are set via -ldflags at release build time; the zero
// values below are what a `go build` without those flags produces.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("castguard-decoder %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("starting", "decoder_id", cfg.decoderID, "serial", cfg.serialDev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table, err := subscription.NewChannelTable(cfg.channels)
	if err != nil {
		l.Error("channel_table_error", "error", err)
		os.Exit(1)
	}

	subscriptionPages := subscription.NumSlots - 1
	flashSize := int(cfg.flashBase) + subscriptionPages*flash.PageSize
	rawFlash, err := flash.OpenFile(cfg.flashFile, flashSize)
	if err != nil {
		l.Error("flash_open_error", "error", err)
		os.Exit(1)
	}
	page := flash.New(rawFlash)

	gateOK, digest, err := integrity.BootGate(page, cfg.bootImageAddr)
	if err != nil {
		l.Error("boot_gate_error", "error", err)
	}
	if gateOK {
		metrics.M().BootGatePassed.Set(1)
	} else {
		metrics.M().BootGatePassed.Set(0)
		l.Warn("boot_gate_failed", "digest", fmt.Sprintf("%x", digest))
	}

	var keys *keystore.KeyStore
	var signKey *keystore.SigningKey
	var emergency *subscription.Record
	if gateOK {
		keys, err = keystore.Load(cfg.keyFile, subscription.NumSlots)
		if err != nil {
			l.Error("key_load_error", "error", err)
		}
		signKey, err = keystore.LoadSigningKey(cfg.signingKey)
		if err != nil {
			l.Error("signing_key_load_error", "error", err)
		}
		emergency, err = loadEmergencyRecord(cfg.emergencyFile)
		if err != nil {
			l.Error("emergency_record_load_error", "error", err)
			emergency = &subscription.Record{Channel: 0}
		}
	} else {
		l.Warn("subscriptions_not_loaded", "reason", "boot gate failed")
		emergency = &subscription.Record{Channel: 0}
	}

	store := subscription.NewStore(page, cfg.flashBase, table)
	if err := store.LoadAll(emergency); err != nil {
		l.Error("subscription_load_error", "error", err)
		os.Exit(1)
	}

	port, err := uartio.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		l.Error("serial_open_error", "error", err)
		os.Exit(1)
	}
	conn := wire.NewConn(port)

	d := dispatcher.New(conn, store, table, keys, signKey, integrity.CryptoRandTRNG{}, integrity.RealSleeper{})

	metrics.SetReadinessFunc(func() bool { return gateOK && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	if cfg.mdnsEnable {
		if cfg.metricsAddr == "" {
			l.Warn("mdns_skipped", "reason", "mdns-enable requires metrics-addr")
		} else {
			go func() {
				_, p, splitErr := net.SplitHostPort(cfg.metricsAddr)
				portNum := 0
				if splitErr == nil {
					if pn, perr := strconv.Atoi(p); perr == nil {
						portNum = pn
					}
				}
				cleanupMDNS, mdnsErr := startMDNS(ctx, cfg, portNum)
				if mdnsErr != nil {
					l.Warn("mdns_start_failed", "error", mdnsErr)
					return
				}
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
				go func() { <-ctx.Done(); cleanupMDNS() }()
			}()
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case runErr := <-done:
		if runErr != nil {
			l.Error("dispatcher_error", "error", runErr)
		}
	}
	cancel()
}

func loadEmergencyRecord(path string) (*subscription.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < subscription.RecordSize {
		return nil, fmt.Errorf("emergency record file is %d bytes, want %d", len(raw), subscription.RecordSize)
	}
	return subscription.Decode(raw, 0)
}
