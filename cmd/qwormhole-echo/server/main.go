// Command qwormhole-echo-server is the server half of the transport's
// smoke-test tool, modeled on the teacher's examples/echo/server: accept
// connections, echo every payload back to its sender. Unlike the
// teacher's version it is flag- and config-file-driven (in the manner of
// the teacher's cmd/azurl), so it also doubles as a worked example of
// wiring the optional Azure-backed ledger, trust-snapshot sink, and
// telemetry relay from internal/azstore behind ordinary qwormhole
// options.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	qwormhole "github.com/qwormhole/qwormhole"
	"github.com/qwormhole/qwormhole/internal/azstore"
	"github.com/qwormhole/qwormhole/internal/config"
	"github.com/qwormhole/qwormhole/internal/maintenance"
	"github.com/qwormhole/qwormhole/internal/obslog"
	"github.com/qwormhole/qwormhole/internal/promexport"
	"github.com/qwormhole/qwormhole/internal/sysload"
)

func printUsage() {
	fmt.Println("qwormhole-echo-server - accept connections and echo payloads back")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  qwormhole-echo-server [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  qwormhole-echo-server -addr :9090 -protocol-version qwormhole/1")
	fmt.Println("  qwormhole-echo-server -config ./server.yaml -env ./server.env")
	fmt.Println("  qwormhole-echo-server -ledger-url https://acct.table.core.windows.net -snapshot-url https://acct.blob.core.windows.net")
}

func main() {
	flag.Usage = printUsage

	addr := flag.String("addr", ":9090", "address to listen on")
	configPath := flag.String("config", "", "optional YAML config file (internal/config.File)")
	envPath := flag.String("env", "", "optional dotenv file loaded before the YAML config")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	logFormat := flag.String("log-format", "text", "text or json")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus /metrics on (disabled when empty)")
	protocolVersion := flag.String("protocol-version", "qwormhole/1", "protocol version advertised on handshake")
	localNIndex := flag.Float64("local-n-index", 0.9, "this endpoint's local negotiation index")
	maxClients := flag.Int("max-clients", 0, "maximum concurrent clients (0 = unlimited)")

	ledgerURL := flag.String("ledger-url", "", "Azure Table Storage service URL for a fleet-shared failed-handshake ledger")
	ledgerTable := flag.String("ledger-table", "qwormholeledger", "table name for the failed-handshake ledger")
	ledgerTTL := flag.Duration("ledger-ttl", 24*time.Hour, "ledger entry TTL swept by the maintenance cron")
	ledgerCap := flag.Int("ledger-cap", 10000, "ledger hard cap swept by the maintenance cron")
	ledgerSweepCron := flag.String("ledger-sweep-cron", "@hourly", "cron spec for the ledger sweep")

	snapshotURL := flag.String("snapshot-url", "", "Azure Blob Storage service URL for the trust-snapshot sink")
	snapshotContainer := flag.String("snapshot-container", "trust-snapshots", "container for trust-snapshot append blobs")
	snapshotPrefix := flag.String("snapshot-prefix", "snap", "append-blob name prefix for trust snapshots")
	snapshotRateBytes := flag.Int("snapshot-rate-bytes", 0, "snapshot sink write rate limit in bytes/sec (0 = unthrottled)")

	telemetryURL := flag.String("telemetry-url", "", "Azure Queue Storage service URL for the out-of-process telemetry relay")
	telemetryQueue := flag.String("telemetry-queue", "qwormhole-telemetry", "queue name for relayed telemetry reports")
	telemetryRateBytes := flag.Int("telemetry-rate-bytes", 0, "telemetry sink write rate limit in bytes/sec (0 = unthrottled)")

	sysloadEnabled := flag.Bool("sysload", false, "blend host CPU load into the adaptive controller's idle-ratio signal")
	sysloadInterval := flag.Duration("sysload-interval", 15*time.Second, "host CPU sampling interval when -sysload is set")

	flag.Parse()

	obslog.Set(obslog.New(*logLevel, *logFormat, nil))
	log := obslog.L()

	var opts []qwormhole.Option
	if *configPath != "" {
		f, err := config.Load(*configPath, *envPath)
		if err != nil {
			log.Error("config_load_failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, f.Options()...)
	} else {
		opts = append(opts,
			qwormhole.WithProtocolVersion(*protocolVersion),
			qwormhole.WithLocalNIndex(*localNIndex),
		)
	}
	if *maxClients > 0 {
		opts = append(opts, qwormhole.WithMaxClients(*maxClients))
	}

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	if *metricsAddr != "" {
		m := promexport.New()
		opts = append(opts, qwormhole.WithMetrics(m))
		srv := promexport.StartHTTP(*metricsAddr)
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = promexport.Shutdown(ctx, srv)
		})
		log.Info("metrics_listening", "addr", *metricsAddr)
	}

	if *sysloadEnabled {
		t := sysload.New(qwormhole.NewRuntimeTelemetry(), *sysloadInterval)
		opts = append(opts, qwormhole.WithSchedulerTelemetry(t))
		cleanups = append(cleanups, t.Close)
		log.Info("sysload_enabled", "interval", *sysloadInterval)
	}

	if *ledgerURL != "" {
		ledger, err := azstore.NewTableLedger(*ledgerURL, *ledgerTable)
		if err != nil {
			log.Error("ledger_init_failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, qwormhole.WithLedger(ledger))

		sweeper, err := maintenance.NewLedgerSweeper(ledger, *ledgerTTL, *ledgerCap, *ledgerSweepCron)
		if err != nil {
			log.Error("ledger_sweeper_init_failed", "error", err)
			os.Exit(1)
		}
		sweeper.Start()
		cleanups = append(cleanups, func() { <-sweeper.Stop().Done() })
		log.Info("ledger_fleet_shared", "table", *ledgerTable, "sweep_cron", *ledgerSweepCron)
	}

	if *snapshotURL != "" {
		sink, err := azstore.NewBlobSnapshotSink(*snapshotURL, *snapshotContainer, *snapshotPrefix, *snapshotRateBytes)
		if err != nil {
			log.Error("snapshot_sink_init_failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, qwormhole.WithTrustSnapshotSink(sink.Sink))
		log.Info("snapshot_sink_enabled", "container", *snapshotContainer)
	}

	var telemetry *azstore.QueueTelemetrySink
	if *telemetryURL != "" {
		sink, err := azstore.NewQueueTelemetrySink(*telemetryURL, *telemetryQueue, *telemetryRateBytes)
		if err != nil {
			log.Error("telemetry_sink_init_failed", "error", err)
			os.Exit(1)
		}
		telemetry = sink
		log.Info("telemetry_relay_enabled", "queue", *telemetryQueue)
	}

	opts = append(opts,
		qwormhole.WithOnConnection(func(c *qwormhole.Connection) {
			obslog.Conn(c.ID, c.Remote).Info("connected")
		}),
		qwormhole.WithOnMessage(func(c *qwormhole.Connection, payload []byte) {
			c.Send(payload, qwormhole.PriorityDefault)
		}),
		qwormhole.WithOnClientClosed(func(c *qwormhole.Connection, reason qwormhole.CloseReason, hadError bool) {
			obslog.Conn(c.ID, c.Remote).Info("closed", "reason", reason, "had_error", hadError)
		}),
		qwormhole.WithOnServerError(func(c *qwormhole.Connection, err error) {
			log.Warn("server_error", "error", err)
		}),
	)
	if telemetry != nil {
		relay := func(c *qwormhole.Connection) {
			if ctl := c.Controller; ctl != nil {
				telemetry.Report(c.Remote, ctl.Diagnostics(), c.Framer.Snapshot(false))
			}
		}
		opts = append(opts,
			qwormhole.WithOnBackpressure(func(c *qwormhole.Connection, n int) { relay(c) }),
			qwormhole.WithOnDrain(relay),
		)
	}

	s, err := qwormhole.Listen("tcp", *addr, opts...)
	if err != nil {
		log.Error("listen_failed", "error", err)
		os.Exit(1)
	}
	log.Info("listening", "addr", s.Addr().String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting_down")
		_ = s.Shutdown(5 * time.Second)
	}()

	if err := s.Serve(); err != nil {
		log.Error("serve_failed", "error", err)
		os.Exit(1)
	}
}
