// Command qwormhole-echo-client is the client half of the transport's
// smoke-test tool, modeled on the teacher's examples/echo/client: read
// lines from stdin, send each as a payload, print whatever the server
// echoes back. Like its server counterpart it is flag- and config-file-
// driven in the manner of the teacher's cmd/azurl.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	qwormhole "github.com/qwormhole/qwormhole"
	"github.com/qwormhole/qwormhole/internal/config"
	"github.com/qwormhole/qwormhole/internal/obslog"
)

func printUsage() {
	fmt.Println("qwormhole-echo-client - send stdin lines to a qwormhole-echo-server, print the echo")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  qwormhole-echo-client [flags] <host:port>")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  qwormhole-echo-client -protocol-version qwormhole/1 127.0.0.1:9090")
	fmt.Println("  qwormhole-echo-client -config ./client.yaml 127.0.0.1:9090")
}

func main() {
	flag.Usage = printUsage

	configPath := flag.String("config", "", "optional YAML config file (internal/config.File)")
	envPath := flag.String("env", "", "optional dotenv file loaded before the YAML config")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	logFormat := flag.String("log-format", "text", "text or json")
	protocolVersion := flag.String("protocol-version", "qwormhole/1", "protocol version advertised on handshake")
	localNIndex := flag.Float64("local-n-index", 0.9, "this endpoint's local negotiation index")
	reconnect := flag.Bool("reconnect", true, "reconnect with exponential backoff on a dropped connection")

	flag.Parse()
	if flag.NArg() != 1 {
		printUsage()
		os.Exit(2)
	}
	addr := flag.Arg(0)

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
	if *reconnect {
		opts = append(opts, qwormhole.WithReconnect(qwormhole.ReconnectConfig{
			InitialDelay: qwormhole.DefaultReconnectInitialDelay,
			MaxDelay:     qwormhole.DefaultReconnectMaxDelay,
			Multiplier:   qwormhole.DefaultReconnectMultiplier,
		}))
	}

	done := make(chan []byte, 1)
	opts = append(opts,
		qwormhole.WithOnMessage(func(c *qwormhole.Connection, payload []byte) {
			done <- payload
		}),
		qwormhole.WithOnReady(func() {
			log.Info("connected", "addr", addr)
		}),
		qwormhole.WithOnReconnecting(func(attempt int, delay time.Duration) {
			log.Warn("reconnecting", "attempt", attempt, "delay", delay)
		}),
		qwormhole.WithOnClientClosed(func(c *qwormhole.Connection, reason qwormhole.CloseReason, hadError bool) {
			log.Info("closed", "reason", reason, "had_error", hadError)
		}),
	)

	c, err := qwormhole.Dial("tcp", addr, opts...)
	if err != nil {
		log.Error("dial_failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := c.Send(append([]byte(nil), line...)); err != nil {
			log.Error("send_failed", "error", err)
			continue
		}
		select {
		case echoed := <-done:
			fmt.Println(string(echoed))
		case <-time.After(10 * time.Second):
			log.Warn("echo_timeout")
		}
	}
}
