// Command mqttbroker runs the MQTT 3.1.1 broker core over every listener
// named in its config file: plain TCP, TLS, Unix domain sockets, and
// WebSocket, all accepted onto the same Broker.
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mqttsuite/mqttsuite/internal/broker"
	"github.com/mqttsuite/mqttsuite/internal/config"
	"github.com/mqttsuite/mqttsuite/internal/mqttlog"
	"github.com/mqttsuite/mqttsuite/internal/retained"
	"github.com/mqttsuite/mqttsuite/internal/session"
	"github.com/mqttsuite/mqttsuite/internal/transport"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "mqttbroker",
	Short: "Standalone MQTT 3.1.1 broker",
	RunE:  runBroker,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.yaml")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn, or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	cfg.Apply(config.Overrides{LogLevel: flagLogLevel})

	logger := mqttlog.New("mqttbroker", mqttlog.ParseLevel(cfg.LogLevel), os.Stderr)
	slog.SetDefault(logger)

	var sessionBackend session.Backend
	switch {
	case cfg.SessionStorePath != "" && cfg.SessionBackend == "badger":
		sessionBackend, err = session.OpenBadgerBackend(session.BadgerOptions{Dir: cfg.SessionStorePath})
		if err != nil {
			return fmt.Errorf("mqttbroker: open badger session store: %w", err)
		}
	case cfg.SessionStorePath != "":
		sessionBackend, err = session.OpenFileBackend(cfg.SessionStorePath)
		if err != nil {
			return fmt.Errorf("mqttbroker: open session store: %w", err)
		}
	default:
		sessionBackend = session.NewMemoryBackend()
	}
	if closer, ok := sessionBackend.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	sessions, err := session.Open(sessionBackend)
	if err != nil {
		return fmt.Errorf("mqttbroker: open session store: %w", err)
	}

	b := broker.New(sessions, retained.New())

	listeners := cfg.Listeners
	if len(listeners) == 0 {
		listeners = []config.Listener{{Transport: "tcp", Addr: ":1883"}}
	}

	var wg sync.WaitGroup
	var lns []net.Listener
	for _, l := range listeners {
		var tlsConfig *tls.Config
		if l.CertFile != "" && l.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(l.CertFile, l.KeyFile)
			if err != nil {
				return fmt.Errorf("mqttbroker: load TLS keypair for %s: %w", l.Addr, err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}

		ln, err := transport.Listen(l.Transport, l.Addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("mqttbroker: listen on %s (%s): %w", l.Addr, l.Transport, err)
		}
		lns = append(lns, ln)

		logger.Info("listening", "transport", l.Transport, "addr", l.Addr)
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := b.Serve(ln); err != nil {
				logger.Warn("listener stopped", "err", err)
			}
		}(ln)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	for _, ln := range lns {
		ln.Close()
	}
	wg.Wait()
	return nil
}
