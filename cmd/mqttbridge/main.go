// Command mqttbridge connects to every broker leg named in a bridge
// configuration document and mirrors publishes between the legs of each
// bridge, with loop prevention, exposing live bridge/broker status over an
// SSE endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mqttsuite/mqttsuite/internal/bridgefabric"
	"github.com/mqttsuite/mqttsuite/internal/config"
	"github.com/mqttsuite/mqttsuite/internal/mqttclient"
	"github.com/mqttsuite/mqttsuite/internal/mqttlog"
	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
	"github.com/mqttsuite/mqttsuite/internal/sse"
	"github.com/mqttsuite/mqttsuite/internal/transport"
)

var (
	flagConfig       string
	flagBridgeConfig string
	flagSSEAddr      string
)

var rootCmd = &cobra.Command{
	Use:   "mqttbridge",
	Short: "Mirror publishes between broker legs of one or more bridges",
	RunE:  runBridge,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.yaml")
	rootCmd.Flags().StringVar(&flagBridgeConfig, "bridge-config", "", "path to bridge config JSON document")
	rootCmd.Flags().StringVar(&flagSSEAddr, "sse-addr", "", "address to serve the SSE status stream on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// clientLeg adapts a connected *mqttclient.Client to bridgefabric.Leg. The
// client is set once, after the handshake completes; mu guards against the
// race between that assignment and an inbound publish arriving on the same
// connection before Dial returns (e.g. a resumed non-clean session
// replaying queued messages immediately after CONNACK).
type clientLeg struct {
	mu     sync.Mutex
	client *mqttclient.Client
}

func (l *clientLeg) setClient(c *mqttclient.Client) {
	l.mu.Lock()
	l.client = c
	l.mu.Unlock()
}

func (l *clientLeg) SendPublish(topic string, payload []byte, qos mqttproto.QoS, retain bool) error {
	l.mu.Lock()
	c := l.client
	l.mu.Unlock()
	if c == nil {
		return fmt.Errorf("mqttbridge: leg not yet connected")
	}
	return c.Publish(topic, payload, qos, retain)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	cfg.Apply(config.Overrides{BridgeConfigPath: flagBridgeConfig, AdminAddr: flagSSEAddr})

	logger := mqttlog.New("mqttbridge", mqttlog.ParseLevel(cfg.LogLevel), os.Stderr)
	slog.SetDefault(logger)

	if cfg.BridgeConfigPath == "" {
		return fmt.Errorf("mqttbridge: --bridge-config is required")
	}
	raw, err := os.ReadFile(cfg.BridgeConfigPath)
	if err != nil {
		return fmt.Errorf("mqttbridge: read bridge config: %w", err)
	}

	store := bridgefabric.NewStore()
	if err := store.LoadAndValidate(raw); err != nil {
		return fmt.Errorf("mqttbridge: invalid bridge config: %w", err)
	}

	distributor := sse.New()

	if cfg.Admin.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", distributor)
		srv := &http.Server{Addr: cfg.Admin.Addr, Handler: mux}
		go func() {
			logger.Info("serving bridge status stream", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("sse server stopped", "err", err)
			}
		}()
	}

	distributor.BridgesStarting()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokers := store.Brokers()
	startedBridges := make(map[string]bool)
	for _, bk := range brokers {
		if !startedBridges[bk.BridgeName] {
			distributor.BridgeStarting(bk.BridgeName)
			startedBridges[bk.BridgeName] = true
		}
		if err := connectLeg(ctx, store, bk, distributor, logger); err != nil {
			logger.Error("bridge leg failed to connect", "instance", bk.InstanceName, "bridge", bk.BridgeName, "err", err)
			distributor.BrokerDisabled(bk.BridgeName, bk.InstanceName)
			continue
		}
	}
	for name := range startedBridges {
		distributor.BridgeStarted(name)
	}
	distributor.BridgesStarted()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	distributor.BridgesStopping()
	for name := range startedBridges {
		distributor.BridgeStopping(name)
	}
	cancel()
	for _, bk := range brokers {
		distributor.BrokerDisconnecting(bk.BridgeName, bk.InstanceName)
	}
	for name := range startedBridges {
		distributor.BridgeStopped(name)
	}
	distributor.BridgesStopped()
	return nil
}

func connectLeg(ctx context.Context, store *bridgefabric.Store, bk bridgefabric.BrokerConfig, distributor *sse.Distributor, logger *slog.Logger) error {
	bridge, ok := store.GetBridge(bk.InstanceName)
	if !ok {
		return fmt.Errorf("no bridge registered for instance %s", bk.InstanceName)
	}

	distributor.BrokerConnecting(bk.BridgeName, bk.InstanceName)

	addr := fmt.Sprintf("%s://%s:%d", bk.Transport, bk.Host, bk.Port)
	nc, err := transport.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	leg := &clientLeg{}
	client, err := mqttclient.Dial(ctx, nc, mqttclient.Options{
		ClientID:     bk.Connection.ClientID + "-" + bk.InstanceName,
		CleanSession: bk.Connection.CleanSession,
		KeepAlive:    bk.Connection.KeepAlive,
		Username:     bk.Connection.Username,
		HasUsername:  bk.Connection.Username != "",
		Password:     []byte(bk.Connection.Password),
		HasPassword:  bk.Connection.Password != "",
		WillTopic:    bk.Connection.WillTopic,
		WillMessage:  []byte(bk.Connection.WillMessage),
		WillQoS:      bk.Connection.WillQoS,
		WillRetain:   bk.Connection.WillRetain,
	}, func(topic string, payload []byte, qos mqttproto.QoS, retain bool) {
		bridge.Publish(leg, topic, payload, qos, retain)
	})
	if err != nil {
		return err
	}
	leg.setClient(client)

	bridge.Attach(leg)
	distributor.BrokerConnected(bk.BridgeName, bk.InstanceName)

	var subs []mqttproto.Subscription
	for _, t := range bk.Topics {
		subs = append(subs, mqttproto.Subscription{Filter: t.Topic, QoS: t.QoS})
	}
	if len(subs) > 0 {
		if _, err := client.Subscribe(ctx, subs); err != nil {
			logger.Warn("bridge leg subscribe failed", "instance", bk.InstanceName, "err", err)
		}
	}

	go func() {
		<-ctx.Done()
		bridge.Detach(leg)
		client.Close()
	}()

	return nil
}
