// Command mqttsub subscribes to a topic filter and prints every message
// received until interrupted, mirroring mosquitto_sub.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mqttsuite/mqttsuite/internal/config"
	"github.com/mqttsuite/mqttsuite/internal/mqttclient"
	"github.com/mqttsuite/mqttsuite/internal/mqttlog"
	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
	"github.com/mqttsuite/mqttsuite/internal/transport"
)

var (
	flagConfig   string
	flagBroker   string
	flagClientID string
	flagFilter   string
	flagQoS      int
)

var rootCmd = &cobra.Command{
	Use:   "mqttsub",
	Short: "Subscribe to an MQTT topic filter and print incoming messages",
	RunE:  runSub,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.yaml")
	rootCmd.Flags().StringVar(&flagBroker, "broker", "", "broker address, e.g. tcp://localhost:1883")
	rootCmd.Flags().StringVar(&flagClientID, "client-id", "", "MQTT client ID")
	rootCmd.Flags().StringVar(&flagFilter, "topic", "", "topic filter to subscribe to (required)")
	rootCmd.Flags().IntVar(&flagQoS, "qos", 0, "requested max QoS (0, 1, or 2)")
	rootCmd.MarkFlagRequired("topic")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runSub(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	cfg.Apply(config.Overrides{BrokerAddr: flagBroker, ClientID: flagClientID})

	logger := mqttlog.New("mqttsub", mqttlog.ParseLevel(cfg.LogLevel), os.Stderr)
	slog.SetDefault(logger)

	if flagQoS < 0 || flagQoS > 2 {
		return fmt.Errorf("mqttsub: --qos must be 0, 1, or 2")
	}

	ctx := context.Background()
	nc, err := transport.Dial(ctx, cfg.BrokerAddr, nil)
	if err != nil {
		return fmt.Errorf("mqttsub: dial %s: %w", cfg.BrokerAddr, err)
	}

	client, err := mqttclient.Dial(ctx, nc, mqttclient.Options{
		ClientID:     cfg.ClientID,
		CleanSession: true,
		HasUsername:  cfg.Username != "",
		Username:     cfg.Username,
		HasPassword:  cfg.Password != "",
		Password:     []byte(cfg.Password),
	}, func(topic string, payload []byte, qos mqttproto.QoS, retain bool) {
		fmt.Printf("%s %s\n", topic, payload)
	})
	if err != nil {
		return fmt.Errorf("mqttsub: connect: %w", err)
	}
	defer client.Close()

	if _, err := client.Subscribe(ctx, []mqttproto.Subscription{{Filter: flagFilter, QoS: mqttproto.QoS(flagQoS)}}); err != nil {
		return fmt.Errorf("mqttsub: subscribe: %w", err)
	}
	logger.Info("subscribed", "filter", flagFilter, "qos", flagQoS)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
