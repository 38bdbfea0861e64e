// Command mqttpub publishes a single message to a broker and exits,
// mirroring the classic mosquitto_pub-style one-shot publisher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

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
	flagTopic    string
	flagMessage  string
	flagQoS      int
	flagRetain   bool
)

var rootCmd = &cobra.Command{
	Use:   "mqttpub",
	Short: "Publish a single message to an MQTT broker",
	RunE:  runPub,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.yaml")
	rootCmd.Flags().StringVar(&flagBroker, "broker", "", "broker address, e.g. tcp://localhost:1883")
	rootCmd.Flags().StringVar(&flagClientID, "client-id", "", "MQTT client ID")
	rootCmd.Flags().StringVar(&flagTopic, "topic", "", "topic to publish to (required)")
	rootCmd.Flags().StringVar(&flagMessage, "message", "", "payload to publish")
	rootCmd.Flags().IntVar(&flagQoS, "qos", 0, "QoS level (0, 1, or 2)")
	rootCmd.Flags().BoolVar(&flagRetain, "retain", false, "set the retain flag")
	rootCmd.MarkFlagRequired("topic")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runPub(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	cfg.Apply(config.Overrides{BrokerAddr: flagBroker, ClientID: flagClientID})

	logger := mqttlog.New("mqttpub", mqttlog.ParseLevel(cfg.LogLevel), os.Stderr)
	slog.SetDefault(logger)

	if flagQoS < 0 || flagQoS > 2 {
		return fmt.Errorf("mqttpub: --qos must be 0, 1, or 2")
	}

	ctx := context.Background()
	nc, err := transport.Dial(ctx, cfg.BrokerAddr, nil)
	if err != nil {
		return fmt.Errorf("mqttpub: dial %s: %w", cfg.BrokerAddr, err)
	}

	client, err := mqttclient.Dial(ctx, nc, mqttclient.Options{
		ClientID:     cfg.ClientID,
		CleanSession: true,
		HasUsername:  cfg.Username != "",
		Username:     cfg.Username,
		HasPassword:  cfg.Password != "",
		Password:     []byte(cfg.Password),
	}, nil)
	if err != nil {
		return fmt.Errorf("mqttpub: connect: %w", err)
	}
	defer client.Close()

	if err := client.Publish(flagTopic, []byte(flagMessage), mqttproto.QoS(flagQoS), flagRetain); err != nil {
		return fmt.Errorf("mqttpub: publish: %w", err)
	}
	logger.Info("published", "topic", flagTopic, "qos", flagQoS, "retain", flagRetain)
	return nil
}
