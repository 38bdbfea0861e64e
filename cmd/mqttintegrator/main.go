// Command mqttintegrator subscribes to every topic a mapping document
// declares, rewrites inbound publishes through internal/mapping, republishes
// the results to the broker, and serves the mapping admin HTTP API so the
// document can be edited, validated, deployed, and rolled back live.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mqttsuite/mqttsuite/internal/config"
	"github.com/mqttsuite/mqttsuite/internal/mapping"
	"github.com/mqttsuite/mqttsuite/internal/mqttclient"
	"github.com/mqttsuite/mqttsuite/internal/mqttlog"
	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
	"github.com/mqttsuite/mqttsuite/internal/pgpool"
	"github.com/mqttsuite/mqttsuite/internal/pgpool/ingest"
	"github.com/mqttsuite/mqttsuite/internal/transport"

	adminpkg "github.com/mqttsuite/mqttsuite/internal/admin"
)

var (
	flagConfig     string
	flagBroker     string
	flagMappingDoc string
	flagAdminAddr  string
	flagAdminUser  string
	flagAdminPass  string
)

var rootCmd = &cobra.Command{
	Use:   "mqttintegrator",
	Short: "Rewrite publishes through a mapping document and republish them",
	RunE:  runIntegrator,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to config.yaml")
	rootCmd.Flags().StringVar(&flagBroker, "broker", "", "broker address, e.g. tcp://localhost:1883")
	rootCmd.Flags().StringVar(&flagMappingDoc, "mapping-doc", "", "path to the active mapping document")
	rootCmd.Flags().StringVar(&flagAdminAddr, "admin-addr", "", "address to serve the mapping admin API on")
	rootCmd.Flags().StringVar(&flagAdminUser, "admin-user", "", "mapping admin API Basic Auth username")
	rootCmd.Flags().StringVar(&flagAdminPass, "admin-pass", "", "mapping admin API Basic Auth password")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// liveEngine swaps in a freshly loaded *mapping.Engine atomically so the
// publish-handling goroutine never observes a half-reloaded document.
type liveEngine struct {
	v atomic.Pointer[mapping.Engine]
}

func (l *liveEngine) get() *mapping.Engine  { return l.v.Load() }
func (l *liveEngine) set(e *mapping.Engine) { l.v.Store(e) }

func runIntegrator(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	cfg.Apply(config.Overrides{
		BrokerAddr:     flagBroker,
		MappingDocPath: flagMappingDoc,
		AdminAddr:      flagAdminAddr,
	})
	if flagAdminUser != "" {
		cfg.Admin.User = flagAdminUser
	}
	if flagAdminPass != "" {
		cfg.Admin.Pass = flagAdminPass
	}

	logger := mqttlog.New("mqttintegrator", mqttlog.ParseLevel(cfg.LogLevel), os.Stderr)
	slog.SetDefault(logger)

	if cfg.MappingDocPath == "" {
		return fmt.Errorf("mqttintegrator: --mapping-doc is required")
	}

	var adminStore *adminpkg.Store
	engine := &liveEngine{}

	loadEngine := func() error {
		raw, err := loadActiveOrSeed(cfg.MappingDocPath)
		if err != nil {
			return err
		}
		e := mapping.New()
		if err := e.LoadDocument(raw); err != nil {
			return fmt.Errorf("load mapping document: %w", err)
		}
		engine.set(e)
		return nil
	}
	if err := loadEngine(); err != nil {
		return err
	}

	var pool *pgpool.Pool
	var ingester *ingest.TemperatureIngester
	if cfg.Postgres.Hostaddr != "" {
		ctx := context.Background()
		pool, err = pgpool.NewPool(ctx, pgpool.Config{
			Hostaddr: cfg.Postgres.Hostaddr,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			Username: cfg.Postgres.Username,
			Password: cfg.Postgres.Password,
			PoolSize: cfg.Postgres.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("mqttintegrator: connect Postgres pool: %w", err)
		}
		defer pool.Close()
		ingester = ingest.NewTemperatureIngester(pool)
	}

	if cfg.Admin.Addr != "" {
		adminStore = adminpkg.NewStore(cfg.MappingDocPath)
		mux := http.NewServeMux()
		router := adminpkg.NewRouter(adminStore, adminpkg.Options{
			User:  cfg.Admin.User,
			Pass:  cfg.Admin.Pass,
			Realm: "mqttintegrator",
		}, func() {
			if err := loadEngine(); err != nil {
				logger.Error("mapping document reload failed", "err", err)
			} else {
				logger.Info("mapping document reloaded")
			}
		})
		mux.Handle("/", router)
		srv := &http.Server{Addr: cfg.Admin.Addr, Handler: mux}
		go func() {
			logger.Info("serving mapping admin API", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server stopped", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := transport.Dial(ctx, cfg.BrokerAddr, nil)
	if err != nil {
		return fmt.Errorf("mqttintegrator: dial %s: %w", cfg.BrokerAddr, err)
	}

	var clientRef atomic.Pointer[mqttclient.Client]
	client, err := mqttclient.Dial(ctx, nc, mqttclient.Options{
		ClientID:     cfg.ClientID,
		CleanSession: true,
		HasUsername:  cfg.Username != "",
		Username:     cfg.Username,
		HasPassword:  cfg.Password != "",
		Password:     []byte(cfg.Password),
		KeepAlive:    60,
	}, func(topic string, payload []byte, qos mqttproto.QoS, retain bool) {
		if c := clientRef.Load(); c != nil {
			handleInbound(ctx, engine.get(), c, ingester, cfg.PostgresSinkTopic, topic, payload, qos, retain, logger)
		}
	})
	if err != nil {
		return fmt.Errorf("mqttintegrator: connect: %w", err)
	}
	clientRef.Store(client)
	defer client.Close()

	subs := engine.get().ExtractSubscriptions()
	if len(subs) > 0 {
		var filters []mqttproto.Subscription
		for _, s := range subs {
			filters = append(filters, mqttproto.Subscription{Filter: s.Filter, QoS: mqttproto.QoS(s.QoS)})
		}
		if _, err := client.Subscribe(ctx, filters); err != nil {
			return fmt.Errorf("mqttintegrator: subscribe: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

// handleInbound is invoked for every PUBLISH the broker delivers to this
// client: it rewrites the message through the live mapping engine and
// either republishes the result or, for the configured Postgres sink
// topic, routes it to the ingester instead.
func handleInbound(ctx context.Context, e *mapping.Engine, client *mqttclient.Client, ingester *ingest.TemperatureIngester, sinkTopic, topic string, payload []byte, qos mqttproto.QoS, retain bool, logger *slog.Logger) {
	rewrites, err := e.Match(topic, payload, byte(qos), retain)
	if err != nil {
		logger.Warn("mapping: match failed", "topic", topic, "err", err)
		return
	}

	for _, rewrite := range rewrites {
		if ingester != nil && sinkTopic != "" && rewrite.Topic == sinkTopic {
			var decoded map[string]any
			if err := json.Unmarshal(rewrite.Payload, &decoded); err != nil {
				logger.Warn("postgres sink: payload is not a JSON object", "topic", rewrite.Topic, "err", err)
				continue
			}
			ingester.Ingest(ctx, decoded, func(err error) {
				if err != nil {
					logger.Error("postgres ingestion failed", "err", err)
				}
			})
			continue
		}

		if err := client.Publish(rewrite.Topic, rewrite.Payload, mqttproto.QoS(rewrite.QoS), rewrite.Retain); err != nil {
			logger.Warn("mapping: republish failed", "topic", rewrite.Topic, "err", err)
		}
	}
}

// loadActiveOrSeed reads path, creating it with an empty mapping document
// first if it does not yet exist so a fresh deployment has something valid
// for internal/admin.Store to read.
func loadActiveOrSeed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read mapping document: %w", err)
	}
	empty := []byte(`{"mapping": {"topic_level": []}}`)
	if werr := os.WriteFile(path, empty, 0o644); werr != nil {
		return nil, fmt.Errorf("seed empty mapping document: %w", werr)
	}
	return empty, nil
}
