package bridgefabric

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mqttsuite/mqttsuite/internal/mqttproto"
)

//go:embed bridge-schema.json
var bridgeSchemaJSON []byte

var (
	bridgeSchemaOnce sync.Once
	bridgeResolved   *jsonschema.Resolved
	bridgeSchemaErr  error
)

func compiledBridgeSchema() (*jsonschema.Resolved, error) {
	bridgeSchemaOnce.Do(func() {
		var s jsonschema.Schema
		if err := json.Unmarshal(bridgeSchemaJSON, &s); err != nil {
			bridgeSchemaErr = fmt.Errorf("bridgefabric: parse embedded schema: %w", err)
			return
		}
		bridgeResolved, bridgeSchemaErr = s.Resolve(nil)
	})
	return bridgeResolved, bridgeSchemaErr
}

// ConnectionConfig is one bridge's outgoing connection parameters, shared by
// every broker leg the bridge attaches to. Grounded on Broker.h's
// clientId/keepAlive/cleanSession/will*/username/password/loopPrevention
// fields.
type ConnectionConfig struct {
	ClientID       string
	KeepAlive      uint16
	CleanSession   bool
	WillTopic      string
	WillMessage    string
	WillQoS        mqttproto.QoS
	WillRetain     bool
	Username       string
	Password       string
	LoopPrevention bool
}

// BrokerTopic is one subscription a bridge leg maintains against its remote
// broker.
type BrokerTopic struct {
	Topic string
	QoS   mqttproto.QoS
}

// BrokerConfig describes one broker leg: which bridge it belongs to, how to
// reach it, and which topics to subscribe to on it. Grounded on Broker.h.
type BrokerConfig struct {
	InstanceName string
	Protocol     string
	Encryption   string
	Transport    string
	Host         string
	Port         int
	Topics       []BrokerTopic

	Connection ConnectionConfig
	BridgeName string
}

// Store holds every bridge and broker leg parsed from one bridge
// configuration document, indexed by instance_name the way the source's
// BridgeStore::bridges map does: many instance names may resolve to the same
// shared Bridge when a single bridge config lists multiple brokers.
type Store struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge // instance_name -> shared Bridge
	brokers map[string]BrokerConfig
}

// NewStore returns an empty Store; call LoadAndValidate to populate it.
func NewStore() *Store {
	return &Store{
		bridges: make(map[string]*Bridge),
		brokers: make(map[string]BrokerConfig),
	}
}

// LoadAndValidate parses and schema-validates a bridge configuration
// document and (re)populates the store. Grounded on
// BridgeStore::loadAndValidate: on any failure the store is left unchanged
// and the error is returned rather than partially applied.
func (s *Store) LoadAndValidate(raw []byte) error {
	schema, err := compiledBridgeSchema()
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("bridgefabric: parse config: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("bridgefabric: config failed schema validation: %w", err)
	}

	var doc struct {
		Bridges []struct {
			Connection struct {
				ClientID       string `json:"client_id"`
				KeepAlive      int    `json:"keep_alive"`
				CleanSession   bool   `json:"clean_session"`
				WillTopic      string `json:"will_topic"`
				WillMessage    string `json:"will_message"`
				WillQoS        int    `json:"will_qos"`
				WillRetain     bool   `json:"will_retain"`
				Username       string `json:"username"`
				Password       string `json:"password"`
				LoopPrevention bool   `json:"loop_prevention"`
			} `json:"connection"`
			Brokers []struct {
				InstanceName string `json:"instance_name"`
				Protocol     string `json:"protocol"`
				Encryption   string `json:"encryption"`
				Transport    string `json:"transport"`
				Host         string `json:"host"`
				Port         int    `json:"port"`
				Topics       []struct {
					Topic string `json:"topic"`
					QoS   int    `json:"qos"`
				} `json:"topics"`
			} `json:"brokers"`
		} `json:"bridges"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("bridgefabric: decode config: %w", err)
	}

	bridges := make(map[string]*Bridge)
	brokers := make(map[string]BrokerConfig)

	for _, be := range doc.Bridges {
		conn := ConnectionConfig{
			ClientID:       be.Connection.ClientID,
			KeepAlive:      uint16(be.Connection.KeepAlive),
			CleanSession:   be.Connection.CleanSession,
			WillTopic:      be.Connection.WillTopic,
			WillMessage:    be.Connection.WillMessage,
			WillQoS:        mqttproto.QoS(be.Connection.WillQoS),
			WillRetain:     be.Connection.WillRetain,
			Username:       be.Connection.Username,
			Password:       be.Connection.Password,
			LoopPrevention: be.Connection.LoopPrevention,
		}
		bridge := NewBridge(be.Connection.ClientID)

		for _, bk := range be.Brokers {
			topics := make([]BrokerTopic, 0, len(bk.Topics))
			for _, t := range bk.Topics {
				topics = append(topics, BrokerTopic{Topic: t.Topic, QoS: mqttproto.QoS(t.QoS)})
			}
			bridges[bk.InstanceName] = bridge
			brokers[bk.InstanceName] = BrokerConfig{
				InstanceName: bk.InstanceName,
				Protocol:     bk.Protocol,
				Encryption:   bk.Encryption,
				Transport:    bk.Transport,
				Host:         bk.Host,
				Port:         bk.Port,
				Topics:       topics,
				Connection:   conn,
				BridgeName:   bridge.Name(),
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges = bridges
	s.brokers = brokers
	return nil
}

// GetBridge returns the shared Bridge a broker instance_name belongs to.
func (s *Store) GetBridge(instanceName string) (*Bridge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bridges[instanceName]
	return b, ok
}

// GetBroker returns one broker leg's configuration by instance_name.
func (s *Store) GetBroker(instanceName string) (BrokerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.brokers[instanceName]
	return b, ok
}

// Brokers returns every configured broker leg, keyed by instance_name.
func (s *Store) Brokers() map[string]BrokerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BrokerConfig, len(s.brokers))
	for k, v := range s.brokers {
		out[k] = v
	}
	return out
}
