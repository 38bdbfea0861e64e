// Package mapping implements the mapping engine: a schema-validated document
// describing a tree of topic levels, each optionally rewriting an inbound
// publish into zero or more outbound publishes via a static value, a
// template (internal/mapping/template) rendered from the raw payload, or a
// template rendered from payload parsed as JSON. Grounded on the source's lib/MqttMapper.cpp.
package mapping

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mqttsuite/mqttsuite/internal/mapping/funcs"
	"github.com/mqttsuite/mqttsuite/internal/mapping/pluginmanifest"
	"github.com/mqttsuite/mqttsuite/internal/mapping/template"
)

//go:embed mapping-schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	resolved   *jsonschema.Resolved
	schemaErr  error
)

// SchemaJSON returns the embedded mapping document JSON schema, exposed so
// internal/admin can serve it verbatim from GET /schema.
func SchemaJSON() []byte {
	return schemaJSON
}

// ValidateDocument schema-validates raw without loading it as the active
// document, used by internal/admin's POST /config/validate.
func ValidateDocument(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("mapping: parse document: %w", err)
	}
	return schema.Validate(generic)
}

func compiledSchema() (*jsonschema.Resolved, error) {
	schemaOnce.Do(func() {
		var s jsonschema.Schema
		if err := json.Unmarshal(schemaJSON, &s); err != nil {
			schemaErr = fmt.Errorf("mapping: parse embedded schema: %w", err)
			return
		}
		resolved, schemaErr = s.Resolve(nil)
	})
	return resolved, schemaErr
}

// Rewrite is one outbound publish produced by matching an inbound publish
// against a mapping document.
type Rewrite struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Engine evaluates inbound publishes against a loaded mapping document.
type Engine struct {
	mu     sync.RWMutex
	doc    *Document
	funcs  template.FuncTable
	clock  func() time.Time
}

// New returns an Engine with the built-in function table (double, storage,
// add, upper, lower, now) ready for use; LoadDocument must be called before
// Match.
func New() *Engine {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable time source for now(), used by
// tests that need deterministic output.
func NewWithClock(clock func() time.Time) *Engine {
	return &Engine{
		funcs: funcs.Builtins(clock),
		clock: clock,
	}
}

// RegisterFunc adds or overrides a single template function, e.g. to extend
// the built-in set with a deployment-specific helper.
func (e *Engine) RegisterFunc(name string, fn template.Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

// LoadDocument validates raw against the mapping document schema, parses it,
// resolves its "plugins" manifest against the built-in function registry,
// and installs it as the engine's active document.
func (e *Engine) LoadDocument(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("mapping: parse document: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("mapping: document failed schema validation: %w", err)
	}

	obj, ok := generic.(map[string]any)
	if !ok {
		return fmt.Errorf("mapping: document root must be an object")
	}
	doc, err := parseDocument(obj)
	if err != nil {
		return err
	}

	mappingObj, _ := obj["mapping"].(map[string]any)
	allFuncs := funcs.Builtins(e.clock)
	active := allFuncs
	if rawPlugins, ok := mappingObj["plugins"].([]any); ok {
		var entries []pluginmanifest.Entry
		for _, p := range rawPlugins {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			name, _ := pm["name"].(string)
			entries = append(entries, pluginmanifest.Entry{Name: name})
		}
		active = pluginmanifest.Resolve(entries, allFuncs)
		for _, name := range []string{"add", "upper", "lower", "now"} {
			active[name] = allFuncs[name]
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc
	e.funcs = active
	return nil
}

// ExtractSubscriptions returns the topic filters the loaded document requires
// a broker subscription for, one per rewrite rule in the tree.
func (e *Engine) ExtractSubscriptions() []Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.doc == nil {
		return nil
	}
	return e.doc.extractSubscriptions()
}

// Match evaluates an inbound publish against the loaded document and returns
// every outbound rewrite it produces: zero when no rule matched, the rule's
// output was suppressed, or (for a json rule) the payload failed to parse;
// one or more otherwise, since a subscription's static/value/json rule may
// itself be an array of independently evaluated mappings.
func (e *Engine) Match(inTopic string, payload []byte, publishQoS byte, retain bool) ([]Rewrite, error) {
	e.mu.RLock()
	doc, funcTable := e.doc, e.funcs
	e.mu.RUnlock()

	if doc == nil {
		return nil, nil
	}
	m, ok := findMatch(doc.root, inTopic)
	if !ok {
		return nil, nil
	}
	sub, ok := m.node["subscription"].(map[string]any)
	if !ok {
		return nil, nil
	}
	return evalSubscription(sub, m.path, payload, publishQoS, retain, funcTable)
}

// evalSubscription dispatches on which of static/value/json the matched
// node's subscription carries, grounded on MqttMapper::publishMappings.
func evalSubscription(sub map[string]any, path string, payload []byte, publishQoS byte, retain bool, funcTable template.FuncTable) ([]Rewrite, error) {
	switch {
	case sub["static"] != nil:
		return evalStaticMappings(asMappingList(sub["static"]), string(payload), publishQoS, retain), nil

	case sub["value"] != nil:
		ctx := template.Context{"value": string(payload)}
		return evalTemplateMappings(asMappingList(sub["value"]), ctx, path, publishQoS, retain, funcTable)

	case sub["json"] != nil:
		var parsed any
		if err := json.Unmarshal(payload, &parsed); err != nil {
			slog.Warn("mapping: dropping publish, payload is not valid JSON", "topic", path, "error", err)
			return nil, nil
		}
		obj, _ := parsed.(map[string]any)
		return evalTemplateMappings(asMappingList(sub["json"]), template.Context(obj), path, publishQoS, retain, funcTable)

	default:
		return nil, nil
	}
}

// asMappingList normalizes a rule field that may be a single JSON object or
// an array of objects, matching MqttMapper's is_object/is_array dispatch.
func asMappingList(raw any) []map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, entry := range v {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// evalStaticMappings ports MqttMapper::publishMappedMessages /
// publishMappedMessage(staticMapping, publish): every staticMapping entry is
// evaluated independently, only emitting when its message_mapping carries an
// entry whose "message" equals the raw payload exactly. Suppression never
// applies to a static mapping in the source.
func evalStaticMappings(mappings []map[string]any, payload string, publishQoS byte, retain bool) []Rewrite {
	var out []Rewrite
	for _, m := range mappings {
		mappedMessage, ok := matchMessageMapping(m["message_mapping"], payload)
		if !ok {
			continue
		}
		out = append(out, buildRewrite(m, mappedMessage, publishQoS, retain))
	}
	return out
}

// matchMessageMapping finds the first message_mapping entry (object or
// array) whose "message" equals payload exactly, returning its
// "mapped_message".
func matchMessageMapping(raw any, payload string) (string, bool) {
	for _, mm := range asMappingList(raw) {
		msg, _ := mm["message"].(string)
		if msg == payload {
			mapped, _ := mm["mapped_message"].(string)
			return mapped, true
		}
	}
	return "", false
}

// evalTemplateMappings ports MqttMapper::publishMappedTemplates/
// publishMappedTemplate: every templateMapping entry renders its own
// mapping_template against ctx and, unless suppressed, is emitted
// independently.
func evalTemplateMappings(mappings []map[string]any, ctx template.Context, path string, publishQoS byte, retain bool, funcTable template.FuncTable) ([]Rewrite, error) {
	var out []Rewrite
	for _, m := range mappings {
		tplSrc, _ := m["mapping_template"].(string)
		tpl, err := template.Parse(tplSrc)
		if err != nil {
			return nil, fmt.Errorf("mapping: parse template at %s: %w", path, err)
		}
		message, err := tpl.Render(ctx, funcTable)
		if err != nil {
			return nil, fmt.Errorf("mapping: render template at %s: %w", path, err)
		}
		rw := buildRewrite(m, message, publishQoS, retain)
		if suppressed(m, message, rw.Retain) {
			continue
		}
		out = append(out, rw)
	}
	return out, nil
}

// buildRewrite applies a mapping object's mapped_topic/retain_message/
// qos_override to a rendered message, defaulting retain to the inbound
// publish's own retain flag and QoS to the inbound publish's QoS per
// spec's qos_override resolution.
func buildRewrite(m map[string]any, message string, publishQoS byte, retain bool) Rewrite {
	mappedTopic, _ := m["mapped_topic"].(string)
	rtn := retain
	if r, ok := m["retain_message"].(bool); ok {
		rtn = r
	}
	qos := publishQoS
	if qo, ok := m["qos_override"]; ok {
		qos = byte(toInt(qo))
	}
	return Rewrite{Topic: mappedTopic, Payload: []byte(message), QoS: qos, Retain: rtn}
}

func toInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	default:
		return 0
	}
}

// suppressed reports whether a rewritten message must be dropped: the
// message is in the node's suppression list and the node is not an
// unconditional empty-payload retained clear. Grounded on the source's
// suppression check in MqttMapper.cpp, which always republishes a retained
// empty payload (a clear) even if "" appears in the suppression list.
func suppressed(node map[string]any, message string, retain bool) bool {
	list, ok := node["suppressions"].([]any)
	if !ok {
		return false
	}
	inList := false
	for _, s := range list {
		if str, ok := s.(string); ok && str == message {
			inList = true
			break
		}
	}
	if !inList {
		return false
	}
	if retain && message == "" {
		return false
	}
	return true
}
