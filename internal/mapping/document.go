package mapping

import (
	"fmt"
	"strings"

	"github.com/mqttsuite/mqttsuite/internal/topic"
)

// Document is a parsed, schema-validated mapping document: a tree of topic
// levels, each optionally carrying a static, value, or json rewrite rule.
type Document struct {
	root []any // mapping.topic_level, an array of topic-level nodes
}

func parseDocument(raw map[string]any) (*Document, error) {
	mappingField, ok := raw["mapping"]
	if !ok {
		return nil, fmt.Errorf("mapping: document missing top-level \"mapping\" field")
	}
	mapping, ok := mappingField.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mapping: \"mapping\" field must be an object")
	}
	levels, _ := mapping["topic_level"].([]any)
	return &Document{root: levels}, nil
}

// matched is one topic_level tree node that matched a concrete topic, along
// with the concatenated topic path accumulated on the way down.
type matched struct {
	node map[string]any
	path string
}

// findMatch walks levels (an array of topic_level nodes) against topic,
// matching one path segment per tree level: an object node matches when its
// "name" equals the next '/'-delimited segment; if segments remain and the
// node has its own nested "topic_level" array, matching recurses into it,
// otherwise the node itself is the match. Array siblings are tried in
// declaration order and the first match wins.
func findMatch(levels []any, remTopic string) (*matched, bool) {
	seg, rest, hasMore := splitFirstSegment(remTopic)
	for _, entry := range levels {
		node, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := node["name"].(string)
		if name != seg {
			continue
		}
		path := topic.Join("", name)
		if hasMore {
			children, _ := node["topic_level"].([]any)
			if children == nil {
				continue
			}
			m, ok := findMatch(children, rest)
			if !ok {
				continue
			}
			m.path = topic.Join(path, m.path)
			return m, true
		}
		return &matched{node: node, path: path}, true
	}
	return nil, false
}

func splitFirstSegment(s string) (seg, rest string, hasMore bool) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// extractSubscriptions walks the whole document post-order, collecting one
// (filter, qos) pair per node that carries a "subscription" object.
func (d *Document) extractSubscriptions() []Subscription {
	var out []Subscription
	extractLevels(d.root, "", &out)
	return out
}

func extractLevels(levels []any, prefix string, out *[]Subscription) {
	for _, entry := range levels {
		node, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := node["name"].(string)
		path := topic.Join(prefix, name)

		if children, ok := node["topic_level"].([]any); ok && len(children) > 0 {
			extractLevels(children, path, out)
		}

		if sub, ok := node["subscription"].(map[string]any); ok {
			*out = append(*out, Subscription{Filter: path, QoS: byte(toInt(sub["qos"]))})
		}
	}
}

// Subscription is one topic filter a mapping document's tree requires a
// subscription for, at the QoS its "subscription" object declares.
type Subscription struct {
	Filter string
	QoS    byte
}
