// Package topic implements MQTT 3.1.1 topic name/filter validation and
// level-segmented wildcard matching shared by the retained store, the
// broker's subscription index, and the mapping engine's topic tree.
package topic

import "strings"

// Split divides a topic name or filter into its '/'-separated levels.
func Split(s string) []string {
	return strings.Split(s, "/")
}

// ValidName reports whether s is a legal MQTT publish topic name: non-empty,
// UTF-8, and free of the wildcard characters '+' and '#'.
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == '+' || r == '#' {
			return false
		}
	}
	return true
}

// ValidFilter reports whether s is a legal MQTT subscription filter:
// non-empty, and '#' (if present) only ever occupies the final level on its
// own, and '+' only ever occupies a whole level on its own.
func ValidFilter(s string) bool {
	if s == "" {
		return false
	}
	levels := Split(s)
	for i, lvl := range levels {
		switch {
		case lvl == "+":
			continue
		case lvl == "#":
			if i != len(levels)-1 {
				return false
			}
		default:
			if strings.ContainsAny(lvl, "+#") {
				return false
			}
		}
	}
	return true
}

// Matches reports whether topic name matches filter per the MQTT 3.1.1
// matching table, including the rule that a bare '#' or '+' at the root
// level never matches a name beginning with '$'.
func Matches(filter, name string) bool {
	fLevels := Split(filter)
	nLevels := Split(name)

	dollarTopic := len(nLevels) > 0 && len(nLevels[0]) > 0 && nLevels[0][0] == '$'

	return matchLevels(fLevels, nLevels, dollarTopic)
}

func matchLevels(f, n []string, dollarTopic bool) bool {
	if len(f) == 0 {
		return len(n) == 0
	}

	head := f[0]
	switch head {
	case "#":
		if dollarTopic {
			return false
		}
		return true
	case "+":
		if dollarTopic {
			return false
		}
		if len(n) == 0 {
			return false
		}
		return matchLevels(f[1:], n[1:], false)
	default:
		if len(n) == 0 || n[0] != head {
			return false
		}
		return matchLevels(f[1:], n[1:], false)
	}
}

// Join concatenates a parent path and a child level name with '/', except
// when the parent path is empty or exactly "/" and the child name is
// non-empty, in which case no separator is inserted. This mirrors the
// mapping document's concatenation rule (spec.md §4.6).
func Join(parent, name string) string {
	if name == "" {
		return parent
	}
	if parent == "" || parent == "/" {
		return name
	}
	return parent + "/" + name
}
