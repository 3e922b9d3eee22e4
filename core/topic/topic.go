/*Package topic implements MQTT topic filter matching.

A topic is a slash-delimited hierarchical name. A filter may contain the
single-level wildcard '+' and the multi-level wildcard '#'. The '#' wildcard
matches the remainder of the topic and is only valid as the final token.
*/
package topic

import "strings"

// Valid reports whether the filter is a well-formed MQTT topic filter.
func Valid(filter string) bool {
	if len(filter) == 0 {
		return false
	}
	tokens := strings.Split(filter, "/")
	for i, token := range tokens {
		switch token {
		case "#":
			if i != len(tokens)-1 {
				return false
			}
		case "+":
		default:
			if strings.ContainsAny(token, "+#") {
				return false
			}
		}
	}
	return true
}

// Match reports whether the topic name matches the filter under MQTT
// wildcard semantics. A malformed filter matches nothing.
func Match(filter, name string) bool {
	if !Valid(filter) {
		return false
	}
	ftokens := strings.Split(filter, "/")
	ntokens := strings.Split(name, "/")

	for i, ftoken := range ftokens {
		if ftoken == "#" {
			return true
		}
		if i >= len(ntokens) {
			return false
		}
		if ftoken != "+" && ftoken != ntokens[i] {
			return false
		}
	}
	return len(ftokens) == len(ntokens)
}

// Specificity returns an ordering key for the filter: higher means more
// specific. A filter with fewer wildcard tokens always ranks above one with
// more; among filters with the same number of wildcards, the one naming more
// literal levels wins. Two filters matching the same topic can be ranked
// with it, e.g. to let an exact rule take precedence over a wildcard rule.
func Specificity(filter string) int {
	tokens := strings.Split(filter, "/")
	wildcards := 0
	literals := 0
	for _, token := range tokens {
		switch token {
		case "#", "+":
			wildcards++
		default:
			literals++
		}
	}
	// topic names have far fewer than 256 levels
	return (256-wildcards)<<8 + literals
}
