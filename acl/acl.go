/*Package acl resolves whether a principal may publish or subscribe to a topic.

The rule set is loaded as one immutable snapshot. A reload builds a complete
new snapshot and swaps it atomically, so concurrent authorization checks
always see either the entire old or the entire new configuration.

Rules carry MQTT topic filters. The most specific filter matching the topic
wins; when an allow and a deny tie on specificity, the deny wins. If no rule
matches, the configured default policy decides.
*/
package acl

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/sfgrid-tech/sfgrid/core/topic"
)

// Action is an operation on a topic.
type Action string

const (
	// ActionPublish is publishing a message to a topic.
	ActionPublish Action = "publish"
	// ActionSubscribe is subscribing to a topic filter and receiving messages.
	ActionSubscribe Action = "subscribe"
)

// Reason is the machine-readable explanation of a decision, for the audit trail.
type Reason string

const (
	// ReasonRuleAllow means a matching rule allowed the action.
	ReasonRuleAllow Reason = "rule_allow"
	// ReasonExplicitDeny means a matching rule denied the action.
	ReasonExplicitDeny Reason = "explicit_deny"
	// ReasonNoMatchingRule means no rule matched and the default policy is deny.
	ReasonNoMatchingRule Reason = "no_matching_rule"
	// ReasonDefaultDeny means the user is unknown and the default policy is deny.
	ReasonDefaultDeny Reason = "default_deny"
	// ReasonDefaultAllow means the default policy allowed the action.
	ReasonDefaultAllow Reason = "default_allow"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Rule grants or denies actions on topics matching a filter. The filter may
// contain MQTT wildcards and the variable ${user_id}, which is expanded to
// the principal's identifier before matching.
type Rule struct {
	Pattern string   `json:"pattern"`
	Allow   []Action `json:"allow,omitempty"`
	Deny    []Action `json:"deny,omitempty"`
}

// Role is a named, ordered list of rules.
type Role struct {
	Description string `json:"description,omitempty"`
	Rules       []Rule `json:"permissions"`
}

// User assigns roles and custom rules to a principal.
type User struct {
	Roles       []string `json:"roles"`
	CustomRules []Rule   `json:"custom_permissions,omitempty"`
}

// Config is the serialized rule set.
type Config struct {
	Version       string          `json:"version"`
	DefaultPolicy string          `json:"default_policy"`
	Roles         map[string]Role `json:"roles"`
	Users         map[string]User `json:"users"`
}

// Snapshot is an immutable compiled rule set. It must not be modified after
// construction; reloads replace the whole snapshot.
type Snapshot struct {
	version      string
	defaultAllow bool
	roles        map[string]Role
	users        map[string]User
}

// ParseConfig parses and validates a serialized rule set.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse acl configuration: %w", err)
	}
	switch config.DefaultPolicy {
	case "allow", "deny":
	case "":
		config.DefaultPolicy = "deny"
	default:
		return nil, fmt.Errorf("invalid default policy %q", config.DefaultPolicy)
	}
	for name, role := range config.Roles {
		for _, rule := range role.Rules {
			if err := validateRule(rule); err != nil {
				return nil, fmt.Errorf("role %q: %w", name, err)
			}
		}
	}
	for id, user := range config.Users {
		for _, rule := range user.CustomRules {
			if err := validateRule(rule); err != nil {
				return nil, fmt.Errorf("user %q: %w", id, err)
			}
		}
		for _, role := range user.Roles {
			if _, ok := config.Roles[role]; !ok {
				return nil, fmt.Errorf("user %q references unknown role %q", id, role)
			}
		}
	}
	return &config, nil
}

func validateRule(rule Rule) error {
	pattern := strings.ReplaceAll(rule.Pattern, "${user_id}", "x")
	if !topic.Valid(pattern) {
		return fmt.Errorf("invalid topic filter %q", rule.Pattern)
	}
	for _, action := range append(append([]Action{}, rule.Allow...), rule.Deny...) {
		if action != ActionPublish && action != ActionSubscribe {
			return fmt.Errorf("invalid action %q in rule %q", action, rule.Pattern)
		}
	}
	return nil
}

// NewSnapshot compiles a parsed configuration into an immutable snapshot.
func NewSnapshot(config *Config) *Snapshot {
	return &Snapshot{
		version:      config.Version,
		defaultAllow: config.DefaultPolicy == "allow",
		roles:        config.Roles,
		users:        config.Users,
	}
}

// Version returns the configuration version the snapshot was built from.
func (s *Snapshot) Version() string { return s.version }

// UserCount returns the number of configured principals.
func (s *Snapshot) UserCount() int { return len(s.users) }

// Users returns a copy of the configured principals.
func (s *Snapshot) Users() map[string]User {
	users := make(map[string]User, len(s.users))
	for id, user := range s.users {
		users[id] = user
	}
	return users
}

// Roles returns a copy of the configured roles.
func (s *Snapshot) Roles() map[string]Role {
	roles := make(map[string]Role, len(s.roles))
	for name, role := range s.roles {
		roles[name] = role
	}
	return roles
}

// rulesForUser collects the union of the user's role rules and custom rules,
// in role order followed by custom rules, as configured.
func (s *Snapshot) rulesForUser(userID string) ([]Rule, bool) {
	user, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	var rules []Rule
	for _, roleName := range user.Roles {
		if role, ok := s.roles[roleName]; ok {
			rules = append(rules, role.Rules...)
		}
	}
	rules = append(rules, user.CustomRules...)
	return rules, true
}

func containsAction(actions []Action, action Action) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// decide evaluates the action for the user on the topic against this snapshot.
func (s *Snapshot) decide(userID, name string, action Action) Decision {
	rules, known := s.rulesForUser(userID)
	if !known {
		if s.defaultAllow {
			return Decision{Allowed: true, Reason: ReasonDefaultAllow}
		}
		return Decision{Allowed: false, Reason: ReasonDefaultDeny}
	}

	// Select the most specific rule that mentions the action. On a
	// specificity tie a deny beats an allow.
	bestSpecificity := -1
	denied, allowed := false, false
	for _, rule := range rules {
		pattern := strings.ReplaceAll(rule.Pattern, "${user_id}", userID)
		if !topic.Match(pattern, name) {
			continue
		}
		mentionsDeny := containsAction(rule.Deny, action)
		mentionsAllow := containsAction(rule.Allow, action)
		if !mentionsDeny && !mentionsAllow {
			continue
		}
		specificity := topic.Specificity(pattern)
		if specificity > bestSpecificity {
			bestSpecificity = specificity
			denied, allowed = mentionsDeny, mentionsAllow
		} else if specificity == bestSpecificity {
			denied = denied || mentionsDeny
			allowed = allowed || mentionsAllow
		}
	}

	switch {
	case denied:
		return Decision{Allowed: false, Reason: ReasonExplicitDeny}
	case allowed:
		return Decision{Allowed: true, Reason: ReasonRuleAllow}
	case s.defaultAllow:
		return Decision{Allowed: true, Reason: ReasonDefaultAllow}
	default:
		return Decision{Allowed: false, Reason: ReasonNoMatchingRule}
	}
}
