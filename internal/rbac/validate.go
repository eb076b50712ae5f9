package rbac

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	actionRegex   = regexp.MustCompile(`^[a-zA-Z_\-]+:[a-zA-Z_\-]+$`)
	resourceRegex = regexp.MustCompile(`^[a-zA-Z_\-*]+:[\w_\-*]+:[\w_\-/.*]+$`)
)

// PolicyBody is the capability triple every policy carries. Serializing it
// with encoding/json yields the canonical text stored in the policies table,
// so body uniqueness is byte-level.
type PolicyBody struct {
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`
	Effect    string   `json:"effect"`
}

// Validate checks the shape rules for a policy body: non-empty action and
// resource lists, every action matching the action pattern and every
// component of every (possibly &-compound) resource matching the resource
// pattern. Effect is an arbitrary string; its value is not constrained here.
func (b PolicyBody) Validate() error {
	if len(b.Actions) == 0 || len(b.Resources) == 0 {
		return ErrInvalid
	}
	for _, action := range b.Actions {
		if !actionRegex.MatchString(action) {
			return ErrInvalid
		}
	}
	for _, resource := range b.Resources {
		for _, component := range strings.Split(resource, "&") {
			if !resourceRegex.MatchString(component) {
				return ErrInvalid
			}
		}
	}
	return nil
}

// Canonical returns the canonical JSON text of the body.
func (b PolicyBody) Canonical() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParsePolicyBody decodes raw JSON into a PolicyBody, requiring an object
// with exactly the keys actions, resources and effect of the right types.
func ParsePolicyBody(raw []byte) (PolicyBody, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return PolicyBody{}, ErrInvalid
	}
	if len(shape) != 3 {
		return PolicyBody{}, ErrInvalid
	}
	for _, key := range []string{"actions", "resources", "effect"} {
		if _, ok := shape[key]; !ok {
			return PolicyBody{}, ErrInvalid
		}
	}
	var body PolicyBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return PolicyBody{}, ErrInvalid
	}
	return body, nil
}

// PolicyBodyFromMap converts a decoded YAML/JSON mapping into a PolicyBody.
// Used by the defaults loader, whose bundles arrive as map[string]any.
func PolicyBodyFromMap(m map[string]any) (PolicyBody, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return PolicyBody{}, ErrInvalid
	}
	return ParsePolicyBody(raw)
}

// NormalizeRuleBody serializes a rule body, requiring it to be a JSON
// object. Anything else is invalid.
func NormalizeRuleBody(rule map[string]any) (string, error) {
	if rule == nil {
		return "", ErrInvalid
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return "", ErrInvalid
	}
	return string(raw), nil
}

// ParseRuleBody decodes stored rule text back into a map, validating it is
// an object.
func ParseRuleBody(raw string) (map[string]any, error) {
	var rule map[string]any
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, ErrInvalid
	}
	if rule == nil {
		return nil, ErrInvalid
	}
	return rule, nil
}
