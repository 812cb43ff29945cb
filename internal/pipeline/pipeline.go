package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies one of the analytics pipelines the daemon can launch.
type Kind string

const (
	KindChurn           Kind = "churn"
	KindCox             Kind = "cox"
	KindShap            Kind = "shap"
	KindCounterfactuals Kind = "counterfactuals"
)

var allKinds = []Kind{KindChurn, KindCox, KindShap, KindCounterfactuals}

var kindSet = func() map[Kind]struct{} {
	set := make(map[Kind]struct{}, len(allKinds))
	for _, kind := range allKinds {
		set[kind] = struct{}{}
	}
	return set
}()

// AllKinds returns the ordered list of known pipeline kinds.
func AllKinds() []Kind {
	cp := make([]Kind, len(allKinds))
	copy(cp, allKinds)
	return cp
}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := kindSet[normalized]
	return normalized, ok
}

// Params carries the scalar run parameters for a pipeline invocation.
// Values are compared and hashed in key order, so two submissions with the
// same entries are identical regardless of construction order.
type Params map[string]string

// Normalize trims keys and values and drops empty entries, returning a copy.
func (p Params) Normalize() Params {
	out := make(Params, len(p))
	for key, value := range p {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// SortedKeys returns the parameter keys in lexical order.
func (p Params) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value for key, or the empty string.
func (p Params) Get(key string) string {
	return p[key]
}

// ResourceKey derives the mutual-exclusion scope for a run request. An
// explicit "resource_key" parameter wins; otherwise runs serialize per
// experiment and pipeline kind, matching how the suite's result store
// replaces outputs.
func ResourceKey(kind Kind, params Params) string {
	if explicit := strings.TrimSpace(params.Get("resource_key")); explicit != "" {
		return explicit
	}
	experiment := strings.TrimSpace(params.Get("experiment_id"))
	if experiment == "" {
		experiment = "default"
	}
	return fmt.Sprintf("exp%s:%s", experiment, kind)
}
