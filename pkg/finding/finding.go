// Package finding defines the canonical Finding record and the schema check
// every plugin emission must pass before it is stored.
package finding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/exploopio/reconx/pkg/errors"
)

// Finding is one normalized observation about a target.
type Finding struct {
	// Target is the normalized host the scan ran against.
	Target string `json:"target"`

	// ScannedAt is the UTC time the finding was produced.
	ScannedAt time.Time `json:"scanned_at"`

	// Module is the name of the plugin that emitted the finding.
	Module string `json:"module"`

	// Type categorizes the finding (dns_a, certificate, whois_record, ...).
	Type string `json:"type"`

	// Confidence is plugin-assigned; 0.0 marks a failed lookup.
	Confidence float64 `json:"confidence"`

	// Priority is a small integer, conventionally 1-9.
	Priority int `json:"priority"`

	Evidence []Evidence     `json:"evidence"`
	Meta     map[string]any `json:"meta"`
}

// Evidence is one labelled datum supporting a finding. Items a plugin
// emitted without a label are kept bare and encode back to their original
// JSON shape.
type Evidence struct {
	Label string `json:"label"`
	Value any    `json:"value"`

	bare bool
}

// MarshalJSON encodes bare items as their value alone.
func (e Evidence) MarshalJSON() ([]byte, error) {
	if e.bare {
		return json.Marshal(e.Value)
	}
	type alias Evidence
	return json.Marshal(alias(e))
}

// Candidate is a plugin emission in wire form, not yet validated.
type Candidate = json.RawMessage

// Meta keys shared by the built-in plugins.
const (
	MetaSource     = "source"
	MetaTTLSeconds = "ttl_seconds"
)

// Timestamp formats scanned_at the way it is stored and exported.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// MarshalJSON renders ScannedAt with Timestamp.
func (f Finding) MarshalJSON() ([]byte, error) {
	type alias Finding
	evidence := f.Evidence
	if evidence == nil {
		evidence = []Evidence{}
	}
	meta := f.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(struct {
		Target    string `json:"target"`
		ScannedAt string `json:"scanned_at"`
		alias
		Evidence []Evidence     `json:"evidence"`
		Meta     map[string]any `json:"meta"`
	}{
		Target:    f.Target,
		ScannedAt: Timestamp(f.ScannedAt),
		alias:     alias(f),
		Evidence:  evidence,
		Meta:      meta,
	})
}

// Encode turns findings built in-process into candidates.
func Encode(fs ...Finding) ([]Candidate, error) {
	out := make([]Candidate, 0, len(fs))
	for _, f := range fs {
		b, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("encode finding %s/%s: %w", f.Module, f.Type, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// required lists the fields every candidate must carry, with the JSON kind
// each must have.
var required = []struct {
	field string
	kind  string
}{
	{"target", "string"},
	{"module", "string"},
	{"type", "string"},
	{"confidence", "number"},
	{"priority", "number"},
	{"evidence", "array"},
	{"meta", "object"},
}

// Validate checks c against the finding schema and decodes it. Every
// violation found is reported in one KindSchemaViolation error. Value ranges
// are not checked. A missing or unparsable scanned_at is left zero.
func Validate(c Candidate) (Finding, error) {
	const op = "finding.Validate"

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(c, &raw); err != nil || raw == nil {
		return Finding{}, errors.E(errors.KindSchemaViolation, op, errors.Violations{
			{Field: "$", Message: "must be a JSON object"},
		})
	}

	var violations errors.Violations
	for _, r := range required {
		v, ok := raw[r.field]
		if !ok {
			violations = append(violations, errors.Violation{Field: r.field, Message: "is required"})
			continue
		}
		if kind := jsonKind(v); kind != r.kind {
			violations = append(violations, errors.Violation{
				Field:   r.field,
				Message: fmt.Sprintf("must be %s, got %s", article(r.kind), kind),
			})
		}
	}
	if len(violations) > 0 {
		return Finding{}, errors.E(errors.KindSchemaViolation, op, violations)
	}

	var f Finding
	json.Unmarshal(raw["target"], &f.Target)
	json.Unmarshal(raw["module"], &f.Module)
	json.Unmarshal(raw["type"], &f.Type)
	json.Unmarshal(raw["confidence"], &f.Confidence)

	var priority float64
	json.Unmarshal(raw["priority"], &priority)
	if priority != math.Trunc(priority) || math.Abs(priority) > math.MaxInt32 {
		return Finding{}, errors.E(errors.KindSchemaViolation, op, errors.Violations{
			{Field: "priority", Message: "must be an integer"},
		})
	}
	f.Priority = int(priority)

	evidence, err := decodeEvidence(raw["evidence"])
	if err != nil {
		return Finding{}, errors.E(errors.KindSchemaViolation, op, errors.Violations{
			{Field: "evidence", Message: err.Error()},
		})
	}
	f.Evidence = evidence

	dec := json.NewDecoder(bytes.NewReader(raw["meta"]))
	dec.UseNumber()
	if err := dec.Decode(&f.Meta); err != nil {
		return Finding{}, errors.E(errors.KindSchemaViolation, op, errors.Violations{
			{Field: "meta", Message: err.Error()},
		})
	}

	if ts, ok := raw["scanned_at"]; ok {
		var s string
		if json.Unmarshal(ts, &s) == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				f.ScannedAt = t.UTC()
			}
		}
	}

	return f, nil
}

// decodeEvidence accepts an array of arbitrary JSON values. Objects with a
// label key become labelled evidence; anything else is kept as an unlabelled
// value so that no emitted data is lost.
func decodeEvidence(b json.RawMessage) ([]Evidence, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, err
	}
	out := make([]Evidence, 0, len(items))
	for _, item := range items {
		var obj map[string]json.RawMessage
		if json.Unmarshal(item, &obj) == nil && obj != nil {
			if lb, ok := obj["label"]; ok {
				var e Evidence
				if err := json.Unmarshal(lb, &e.Label); err == nil {
					if v, ok := obj["value"]; ok {
						val, err := decodeAny(v)
						if err != nil {
							return nil, err
						}
						e.Value = val
					}
					out = append(out, e)
					continue
				}
			}
		}
		val, err := decodeAny(item)
		if err != nil {
			return nil, err
		}
		out = append(out, Evidence{Value: val, bare: true})
	}
	return out, nil
}

func decodeAny(b json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func jsonKind(b json.RawMessage) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return "empty"
	}
	switch b[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func article(kind string) string {
	switch kind {
	case "array", "object":
		return "an " + kind
	default:
		return "a " + kind
	}
}
