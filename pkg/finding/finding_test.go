package finding

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/exploopio/reconx/pkg/errors"
)

const validCandidate = `{
	"target": "example.com",
	"module": "m",
	"type": "t",
	"confidence": 0.5,
	"priority": 5,
	"evidence": [],
	"meta": {}
}`

func TestValidate_Accepts(t *testing.T) {
	f, err := Validate(Candidate(validCandidate))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if f.Target != "example.com" || f.Module != "m" || f.Type != "t" {
		t.Errorf("unexpected identity fields: %+v", f)
	}
	if f.Confidence != 0.5 || f.Priority != 5 {
		t.Errorf("unexpected scores: %+v", f)
	}
	if !f.ScannedAt.IsZero() {
		t.Errorf("ScannedAt should be zero when absent, got %v", f.ScannedAt)
	}
}

func TestValidate_NoRangeChecks(t *testing.T) {
	c := strings.Replace(validCandidate, `"confidence": 0.5`, `"confidence": 5.0`, 1)
	f, err := Validate(Candidate(c))
	if err != nil {
		t.Fatalf("out-of-range confidence should pass: %v", err)
	}
	if f.Confidence != 5.0 {
		t.Errorf("Confidence = %v, want 5.0", f.Confidence)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		fields []string
	}{
		{
			name:   "missing meta",
			input:  `{"target":"x","module":"m","type":"t","confidence":0.5,"priority":5,"evidence":[]}`,
			fields: []string{"meta"},
		},
		{
			name:   "confidence as string",
			input:  strings.Replace(validCandidate, `0.5`, `"high"`, 1),
			fields: []string{"confidence"},
		},
		{
			name:   "evidence as object",
			input:  strings.Replace(validCandidate, `"evidence": []`, `"evidence": {}`, 1),
			fields: []string{"evidence"},
		},
		{
			name:   "several problems",
			input:  `{"target":1,"module":"m","confidence":0.5,"priority":"p","evidence":[],"meta":[]}`,
			fields: []string{"target", "type", "priority", "meta"},
		},
		{
			name:   "not an object",
			input:  `[1,2,3]`,
			fields: []string{"$"},
		},
		{
			name:   "null",
			input:  `null`,
			fields: []string{"$"},
		},
		{
			name:   "fractional priority",
			input:  strings.Replace(validCandidate, `"priority": 5`, `"priority": 5.5`, 1),
			fields: []string{"priority"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(Candidate(tt.input))
			if !errors.IsSchemaViolation(err) {
				t.Fatalf("expected schema violation, got %v", err)
			}
			vs, ok := errors.AsViolations(err)
			if !ok {
				t.Fatalf("expected violations in %v", err)
			}
			if len(vs) != len(tt.fields) {
				t.Fatalf("violations = %v, want fields %v", vs, tt.fields)
			}
			for i, f := range tt.fields {
				if vs[i].Field != f {
					t.Errorf("violation %d = %q, want %q", i, vs[i].Field, f)
				}
			}
		})
	}
}

func TestValidate_EvidenceAndMeta(t *testing.T) {
	c := `{
		"target": "example.com",
		"scanned_at": "2024-05-01T10:00:00.123456Z",
		"module": "dns_basic",
		"type": "dns_a",
		"confidence": 0.9,
		"priority": 5,
		"evidence": [{"label": "A", "value": ["93.184.216.34"]}, {"label": "A", "value": ["93.184.216.34"]}, "raw"],
		"meta": {"source": "dns_basic", "ttl_seconds": 86400}
	}`

	f, err := Validate(Candidate(c))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(f.Evidence) != 3 {
		t.Fatalf("duplicate evidence should be kept, got %d items", len(f.Evidence))
	}
	if f.Evidence[0].Label != "A" || f.Evidence[2].Label != "" || f.Evidence[2].Value != "raw" {
		t.Errorf("unexpected evidence: %+v", f.Evidence)
	}
	if f.Meta[MetaSource] != "dns_basic" {
		t.Errorf("meta source = %v", f.Meta[MetaSource])
	}
	if f.Meta[MetaTTLSeconds] != json.Number("86400") {
		t.Errorf("meta ttl = %#v", f.Meta[MetaTTLSeconds])
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	if !f.ScannedAt.Equal(want) {
		t.Errorf("ScannedAt = %v, want %v", f.ScannedAt, want)
	}
}

func TestValidate_UnlabelledEvidenceKeepsShape(t *testing.T) {
	c := `{"target":"example.com","module":"m","type":"t","confidence":0.5,"priority":5,` +
		`"evidence":["foo",{"value":1},42,{"label":"A","value":"x"}],"meta":{}}`

	f, err := Validate(Candidate(c))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	got, err := json.Marshal(f.Evidence)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `["foo",{"value":1},42,{"label":"A","value":"x"}]`
	if string(got) != want {
		t.Errorf("evidence = %s, want %s", got, want)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	in := Finding{
		Target:     "example.com",
		ScannedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Module:     "crtsh_lookup",
		Type:       "certificate",
		Confidence: 0.8,
		Priority:   6,
		Evidence:   []Evidence{{Label: "common_name", Value: "www.example.com"}},
		Meta:       map[string]any{MetaSource: "crt.sh"},
	}

	cs, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(cs) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cs))
	}
	if !strings.Contains(string(cs[0]), `"scanned_at":"2024-01-02T03:04:05.000000Z"`) {
		t.Errorf("unexpected timestamp rendering: %s", cs[0])
	}

	out, err := Validate(cs[0])
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if out.Module != in.Module || out.Priority != in.Priority || !out.ScannedAt.Equal(in.ScannedAt) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestMarshal_NilCollections(t *testing.T) {
	b, err := json.Marshal(Finding{Target: "x"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"evidence":[]`) || !strings.Contains(s, `"meta":{}`) {
		t.Errorf("nil collections should render empty, got %s", s)
	}
	if strings.Index(s, `"target"`) > strings.Index(s, `"module"`) {
		t.Errorf("target should precede module: %s", s)
	}
}
