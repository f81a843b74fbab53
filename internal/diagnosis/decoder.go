package diagnosis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	flagPositive = "Positive"
	flagNegative = "Negative"
)

// Condition is a disease the collaborator screens for. Conditions are listed
// in priority order: when several are positive the first one wins.
type Condition struct {
	Key         string
	Label       string
	Description string
}

// Conditions is the fixed priority order among known condition types.
var Conditions = []Condition{
	{
		Key:         "tb",
		Label:       "Tuberculosis Detected",
		Description: "The AI model has detected patterns consistent with Tuberculosis in the chest X-ray.",
	},
	{
		Key:         "dr",
		Label:       "Diabetic Retinopathy Detected",
		Description: "The AI model has detected signs of Diabetic Retinopathy in the retinal scan.",
	},
}

const (
	healthyLabel       = "Healthy / No Abnormalities"
	healthyDescription = "The AI analysis did not detect significant signs of Tuberculosis or Diabetic Retinopathy."
)

// payload mirrors the collaborator's output. Pointers distinguish a missing
// field from a zero value.
type payload struct {
	TBDiagnosis   *string  `json:"tb_diagnosis"`
	TBProbability *float64 `json:"tb_probability"`
	DRDiagnosis   *string  `json:"dr_diagnosis"`
	DRProbability *float64 `json:"dr_probability"`
	Error         *string  `json:"error"`
}

type finding struct {
	condition   Condition
	positive    bool
	probability float64
}

// Decode parses the collaborator's standard output into a Record. Standard
// error is never consulted. Any failure is a DecodeError carrying stdout verbatim.
func Decode(outcome *Outcome) (*Record, error) {
	if outcome == nil {
		return nil, NewDecodeError("diagnosis.decode", "", errors.New("no outcome"))
	}
	raw := string(outcome.Stdout)

	findings, err := parseFindings(outcome.Stdout)
	if err != nil {
		return nil, NewDecodeError("diagnosis.decode", raw, err)
	}
	return buildRecord(findings), nil
}

func parseFindings(stdout []byte) ([]finding, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, errors.New("empty output")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after result object")
	}

	if p.Error != nil && p.TBDiagnosis == nil && p.DRDiagnosis == nil {
		return nil, fmt.Errorf("collaborator reported error: %s", *p.Error)
	}

	fields := map[string]struct {
		flag *string
		prob *float64
	}{
		"tb": {p.TBDiagnosis, p.TBProbability},
		"dr": {p.DRDiagnosis, p.DRProbability},
	}

	findings := make([]finding, 0, len(Conditions))
	for _, c := range Conditions {
		f := fields[c.Key]
		if f.flag == nil {
			return nil, fmt.Errorf("missing field %s_diagnosis", c.Key)
		}
		if f.prob == nil {
			return nil, fmt.Errorf("missing field %s_probability", c.Key)
		}

		var positive bool
		switch *f.flag {
		case flagPositive:
			positive = true
		case flagNegative:
		default:
			return nil, fmt.Errorf("invalid %s_diagnosis %q", c.Key, *f.flag)
		}

		prob := *f.prob
		if math.IsNaN(prob) || prob < 0 || prob > 100 {
			return nil, fmt.Errorf("%s_probability %v out of range [0,100]", c.Key, prob)
		}
		findings = append(findings, finding{condition: c, positive: positive, probability: prob})
	}
	return findings, nil
}

func buildRecord(findings []finding) *Record {
	for _, f := range findings {
		if f.positive {
			return &Record{
				Condition:   f.condition.Label,
				Confidence:  round2(f.probability),
				Description: f.condition.Description,
				Positive:    true,
			}
		}
	}

	healthy := 0.0
	for _, f := range findings {
		healthy = math.Max(healthy, 100-f.probability)
	}
	return &Record{
		Condition:   healthyLabel,
		Confidence:  round2(healthy),
		Description: healthyDescription,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
