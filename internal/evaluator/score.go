// Package evaluator turns raw feedback into scalar rewards and watches
// provider quality for statistically significant regressions.
package evaluator

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Feedback sources the scorer understands.
const (
	SourceValidator = "validator"
	SourceEditor    = "editor"
	SourceAnalytics = "analytics"
)

// Weights controls reward shaping. The positive components are weighted
// and summed, penalties subtract, and the result is clipped to [0, 1].
type Weights struct {
	Editor               float64 `yaml:"editor"`
	Engagement           float64 `yaml:"engagement"`
	Schema               float64 `yaml:"schema"`
	RefQuality           float64 `yaml:"ref_quality"`
	HallucinationPenalty float64 `yaml:"hallucination_penalty"`
	RefMissPenalty       float64 `yaml:"ref_miss_penalty"`
}

// DefaultWeights returns the production shaping weights.
func DefaultWeights() Weights {
	return Weights{
		Editor:               0.4,
		Engagement:           0.3,
		Schema:               0.2,
		RefQuality:           0.1,
		HallucinationPenalty: 0.5,
		RefMissPenalty:       0.2,
	}
}

// Validate rejects weight sets that cannot produce a sane reward.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"editor": w.Editor, "engagement": w.Engagement,
		"schema": w.Schema, "ref_quality": w.RefQuality,
		"hallucination_penalty": w.HallucinationPenalty,
		"ref_miss_penalty":      w.RefMissPenalty,
	} {
		if v < 0 {
			return fmt.Errorf("reward weight %s is negative: %v", name, v)
		}
	}
	if sum := w.Editor + w.Engagement + w.Schema + w.RefQuality; sum <= 0 {
		return fmt.Errorf("positive reward weights sum to %v", sum)
	}
	return nil
}

// Outcome is the merged view of all feedback received for one piece of
// content. Boolean Has* flags distinguish "signal absent" from "signal
// zero" so missing feedback never counts against a provider.
type Outcome struct {
	SchemaOK       bool
	HasValidation  bool
	RefQuality     float64
	Hallucination  bool
	RefMiss        bool
	EditorAccepted bool
	HasEditor      bool
	Engagement     float64
	HasEngagement  bool
}

// validatorPayload is the feedback body emitted by the validation pipeline.
type validatorPayload struct {
	SchemaOK      bool    `json:"schema_ok"`
	RefQuality    float64 `json:"ref_quality"`
	Hallucination bool    `json:"hallucination"`
	RefMiss       bool    `json:"ref_miss"`
}

type editorPayload struct {
	Accepted bool `json:"accepted"`
}

type analyticsPayload struct {
	Engagement float64 `json:"engagement"`
}

// Scorer folds feedback events into outcomes and shapes rewards.
type Scorer struct {
	weights Weights
	logger  *slog.Logger
}

func NewScorer(weights Weights, logger *slog.Logger) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{weights: weights, logger: logger}, nil
}

// Apply merges one feedback event into the outcome. Malformed payloads and
// unknown sources are logged and skipped so one bad event never poisons a
// learning cycle.
func (s *Scorer) Apply(out *Outcome, source, payload string) {
	switch source {
	case SourceValidator:
		var p validatorPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			s.skip(source, err)
			return
		}
		out.HasValidation = true
		out.SchemaOK = p.SchemaOK
		out.RefQuality = clip01(p.RefQuality)
		out.Hallucination = p.Hallucination
		out.RefMiss = p.RefMiss
	case SourceEditor:
		var p editorPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			s.skip(source, err)
			return
		}
		out.HasEditor = true
		out.EditorAccepted = p.Accepted
	case SourceAnalytics:
		var p analyticsPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			s.skip(source, err)
			return
		}
		out.HasEngagement = true
		out.Engagement = clip01(p.Engagement)
	default:
		if s.logger != nil {
			s.logger.Warn("unknown feedback source", slog.String("source", source))
		}
	}
}

func (s *Scorer) skip(source string, err error) {
	if s.logger != nil {
		s.logger.Warn("malformed feedback payload",
			slog.String("source", source),
			slog.String("error", err.Error()))
	}
}

// Reward shapes the outcome into a scalar in [0, 1]. Passed reflects
// validation only: the content cleared the schema and carried no
// hallucination.
func (s *Scorer) Reward(out Outcome) (reward float64, passed bool) {
	w := s.weights

	if out.HasEditor && out.EditorAccepted {
		reward += w.Editor
	}
	if out.HasEngagement {
		reward += w.Engagement * out.Engagement
	}
	if out.HasValidation {
		if out.SchemaOK {
			reward += w.Schema
		}
		reward += w.RefQuality * out.RefQuality
		if out.Hallucination {
			reward -= w.HallucinationPenalty
		}
		if out.RefMiss {
			reward -= w.RefMissPenalty
		}
	}

	passed = out.HasValidation && out.SchemaOK && !out.Hallucination
	return clip01(reward), passed
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
