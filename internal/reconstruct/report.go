package reconstruct

import (
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/score"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
)

// Skip records a failed attempt that did not end the run.
type Skip struct {
	Round  int         `json:"round" yaml:"round"`
	Image  sfm.ImageID `json:"image,omitempty" yaml:"image,omitempty"`
	Kind   string      `json:"kind" yaml:"kind"`
	Detail string      `json:"detail" yaml:"detail"`
}

// BootstrapAttempt records one tried initial pair.
type BootstrapAttempt struct {
	Pair  sfm.ImagePair `json:"pair" yaml:"pair"`
	Score score.Score   `json:"score" yaml:"score"`
	Error string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID             string             `json:"run_id" yaml:"run_id"`
	Scorer            string             `json:"scorer" yaml:"scorer"`
	State             State              `json:"state" yaml:"state"`
	BootstrapPair     *sfm.ImagePair     `json:"bootstrap_pair,omitempty" yaml:"bootstrap_pair,omitempty"`
	BootstrapAttempts []BootstrapAttempt `json:"bootstrap_attempts,omitempty" yaml:"bootstrap_attempts,omitempty"`
	Rounds            int                `json:"rounds" yaml:"rounds"`
	Registered        []sfm.ImageID      `json:"registered" yaml:"registered"`
	Unregistered      []sfm.ImageID      `json:"unregistered" yaml:"unregistered"`
	ValidPoints       int                `json:"valid_points" yaml:"valid_points"`
	InvalidPoints     int                `json:"invalid_points" yaml:"invalid_points"`
	Residuals         sfm.ResidualStats  `json:"residuals" yaml:"residuals"`
	Skips             []Skip             `json:"skips,omitempty" yaml:"skips,omitempty"`
	Divergences       int                `json:"divergences" yaml:"divergences"`
	StopReason        string             `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	Started           time.Time          `json:"started" yaml:"started"`
	Duration          time.Duration      `json:"duration" yaml:"duration"`
}

// SkipsFor returns the skips recorded for an image.
func (r *Report) SkipsFor(id sfm.ImageID) []Skip {
	var out []Skip
	for _, s := range r.Skips {
		if s.Image == id {
			out = append(out, s)
		}
	}
	return out
}
