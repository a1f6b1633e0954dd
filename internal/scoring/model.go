package scoring

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Pillar caps for the raw (pre-weighting) sub-scores.
const (
	FaithPillarCap     = 35.0
	ValuesPillarCap    = 30.0
	IntentionPillarCap = 25.0
	LifestylePillarCap = 10.0
)

const maxProfileValues = 5

// ErrInvalidPreferences indicates the viewer preferences failed validation.
var ErrInvalidPreferences = errors.New("scoring: invalid preferences")

// UserTraits is the immutable per-candidate snapshot consumed by scoring.
// Zero values score as the lowest case for their pillar.
type UserTraits struct {
	FaithTradition          string   `json:"faith_tradition"`
	FaithIntensity          int      `json:"faith_intensity"`
	Values                  []string `json:"values"`
	MarriageIntention       int      `json:"marriage_intention"`
	LifestyleTraditionalism int      `json:"lifestyle_traditionalism"`
}

// Preferences carries the viewer-side inputs for a single scoring query.
// Weights range 1-10; only FaithWeight participates in the current formula,
// the other two are accepted and carried for callers that persist them.
type Preferences struct {
	AcceptedTraditions []string `json:"accepted_traditions"`
	RequiredValues     []string `json:"required_values"`
	FaithWeight        int      `json:"faith_weight" validate:"min=1,max=10"`
	ValuesWeight       int      `json:"values_weight" validate:"omitempty,min=1,max=10"`
	LocationWeight     int      `json:"location_weight" validate:"omitempty,min=1,max=10"`
}

// Breakdown holds the pre-rounding, pre-clamp per-pillar contributions. Each
// field stays within its own pillar cap so UI progress bars never overflow.
type Breakdown struct {
	FaithScore     float64 `json:"faith_score"`
	ValuesScore    float64 `json:"values_score"`
	IntentionScore float64 `json:"intention_score"`
	LifestyleScore float64 `json:"lifestyle_score"`
}

// CompatibilityResult is a view computed fresh on every query, never persisted.
type CompatibilityResult struct {
	Score     int       `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
	Reasons   []string  `json:"reasons"`
}

// Candidate pairs an opaque identifier with the traits to score.
type Candidate struct {
	UserID string     `json:"user_id"`
	Traits UserTraits `json:"traits"`
}

// RankedCandidate is a scored candidate as returned by Rank.
type RankedCandidate struct {
	UserID string              `json:"user_id"`
	Result CompatibilityResult `json:"result"`
}

var preferencesValidator = validator.New()

func validatePreferences(prefs Preferences) error {
	if err := preferencesValidator.Struct(prefs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreferences, err)
	}
	return nil
}
