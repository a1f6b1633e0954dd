package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Score computes the weighted-pillar compatibility between a viewer's stated
// preferences and a candidate's trait snapshot. The result is deterministic for
// identical inputs; the only error case is malformed preferences.
//
// Four independently capped pillars are summed and clamped to [0,100]:
// faith (35 raw, rescaled by FaithWeight), values (30), intention (25),
// lifestyle (10). Only the faith pillar is rescaled by its weight; the other
// pillars use their nominal caps directly.
func Score(prefs Preferences, traits UserTraits) (CompatibilityResult, error) {
	if err := validatePreferences(prefs); err != nil {
		return CompatibilityResult{}, err
	}

	reasons := make([]string, 0, 4)

	faithRaw := 0.0
	if containsFold(prefs.AcceptedTraditions, traits.FaithTradition) {
		faithRaw += 20
		reasons = append(reasons, fmt.Sprintf("Denomination Match: %s", traits.FaithTradition))
	}
	switch {
	case traits.FaithIntensity >= 8:
		faithRaw += 15
	case traits.FaithIntensity >= 5:
		faithRaw += 10
	}
	faithScore := (faithRaw / FaithPillarCap) * (float64(prefs.FaithWeight) * 3.5)

	candidateValues := traits.Values
	if len(candidateValues) > maxProfileValues {
		candidateValues = candidateValues[:maxProfileValues]
	}
	required := dedupe(prefs.RequiredValues)
	shared := intersect(candidateValues, required)
	valuesScore := (float64(len(shared)) / math.Max(float64(len(required)), 1)) * ValuesPillarCap
	if len(shared) > 0 {
		reasons = append(reasons, fmt.Sprintf("Shared Values: %s", strings.Join(shared, ", ")))
	}

	intentionScore := 0.0
	switch {
	case traits.MarriageIntention >= 8:
		intentionScore = IntentionPillarCap
		reasons = append(reasons, "High Marriage Intention")
	case traits.MarriageIntention >= 5:
		intentionScore = 15
	}

	lifestyleScore := 0.0
	switch {
	case traits.LifestyleTraditionalism >= 8:
		lifestyleScore = LifestylePillarCap
		reasons = append(reasons, "Traditional Lifestyle")
	case traits.LifestyleTraditionalism >= 5:
		lifestyleScore = 5
	}

	total := math.Round(math.Min(faithScore+valuesScore+intentionScore+lifestyleScore, 100))
	if total < 0 {
		total = 0
	}

	return CompatibilityResult{
		Score: int(total),
		Breakdown: Breakdown{
			FaithScore:     faithScore,
			ValuesScore:    valuesScore,
			IntentionScore: intentionScore,
			LifestyleScore: lifestyleScore,
		},
		Reasons: reasons,
	}, nil
}

// Rank scores every candidate against the same preferences and returns them
// ordered by descending score. Ties keep the input order.
func Rank(prefs Preferences, candidates []Candidate) ([]RankedCandidate, error) {
	if err := validatePreferences(prefs); err != nil {
		return nil, err
	}

	ranked := make([]RankedCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := Score(prefs, candidate.Traits)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, RankedCandidate{UserID: candidate.UserID, Result: result})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Result.Score > ranked[j].Result.Score
	})
	return ranked, nil
}

// intersect returns the members of values that also appear in required,
// preserving the candidate's insertion order and counting duplicates once.
func intersect(values, required []string) []string {
	requiredSet := make(map[string]struct{}, len(required))
	for _, value := range required {
		requiredSet[normalizeValue(value)] = struct{}{}
	}

	seen := make(map[string]struct{}, len(values))
	shared := make([]string, 0, len(values))
	for _, value := range values {
		key := normalizeValue(value)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := requiredSet[key]; ok {
			shared = append(shared, value)
			seen[key] = struct{}{}
		}
	}
	return shared
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		key := normalizeValue(value)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, value)
	}
	return unique
}

func containsFold(haystack []string, needle string) bool {
	target := normalizeValue(needle)
	if target == "" {
		return false
	}
	for _, entry := range haystack {
		if normalizeValue(entry) == target {
			return true
		}
	}
	return false
}

func normalizeValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
