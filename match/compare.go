package match

import (
	"sort"
)

func diffPair(answers map[string]Answer, criteria []string, expected, got string) ([]FieldMismatch, error) {
	return Match(answers[expected], answers[got], criteria)
}

// transitiveEquality checks whether all listed resolvers gave equivalent
// answers by diffing everyone against a single pivot. Field equality is an
// equivalence relation, so pairwise agreement with the pivot implies
// mutual agreement without the O(n²) comparisons.
func transitiveEquality(answers map[string]Answer, criteria []string, resolvers []string) (bool, error) {
	pivot := resolvers[0]
	for _, other := range resolvers[1:] {
		mismatches, err := diffPair(answers, criteria, pivot, other)
		if err != nil {
			return false, err
		}
		if len(mismatches) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Compare checks whether the non-target resolvers agree among themselves
// and, if they do, diffs the target against them.
//
// The returned map is nil when there is no agreement data: the target is
// missing from the reply set, no other resolver is present, or the others
// disagree. When the others agree the map is non-nil; empty means the
// target agreed as well.
func Compare(answers map[string]Answer, criteria []string, target string) (bool, map[string]Mismatch, error) {
	others := make([]string, 0, len(answers))
	targetPresent := false
	for name := range answers {
		if name == target {
			targetPresent = true
			continue
		}
		others = append(others, name)
	}
	if !targetPresent || len(others) == 0 {
		return false, nil, nil
	}
	sort.Strings(others)

	if len(others) >= 2 {
		agree, err := transitiveEquality(answers, criteria, others)
		if err != nil {
			return false, nil, err
		}
		if !agree {
			return false, nil, nil
		}
	}

	mismatches, err := diffPair(answers, criteria, others[0], target)
	if err != nil {
		return false, nil, err
	}
	targetDiff := make(map[string]Mismatch, len(mismatches))
	for _, fm := range mismatches {
		targetDiff[fm.Field] = fm.Mismatch
	}
	return true, targetDiff, nil
}
