// Package dice implements the dice-rolling logic used to resolve pending rolls.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// ErrMissingDice indicates a roll request had no dice specified.
var ErrMissingDice = errors.New("at least one die must be provided")

// ErrInvalidDiceSpec indicates a die specification has invalid fields.
var ErrInvalidDiceSpec = errors.New("dice must have positive sides and count")

// Spec describes a die to roll and how many times to roll it.
type Spec struct {
	Sides int
	Count int
}

// Result captures the results from rolling one spec.
type Result struct {
	Spec    Spec
	Results []int
	Total   int
}

// ParseSpec parses notation like "d20" or "2d6" into a Spec.
func ParseSpec(notation string) (Spec, error) {
	normalized := strings.ToLower(strings.TrimSpace(notation))
	countPart, sidesPart, found := strings.Cut(normalized, "d")
	if !found {
		return Spec{}, fmt.Errorf("parse dice notation %q: %w", notation, ErrInvalidDiceSpec)
	}

	count := 1
	if countPart != "" {
		parsed, err := strconv.Atoi(countPart)
		if err != nil {
			return Spec{}, fmt.Errorf("parse dice count %q: %w", notation, ErrInvalidDiceSpec)
		}
		count = parsed
	}
	sides, err := strconv.Atoi(sidesPart)
	if err != nil {
		return Spec{}, fmt.Errorf("parse dice sides %q: %w", notation, ErrInvalidDiceSpec)
	}
	if sides <= 0 || count <= 0 {
		return Spec{}, ErrInvalidDiceSpec
	}
	return Spec{Sides: sides, Count: count}, nil
}

// Roll rolls the spec deterministically with respect to the seed.
//
// Given the same Seed and the same Spec, Roll always produces the same
// Result. The Total field is the sum of all values in Results.
func Roll(spec Spec, seed int64) (Result, error) {
	if spec == (Spec{}) {
		return Result{}, ErrMissingDice
	}
	if spec.Sides <= 0 || spec.Count <= 0 {
		return Result{}, ErrInvalidDiceSpec
	}

	rng := rand.New(rand.NewSource(seed))
	results := make([]int, spec.Count)
	total := 0
	for i := 0; i < spec.Count; i++ {
		value := rng.Intn(spec.Sides) + 1
		results[i] = value
		total += value
	}

	return Result{Spec: spec, Results: results, Total: total}, nil
}
