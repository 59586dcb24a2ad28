// Package segment fires single-shot story beats. A segment's trigger
// condition is a Lua predicate evaluated against a snapshot of session
// state; the store's triggered flag guarantees at most one firing per
// segment regardless of concurrent evaluation.
package segment

import (
	"context"
	"fmt"
	"log"

	"github.com/Shopify/go-lua"

	"github.com/taleforge/taleforge/internal/storage"
)

// State is the session snapshot exposed to trigger predicates as the
// global `state` table: `state.momentum`, `state.log_count`, and
// `state.recent_text`.
type State struct {
	Momentum   float64
	LogCount   int
	RecentText string
}

// Evaluator evaluates untriggered segments against session state.
type Evaluator struct {
	segments storage.SegmentStore
}

// New creates a segment evaluator.
func New(segments storage.SegmentStore) *Evaluator {
	return &Evaluator{segments: segments}
}

// Evaluate runs every untriggered segment's predicate for the campaign
// and fires the ones that match. A predicate that fails to compile or
// run never fires and never fails evaluation. The returned segments are
// only those this call transitioned to triggered.
func (e *Evaluator) Evaluate(ctx context.Context, campaignID string, state State) ([]storage.SegmentRecord, error) {
	candidates, err := e.segments.ListUntriggeredSegments(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list untriggered segments: %w", err)
	}

	var fired []storage.SegmentRecord
	for _, candidate := range candidates {
		if !matches(candidate.TriggerCondition, state) {
			continue
		}
		won, err := e.segments.MarkSegmentTriggered(ctx, candidate.ID)
		if err != nil {
			return fired, fmt.Errorf("mark segment %s triggered: %w", candidate.ID, err)
		}
		if !won {
			// A concurrent evaluation fired it first.
			continue
		}
		candidate.IsTriggered = true
		fired = append(fired, candidate)
	}
	return fired, nil
}

// matches runs one Lua predicate in a fresh interpreter. The script is
// expected to return a boolean; anything else, including script errors,
// counts as no match.
func matches(condition string, state State) bool {
	if condition == "" {
		return false
	}

	vm := lua.NewState()
	lua.OpenLibraries(vm)

	vm.NewTable()
	vm.PushNumber(state.Momentum)
	vm.SetField(-2, "momentum")
	vm.PushInteger(state.LogCount)
	vm.SetField(-2, "log_count")
	vm.PushString(state.RecentText)
	vm.SetField(-2, "recent_text")
	vm.SetGlobal("state")

	if err := lua.LoadString(vm, condition); err != nil {
		log.Printf("segment predicate load error err=%v", err)
		return false
	}
	if err := vm.ProtectedCall(0, 1, 0); err != nil {
		log.Printf("segment predicate run error err=%v", err)
		return false
	}
	if vm.Top() < 1 {
		return false
	}
	return vm.ToBoolean(-1)
}
