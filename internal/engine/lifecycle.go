package engine

import (
	"context"
	"slices"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// ValidLifecycleTransitions defines the allowed token state transitions.
// A transition to the current state is always allowed.
var ValidLifecycleTransitions = map[schema.LifecycleState][]schema.LifecycleState{
	schema.StateCreated:   {schema.StateSelected, schema.StateRunning, schema.StateCompleted, schema.StateAborted, schema.StateError},
	schema.StateSelected:  {schema.StateRunning, schema.StateCreated, schema.StateSuspended, schema.StateCompleted, schema.StateAborted, schema.StateError},
	schema.StateRunning:   {schema.StateIdling, schema.StateSuspended, schema.StateCompleted, schema.StateAborted, schema.StateError},
	schema.StateIdling:    {schema.StateRunning, schema.StateCompleted, schema.StateAborted, schema.StateError},
	schema.StateSuspended: {schema.StateSelected, schema.StateRunning, schema.StateCompleted, schema.StateAborted, schema.StateError},
	schema.StateCompleted: {},
	schema.StateAborted:   {},
	schema.StateError:     {},
}

func isValidLifecycleTransition(from, to schema.LifecycleState) bool {
	if from == to {
		return true
	}
	return slices.Contains(ValidLifecycleTransitions[from], to)
}

// ChangeTokenState moves the token to state with the given request. Nothing
// happens when both are unchanged.
func (e *engineImpl) ChangeTokenState(ctx context.Context, tc *store.TokenContext, state schema.LifecycleState, request schema.LifecycleRequest) error {
	if tc.State == state && tc.Request == request {
		return nil
	}
	if !isValidLifecycleTransition(tc.State, state) {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"invalid lifecycle transition: %s -> %s", tc.State, state).
			WithDetails(map[string]any{"token_id": tc.ID, "from": string(tc.State), "to": string(state)})
	}

	oldState, oldRequest := tc.State, tc.Request
	tc.State = state
	tc.Request = request

	e.emit(ctx, schema.EventTokenStateChange, tc, func(ev *Event) {
		ev.OldState = oldState
		ev.OldRequest = oldRequest
	})
	return nil
}
