package engine

import (
	"bytes"
	"context"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// positionSnapshot is the in-memory position kept across a rollback.
type positionSnapshot struct {
	socket   string
	stack    store.CallStack
	progress store.ProgressInfo
}

// RollbackAndContinue discards the open transaction and reloads the token.
// With MAINTAIN_POSITION the in-memory position is kept. Variables are
// overlaid by data: UPDATE_VARIABLES overwrites keys the reloaded token has,
// ADD_VARIABLES fills keys it lacks, RESTORE_VARIABLES keeps the reloaded
// values. The result is saved and committed only when something was
// overlaid.
func (e *engineImpl) RollbackAndContinue(ctx context.Context, s store.Session, tc *store.TokenContext, data schema.RollbackData, position schema.RollbackPosition) (*store.TokenContext, error) {
	var pos *positionSnapshot
	if position != schema.RollbackRestorePosition {
		pos = &positionSnapshot{
			socket:   tc.CurrentSocket,
			stack:    tc.CallStack.Clone(),
			progress: tc.Progress,
		}
	}

	var vars map[string][]byte
	if data != schema.RollbackRestoreVariables {
		vars = snapshotVariables(tc)
	}

	id := tc.ID
	s.EvictContext(tc)
	if err := s.Rollback(ctx); err != nil {
		return nil, err
	}
	reloaded, err := s.GetContextByID(ctx, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransaction, "reload token %s after rollback", id).
			WithCause(err).AsUnrecoverable()
	}

	changed := false
	if pos != nil {
		if reloaded.CurrentSocket != pos.socket || !reloaded.CallStack.Equal(pos.stack) || reloaded.Progress != pos.progress {
			reloaded.CurrentSocket = pos.socket
			reloaded.CallStack = pos.stack
			reloaded.Progress = pos.progress
			changed = true
		}
	}
	for key, encoded := range vars {
		current, exists := reloaded.ParamValues[key]
		switch data {
		case schema.RollbackUpdateVariables:
			if !exists {
				continue
			}
		case schema.RollbackAddVariables:
			if exists {
				continue
			}
		}
		if exists {
			if b, err := store.MarshalValue(current); err == nil && bytes.Equal(b, encoded) {
				continue
			}
		}
		value, err := store.UnmarshalValue(encoded)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTransaction, "restore variable %q", key).WithCause(err).AsUnrecoverable()
		}
		reloaded.SetParamValue(key, value)
		changed = true
	}

	if !changed {
		return reloaded, nil
	}
	if err := s.Begin(ctx); err != nil {
		return nil, err
	}
	if err := s.SaveContext(ctx, reloaded); err != nil {
		return nil, err
	}
	if err := s.Commit(ctx); err != nil {
		return nil, err
	}
	return reloaded, nil
}

// snapshotVariables encodes the process variable values of tc. Values the
// codec cannot encode are left out; the reloaded token's own value stands
// in for them.
func snapshotVariables(tc *store.TokenContext) map[string][]byte {
	vars := make(map[string][]byte)
	for key, v := range tc.ParamValues {
		if !schema.IsVariableKey(key) {
			continue
		}
		b, err := store.MarshalValue(v)
		if err != nil {
			continue
		}
		vars[key] = b
	}
	return vars
}
