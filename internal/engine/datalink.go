package engine

import (
	"context"

	"github.com/mohae/deepcopy"

	"github.com/rendis/procflow/pkg/schema"
)

// checkGlobalLinks makes process variables visible to the socket before its
// expressions run: variable data links into the socket are executed, and
// parameters without any incoming link take the value of a same-named
// auto-assign variable.
func (x *execution) checkGlobalLinks(ctx context.Context, socket *schema.Socket) error {
	process := socket.Process()
	for _, p := range socket.Params {
		if len(p.InLinks) == 0 {
			v := process.Variable(p.Name)
			if v == nil || !v.AutoAssign {
				continue
			}
			if value, ok := x.tc.ParamValue(v.Key()); ok && value != nil {
				x.tc.SetParamValue(p.Key(), value)
			}
			continue
		}
		for _, dl := range p.InLinks {
			if dl.SourceVar == nil {
				continue
			}
			if err := x.executeDataLink(ctx, dl); err != nil {
				return err
			}
		}
	}
	return nil
}

// autoAssign writes an exit parameter without data links back to the
// same-named auto-assign process variable.
func (x *execution) autoAssign(p *schema.Param) {
	v := p.Socket.Process().Variable(p.Name)
	if v == nil || !v.AutoAssign {
		return
	}
	if value, ok := x.tc.ParamValue(p.Key()); ok && value != nil {
		x.tc.SetParamValue(v.Key(), value)
	}
}

// executeDataLink copies the link's source value to its target. Member
// paths address parts of the values; missing intermediate members are
// created on the target side. Unset sources are skipped.
func (x *execution) executeDataLink(ctx context.Context, dl *schema.DataLink) error {
	value, ok := x.tc.ParamValue(dl.SourceKey())
	if !ok || value == nil {
		return nil
	}

	var err error
	if dl.SourceMember != "" {
		if value, err = x.e.paths.Get(ctx, value, dl.SourceMember); err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression, "data link %s -> %s: source member", dl.From, dl.To).WithCause(err)
		}
	}
	if dl.Clone {
		value = deepcopy.Copy(value)
	}

	key := dl.TargetKey()
	stored := value
	if dl.TargetMember != "" {
		root, _ := x.tc.ParamValue(key)
		if root == nil {
			root = map[string]any{}
		}
		if stored, err = x.e.paths.Set(ctx, root, dl.TargetMember, value, true); err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression, "data link %s -> %s: target member", dl.From, dl.To).WithCause(err)
		}
	}
	x.tc.SetParamValue(key, stored)

	x.e.emit(ctx, schema.EventDataFlow, x.tc, func(ev *Event) {
		ev.DataLink = dl
		ev.Value = value
	})
	return nil
}
