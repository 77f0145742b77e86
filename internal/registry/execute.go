package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/capd/internal/observability"
	"github.com/danmuck/capd/internal/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnresolvedRef = errors.New("registry: chain reference has no earlier step")
	ErrStepFailed    = errors.New("registry: chain step failed")
)

// Call is one function invocation against a handle.
type Call struct {
	Handle Handle
	Func   string
	Args   json.RawMessage
}

// Execute queues call on the call pool and reports through done exactly
// once. It never waits for a free slot.
// done receives ok=false for an unknown handle, a cancelled ctx or a failed
// invocation. done may be nil.
func (r *Registry) Execute(ctx context.Context, call Call, done func(result string, ok bool)) {
	svc, ok := r.acquire(call.Handle)
	if !ok {
		log.Debug().Str("handle", call.Handle.String()).Str("func", call.Func).Msg("registry.execute unknown handle")
		finish(done, "", false)
		return
	}
	r.pool.Submit(ctx, func() {
		defer svc.inflight.Done()
		out, ok := r.invoke(svc, call, "call")
		finish(done, out, ok)
	}, func(err error) {
		svc.inflight.Done()
		log.Debug().Err(err).Str("handle", call.Handle.String()).Str("func", call.Func).Msg("registry.execute abandoned")
		finish(done, "", false)
	})
}

func finish(done func(string, bool), out string, ok bool) {
	if done != nil {
		done(out, ok)
	}
}

func (r *Registry) invoke(svc *loaded, call Call, kind string) (string, bool) {
	start := time.Now()
	out, ok := svc.inv.Call(call.Func, call.Args)
	observability.RecordCall(kind, ok, time.Since(start))
	if !ok {
		log.Debug().Str("service", svc.name).Str("func", call.Func).Msg("registry.invoke failed")
	}
	return out, ok
}

// ChainExecute runs steps in dependency order and reports the last step's
// result through done. A string argument equal to protocol.ResultRef(sig,
// func) is replaced by the result of the nearest earlier step with that
// handle and function. Steps with no pending dependency run concurrently.
func (r *Registry) ChainExecute(ctx context.Context, steps []Call, done func(result string, ok bool)) {
	plan, err := planChain(steps)
	if err != nil {
		log.Debug().Err(err).Int("steps", len(steps)).Msg("registry.chain rejected")
		finish(done, "", false)
		return
	}
	go func() {
		out, err := r.runChain(ctx, steps, plan)
		if err != nil {
			log.Debug().Err(err).Int("steps", len(steps)).Msg("registry.chain failed")
			finish(done, "", false)
			return
		}
		finish(done, out, true)
	}()
}

func (r *Registry) runChain(ctx context.Context, steps []Call, plan chainPlan) (string, error) {
	results := make([]string, len(steps))
	for _, level := range plan.levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range level {
			g.Go(func() error {
				step := steps[i]
				args, err := substitute(step.Args, plan.refs[i], results)
				if err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
				svc, ok := r.acquire(step.Handle)
				if !ok {
					return fmt.Errorf("%w: step %d: unknown handle", ErrStepFailed, i)
				}
				defer svc.inflight.Done()
				return r.pool.Run(gctx, func() error {
					out, ok := r.invoke(svc, Call{Handle: step.Handle, Func: step.Func, Args: args}, "chain")
					if !ok {
						return fmt.Errorf("%w: step %d (%s)", ErrStepFailed, i, step.Func)
					}
					results[i] = out
					return nil
				})
			})
		}
		if err := g.Wait(); err != nil {
			return "", err
		}
	}
	return results[len(steps)-1], nil
}

// chainPlan groups step indexes into levels; every dependency of a step
// sits in an earlier level.
type chainPlan struct {
	levels [][]int
	refs   []map[string]int
}

func planChain(steps []Call) (chainPlan, error) {
	if len(steps) == 0 {
		return chainPlan{}, protocol.ErrEmptyChain
	}
	plan := chainPlan{refs: make([]map[string]int, len(steps))}
	depth := make([]int, len(steps))
	for i, step := range steps {
		strs, err := argStrings(step.Args)
		if err != nil {
			return chainPlan{}, fmt.Errorf("step %d: %w", i, err)
		}
		for _, s := range strs {
			sig, fn, ok := protocol.ParseResultRef(s)
			if !ok {
				continue
			}
			dep := -1
			for j := i - 1; j >= 0; j-- {
				if uint64(steps[j].Handle) == sig && steps[j].Func == fn {
					dep = j
					break
				}
			}
			if dep < 0 {
				return chainPlan{}, fmt.Errorf("%w: step %d: %s", ErrUnresolvedRef, i, s)
			}
			if plan.refs[i] == nil {
				plan.refs[i] = make(map[string]int)
			}
			plan.refs[i][s] = dep
			if depth[dep]+1 > depth[i] {
				depth[i] = depth[dep] + 1
			}
		}
		for len(plan.levels) <= depth[i] {
			plan.levels = append(plan.levels, nil)
		}
		plan.levels[depth[i]] = append(plan.levels[depth[i]], i)
	}
	return plan, nil
}

func decodeArgs(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// argStrings collects every string value in raw.
func argStrings(raw json.RawMessage) ([]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	v, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(v)
	return out, nil
}

// substitute replaces reference strings in raw with the results they name.
// A result that is valid JSON is inlined as is; anything else becomes a
// JSON string.
func substitute(raw json.RawMessage, refs map[string]int, results []string) (json.RawMessage, error) {
	if len(refs) == 0 {
		return raw, nil
	}
	v, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			dep, ok := refs[t]
			if !ok {
				return t
			}
			res := results[dep]
			if json.Valid([]byte(res)) {
				return json.RawMessage(res)
			}
			return res
		case []any:
			for i, e := range t {
				t[i] = walk(e)
			}
			return t
		case map[string]any:
			for k, e := range t {
				t[k] = walk(e)
			}
			return t
		default:
			return v
		}
	}
	return json.Marshal(walk(v))
}
