package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/capd/internal/protocol"
	"github.com/google/go-cmp/cmp"
)

func chain(t *testing.T, r *Registry, steps []Call) result {
	t.Helper()
	ch := make(chan result, 1)
	r.ChainExecute(context.Background(), steps, func(out string, ok bool) { ch <- result{out, ok} })
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("chain did not report")
		return result{}
	}
}

func refArg(h Handle, fn string) json.RawMessage {
	b, _ := json.Marshal([]string{protocol.ResultRef(uint64(h), fn)})
	return b
}

func TestPlanChainLevels(t *testing.T) {
	a, b := Handle(1<<32|1), Handle(2<<32|1)
	steps := []Call{
		{Handle: a, Func: "ping"},
		{Handle: b, Func: "ping"},
		{Handle: a, Func: "echo", Args: refArg(a, "ping")},
		{Handle: b, Func: "echo", Args: json.RawMessage(`[{"v":"` + protocol.ResultRef(uint64(a), "echo") + `"}]`)},
	}
	plan, err := planChain(steps)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := [][]int{{0, 1}, {2}, {3}}
	if diff := cmp.Diff(want, plan.levels); diff != "" {
		t.Fatalf("levels mismatch (-want +got):\n%s", diff)
	}
	if plan.refs[3][protocol.ResultRef(uint64(a), "echo")] != 2 {
		t.Fatalf("step 3 should depend on step 2: %+v", plan.refs[3])
	}
}

func TestPlanChainNearestEarlierStep(t *testing.T) {
	a := Handle(7<<32 | 3)
	steps := []Call{
		{Handle: a, Func: "ping"},
		{Handle: a, Func: "ping"},
		{Handle: a, Func: "echo", Args: refArg(a, "ping")},
	}
	plan, err := planChain(steps)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.refs[2][protocol.ResultRef(uint64(a), "ping")] != 1 {
		t.Fatalf("expected reference to bind to step 1: %+v", plan.refs[2])
	}
}

func TestPlanChainRejects(t *testing.T) {
	a := Handle(1<<32 | 1)
	if _, err := planChain(nil); !errors.Is(err, protocol.ErrEmptyChain) {
		t.Fatalf("expected ErrEmptyChain, got %v", err)
	}
	forward := []Call{
		{Handle: a, Func: "echo", Args: refArg(a, "ping")},
		{Handle: a, Func: "ping"},
	}
	if _, err := planChain(forward); !errors.Is(err, ErrUnresolvedRef) {
		t.Fatalf("expected ErrUnresolvedRef for a forward reference, got %v", err)
	}
}

func TestChainExecuteSubstitutesResults(t *testing.T) {
	r, loader := newTestRegistry(t, PolicyAlways)
	loader.funcs["json"] = func(json.RawMessage) (string, bool) { return `{"n":1}`, true }
	h, _, _ := r.Register("math")

	res := chain(t, r, []Call{
		{Handle: h, Func: "ping"},
		{Handle: h, Func: "echo", Args: refArg(h, "ping")},
	})
	if !res.ok || res.out != `["pong"]` {
		t.Fatalf("plain result substitution: %+v", res)
	}

	res = chain(t, r, []Call{
		{Handle: h, Func: "json"},
		{Handle: h, Func: "echo", Args: json.RawMessage(`{"v":"` + protocol.ResultRef(uint64(h), "json") + `"}`)},
	})
	if !res.ok || res.out != `{"v":{"n":1}}` {
		t.Fatalf("json result substitution: %+v", res)
	}
}

func TestChainExecuteFailures(t *testing.T) {
	r, _ := newTestRegistry(t, PolicyAlways)
	h, _, _ := r.Register("math")

	if res := chain(t, r, []Call{{Handle: h, Func: "fail"}, {Handle: h, Func: "ping"}}); res.ok {
		t.Fatalf("chain with a failing step reported ok")
	}
	if res := chain(t, r, []Call{{Handle: h, Func: "echo", Args: refArg(h, "ping")}}); res.ok {
		t.Fatalf("chain with an unresolved reference reported ok")
	}
	if res := chain(t, r, []Call{{Handle: MakeHandle(1, 1), Func: "ping"}}); res.ok {
		t.Fatalf("chain with an unknown handle reported ok")
	}
	if res := chain(t, r, []Call{{Handle: h, Func: "ping"}}); !res.ok || res.out != "pong" {
		t.Fatalf("single step chain: %+v", res)
	}
}
