package nn

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/samcharles93/qllm/internal/tensor"
)

// box is a generic container used to build arbitrary trees in tests.
type box struct {
	names []string
	items []Module
}

func (b *box) Kind() string                          { return "box" }
func (b *box) Forward(*Args) (*tensor.Tensor, error) { return nil, ErrNotCallable }
func (b *box) Params() []Param                       { return nil }

func (b *box) Children() []Child {
	out := make([]Child, len(b.items))
	for i := range b.items {
		out[i] = Child{Name: b.names[i], Module: b.items[i]}
	}
	return out
}

func (b *box) SetChild(name string, m Module) error {
	for i, n := range b.names {
		if n == name {
			b.items[i] = m
			return nil
		}
	}
	return ErrNoChild
}

func (b *box) add(name string, m Module) *box {
	b.names = append(b.names, name)
	b.items = append(b.items, m)
	return b
}

// randomTree builds a tree and returns it with the set of linear leaves by
// path.
func randomTree(rng *rand.Rand, depth int, prefix string, want map[string]Module) Module {
	b := &box{}
	n := rng.Intn(4)
	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		path := Join(prefix, name)
		switch {
		case depth > 0 && rng.Intn(2) == 0:
			b.add(name, randomTree(rng, depth-1, path, want))
		case rng.Intn(3) == 0:
			b.add(name, NewRMSNorm(2, 1e-5))
		default:
			l := NewLinear(2, 3, rng.Intn(2) == 0)
			want[path] = l
			b.add(name, l)
		}
	}
	return b
}

func TestFindCompleteness(t *testing.T) {
	t.Parallel()
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		want := make(map[string]Module)
		root := randomTree(rng, 4, "", want)

		got := Find(root, "", KindLinear)
		if got.Len() != len(want) {
			t.Fatalf("seed %d: expected %d layers, got %d", seed, len(want), got.Len())
		}
		for _, p := range got.Paths() {
			m, _ := got.Get(p)
			if want[p] != m {
				t.Fatalf("seed %d: path %q maps to the wrong module", seed, p)
			}
			r, err := Resolve(root, p)
			if err != nil {
				t.Fatalf("seed %d: Resolve(%q): %v", seed, p, err)
			}
			if r != m {
				t.Fatalf("seed %d: Resolve(%q) returned a different module", seed, p)
			}
		}
	}
}

func TestFindEmptyAndPrefix(t *testing.T) {
	t.Parallel()
	root := (&box{}).add("norm", NewRMSNorm(2, 1e-5))
	if got := Find(root, "", KindLinear); got.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", got.Len())
	}

	lin := NewLinear(2, 2, false)
	root.add("proj", lin)
	got := Find(root, "model.layers.0", KindLinear)
	paths := got.Paths()
	if len(paths) != 1 || paths[0] != "model.layers.0.proj" {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestFindOrderIsStable(t *testing.T) {
	t.Parallel()
	inner := (&box{}).add("q", NewLinear(1, 1, false)).add("k", NewLinear(1, 1, false))
	root := (&box{}).add("attn", inner).add("o", NewLinear(1, 1, false))
	want := []string{"attn.q", "attn.k", "o"}
	for i := 0; i < 5; i++ {
		got := Find(root, "", KindLinear).Paths()
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("expected %v, got %v", want, got)
			}
		}
	}
}

func TestResolveParentBadPath(t *testing.T) {
	t.Parallel()
	root := (&box{}).add("a", NewLinear(1, 1, false))
	for _, p := range []string{"", "b", "a.x", "a.b.c"} {
		if _, _, err := ResolveParent(root, p); !errors.Is(err, ErrBadPath) {
			t.Fatalf("ResolveParent(%q): expected ErrBadPath, got %v", p, err)
		}
	}
}

func TestInstallHookRewritesArgsAndRestores(t *testing.T) {
	t.Parallel()
	lin := NewLinear(2, 1, false)
	lin.Weight.Data = []float32{1, 1}
	root := (&box{}).add("proj", lin)

	var seen *Args
	remove, err := InstallHook(root, "proj", func(m Module, in *Args) (*Args, error) {
		if m != Module(lin) {
			t.Errorf("hook received wrapped module")
		}
		seen = in
		out := in.Clone()
		out.Pos[0] = tensor.FromData([]float32{2, 3}, 1, 2)
		return out, nil
	})
	if err != nil {
		t.Fatalf("InstallHook: %v", err)
	}
	slot := root.items[0]
	if _, ok := slot.(*Hooked); !ok {
		t.Fatalf("expected hooked slot, got %T", slot)
	}
	y, err := slot.Forward(Call(tensor.FromData([]float32{0, 0}, 1, 2)).With("flag", true))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if y.Data[0] != 5 {
		t.Fatalf("expected rewritten input to give 5, got %v", y.Data[0])
	}
	if seen == nil || seen.Kw["flag"] != true {
		t.Fatalf("hook did not see keyword args")
	}

	// Discovery looks through the decorator.
	if got := Find(root, "", KindLinear); got.Len() != 1 {
		t.Fatalf("expected hooked linear to be discovered")
	}

	remove()
	if root.items[0] != Module(lin) {
		t.Fatalf("expected bare module restored, got %T", root.items[0])
	}
}

func TestHookErrorStopsForward(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	h := Wrap(NewLinear(1, 1, false))
	h.Add(func(Module, *Args) (*Args, error) { return nil, boom })
	if _, err := h.Forward(Call(tensor.New(1, 1))); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
}

func TestStateDictAndFirstParam(t *testing.T) {
	t.Parallel()
	lin := NewLinear(2, 2, true)
	root := (&box{}).add("norm", NewRMSNorm(2, 1e-5)).add("proj", lin)
	sd := StateDict(root)
	want := []string{"norm.weight", "proj.weight", "proj.bias"}
	if len(sd) != len(want) {
		t.Fatalf("expected %d params, got %d", len(want), len(sd))
	}
	for i, p := range sd {
		if p.Name != want[i] {
			t.Fatalf("param %d: expected %q, got %q", i, want[i], p.Name)
		}
	}
	p, ok := FirstParam(Find(root, "", KindLinear).mods["proj"])
	if !ok || p.T != lin.Weight {
		t.Fatalf("expected first param to be the linear weight")
	}
	if _, ok := FirstParam(&box{}); ok {
		t.Fatalf("expected no params for empty box")
	}
}

func TestLinearForward(t *testing.T) {
	t.Parallel()
	lin := NewLinear(2, 2, true)
	copy(lin.Weight.Data, []float32{1, 2, 3, 4})
	copy(lin.Bias.Data, []float32{10, 20})
	y, err := lin.Forward(Call(tensor.FromData([]float32{1, 1}, 1, 2)))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if y.Data[0] != 13 || y.Data[1] != 27 {
		t.Fatalf("unexpected output %v", y.Data)
	}

	x := tensor.FromData([]float32{1, 1}, 1, 2).To("cpu:1")
	if _, err := lin.Forward(Call(x)); !errors.Is(err, tensor.ErrDeviceMismatch) {
		t.Fatalf("expected device mismatch, got %v", err)
	}
}

func TestArgsToAndMoveParams(t *testing.T) {
	t.Parallel()
	x := tensor.New(1, 2)
	mask := tensor.New(2, 2)
	in := Call(x, 7).With("attention_mask", mask).With("flag", true)
	moved := in.To("cpu:3")
	if moved.Pos[0].(*tensor.Tensor).Device != "cpu:3" || moved.Kw["attention_mask"].(*tensor.Tensor).Device != "cpu:3" {
		t.Fatalf("expected tensors on cpu:3, got %+v", moved)
	}
	if moved.Pos[1] != 7 || moved.Kw["flag"] != true {
		t.Fatalf("expected non-tensor values to pass through, got %+v", moved)
	}
	if x.Device != tensor.CPU {
		t.Fatalf("expected source args untouched, got %s", x.Device)
	}

	root := (&box{}).add("proj", NewLinear(2, 2, true))
	MoveParams(root, "cpu:2")
	if dev, ok := Device(root); !ok || dev != "cpu:2" {
		t.Fatalf("expected params on cpu:2, got %q", dev)
	}
	if _, ok := Device(&box{}); ok {
		t.Fatal("expected no device for a module without params")
	}
}
