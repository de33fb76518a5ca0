package kernels

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/qllm/internal/backend"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/tensor"
)

var (
	avx2Host  = backend.Static(backend.Capabilities{Backend: backend.CPU, Arch: "amd64", AVX2: true, FMA: true})
	plainHost = backend.Static(backend.Capabilities{Backend: backend.CPU, Arch: "amd64"})
)

func TestSelect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		bits int
		host backend.Prober
		want Kind
	}{
		{4, avx2Host, Optimized},
		{4, plainHost, Portable},
		{3, avx2Host, Portable},
		{2, avx2Host, Portable},
		{8, avx2Host, Portable},
		{4, nil, Portable},
	}
	for _, tc := range tests {
		if got := Select(tc.bits, tc.host); got != tc.want {
			t.Fatalf("Select(%d): expected %s, got %s", tc.bits, tc.want, got)
		}
	}
}

func TestSelectorModes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode string
		bits int
		want Kind
	}{
		{"auto", 4, Optimized},
		{"DQ", 4, Portable},
		{"gemm", 4, Optimized},
		{"gemm", 3, Portable},
	}
	for _, tc := range tests {
		s, err := NewSelector(tc.mode, avx2Host, nil)
		if err != nil {
			t.Fatalf("NewSelector(%q): %v", tc.mode, err)
		}
		if got := s.Kind(tc.bits); got != tc.want {
			t.Fatalf("%s/%d: expected %s, got %s", tc.mode, tc.bits, tc.want, got)
		}
	}
	if _, err := NewSelector("fast", nil, nil); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

type countingProber struct{ n int }

func (c *countingProber) Probe() backend.Capabilities {
	c.n++
	return backend.Capabilities{Arch: "arm64", ASIMD: true}
}

func TestSelectorMemoizes(t *testing.T) {
	t.Parallel()
	p := &countingProber{}
	s, err := NewSelector(ModeAuto, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := s.Kind(4)
	for range 5 {
		if got := s.Kind(4); got != first {
			t.Fatalf("expected stable decision %s, got %s", first, got)
		}
	}
	if p.n != 1 {
		t.Fatalf("expected one probe, got %d", p.n)
	}
}

func TestKindVersion(t *testing.T) {
	t.Parallel()
	if Optimized.Version() != "GEMM" || Portable.Version() != "DQ" {
		t.Fatalf("unexpected versions %s/%s", Optimized.Version(), Portable.Version())
	}
}

func TestBitsStraddleWords(t *testing.T) {
	t.Parallel()
	const n, bits = 40, 3
	buf := make([]int32, words(n, bits))
	for i := range n {
		putBits(buf, 1, 0, i, bits, uint32(i%8))
	}
	for i := range n {
		if got := getBits(buf, 1, 0, i, bits); got != uint32(i%8) {
			t.Fatalf("value %d: expected %d, got %d", i, i%8, got)
		}
	}
}

// fitted builds a dense layer and min-max parameters for it.
func fitted(out, in, bits, groupSize int, seed int64) PackInput {
	w := tensor.New(out, in)
	tensor.FillRand(w, seed, 1)
	g := Groups(in, groupSize)
	scale, zero := tensor.New(g, out), tensor.New(g, out)
	maxq := float32(MaxQ(bits))
	for gi := range g {
		for o := range out {
			lo, hi := float32(0), float32(0)
			for i := range in {
				if contiguousGroup(i, groupSize) != gi {
					continue
				}
				lo, hi = min(lo, w.At(o, i)), max(hi, w.At(o, i))
			}
			s := (hi - lo) / maxq
			scale.Set(gi, o, s)
			zero.Set(gi, o, float32(int32(-lo/s+0.5)))
		}
	}
	return PackInput{Weight: w, Scale: scale, Zero: zero}
}

func qdq(in PackInput, bits, groupSize int) []float32 {
	out, n := in.Weight.Shape[0], in.Weight.Shape[1]
	res := make([]float32, out*n)
	for o := range out {
		for i := range n {
			gi := in.group(i, groupSize)*out + o
			s, z := in.Scale.Data[gi], in.Zero.Data[gi]
			v := in.Weight.At(o, i)
			if in.ActScale != nil {
				v *= in.ActScale[i]
			}
			res[o*n+i] = DequantizeValue(QuantizeValue(v, s, z, MaxQ(bits)), s, z)
		}
	}
	return res
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind      Kind
		bits      int
		groupSize int
	}{
		{Portable, 2, 16},
		{Portable, 3, 16},
		{Portable, 4, -1},
		{Portable, 8, 32},
		{Optimized, 4, 16},
		{Optimized, 4, -1},
	}
	for _, tc := range tests {
		in := fitted(16, 64, tc.bits, tc.groupSize, int64(tc.bits))
		q, err := New(tc.kind, 64, 16, tc.bits, tc.groupSize, false)
		if err != nil {
			t.Fatalf("%s/%d: %v", tc.kind, tc.bits, err)
		}
		if err := q.Pack(in); err != nil {
			t.Fatalf("%s/%d: pack: %v", tc.kind, tc.bits, err)
		}
		want, _ := Codes(in, tc.bits, tc.groupSize)
		codes, zeros := q.Unpack()
		if !slices.Equal(codes, want) {
			t.Fatalf("%s/%d: unpacked codes differ", tc.kind, tc.bits)
		}
		for i, z := range zeros {
			if float32(z) != in.Zero.Data[i] {
				t.Fatalf("%s/%d: zero %d: expected %v, got %d", tc.kind, tc.bits, i, in.Zero.Data[i], z)
			}
		}
		if got := q.Dequantize().Data; !slices.Equal(got, qdq(in, tc.bits, tc.groupSize)) {
			t.Fatalf("%s/%d: dequantized weight differs from quantize-dequantize", tc.kind, tc.bits)
		}
	}
}

func TestPackIdempotent(t *testing.T) {
	t.Parallel()
	in := fitted(8, 32, 4, 8, 3)
	q, _ := New(Portable, 32, 8, 4, 8, false)
	if err := q.Pack(in); err != nil {
		t.Fatal(err)
	}
	first := slices.Clone(q.QWeight.Ints)
	if err := q.Pack(in); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(first, q.QWeight.Ints) {
		t.Fatal("expected identical storage after packing twice")
	}
}

func TestActOrderGroups(t *testing.T) {
	t.Parallel()
	in := fitted(8, 16, 4, 8, 5)
	// Reverse the group assignment; scales stay valid since min-max bounds
	// are only used to pick codes.
	in.GIdx = make([]int, 16)
	for i := range in.GIdx {
		in.GIdx[i] = 1 - i/8
	}
	q, _ := New(Portable, 16, 8, 4, 8, false)
	if err := q.Pack(in); err != nil {
		t.Fatal(err)
	}
	if q.GIdx.Ints[0] != 1 || q.GIdx.Ints[15] != 0 {
		t.Fatalf("expected stored g_idx to follow input, got %v", q.GIdx.Ints)
	}
	if !slices.Equal(q.Dequantize().Data, qdq(in, 4, 8)) {
		t.Fatal("dequantized weight differs with permuted groups")
	}

	opt, _ := New(Optimized, 16, 8, 4, 8, false)
	if err := opt.Pack(in); !errors.Is(err, ErrLayout) {
		t.Fatalf("expected ErrLayout for non-contiguous groups, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind                Kind
		in, out, bits, size int
		ok                  bool
	}{
		{Portable, 64, 12, 3, 16, true},
		{Portable, 64, 12, 5, 16, false},
		{Optimized, 64, 12, 4, 16, false},
		{Optimized, 60, 16, 4, 16, false},
		{Optimized, 64, 16, 8, 16, false},
		{Optimized, 64, 16, 4, 16, true},
		{Portable, 64, 16, 4, 0, false},
	}
	for _, tc := range tests {
		err := Check(tc.kind, tc.in, tc.out, tc.bits, tc.size)
		if (err == nil) != tc.ok {
			t.Fatalf("%+v: expected ok=%v, got %v", tc, tc.ok, err)
		}
	}
}

func TestForwardMatchesDense(t *testing.T) {
	t.Parallel()
	in := fitted(16, 32, 4, 8, 9)
	in.Bias = tensor.New(16)
	tensor.FillRand(in.Bias, 10, 0.1)
	in.ActScale = make([]float32, 32)
	for i := range in.ActScale {
		in.ActScale[i] = 1 + float32(i%3)*0.5
	}
	q, _ := New(Optimized, 32, 16, 4, 8, true)
	if err := q.Pack(in); err != nil {
		t.Fatal(err)
	}

	dense := nn.NewLinear(32, 16, true)
	deq := qdq(in, 4, 8)
	for o := range 16 {
		for i, s := range in.ActScale {
			dense.Weight.Set(o, i, deq[o*32+i]/s)
		}
	}
	copy(dense.Bias.Data, in.Bias.Data)

	x := tensor.New(3, 32)
	tensor.FillRand(x, 11, 1)
	want, err := dense.Forward(nn.Call(x))
	if err != nil {
		t.Fatal(err)
	}
	got, err := q.Forward(nn.Call(x))
	if err != nil {
		t.Fatal(err)
	}
	if d := tensor.MaxAbsDiff(got.Data, want.Data); d > 1e-4 {
		t.Fatalf("expected kernel output to match dense layer, max diff %g", d)
	}
}

func TestForwardRejectsOtherDevice(t *testing.T) {
	t.Parallel()
	q, _ := New(Portable, 8, 8, 4, -1, false)
	x := tensor.New(1, 8)
	x.Device = "cpu:1"
	if _, err := q.Forward(nn.Call(x)); !errors.Is(err, tensor.ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch, got %v", err)
	}
}

func TestParamsNames(t *testing.T) {
	t.Parallel()
	q, _ := New(Portable, 8, 8, 4, -1, true)
	var names []string
	for _, p := range q.Params() {
		if p.T != nil {
			names = append(names, p.Name)
		}
	}
	if !slices.Equal(names, []string{"qweight", "qzeros", "scales", "g_idx", "bias"}) {
		t.Fatalf("unexpected params %v", names)
	}
	if q.QWeight.Shape[0] != 1 || q.QZeros.Shape[1] != 1 {
		t.Fatalf("unexpected packed shapes %v %v", q.QWeight.Shape, q.QZeros.Shape)
	}
}
