package kernels

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/tensor"
)

// KindQuantLinear is the discovery kind of packed layers.
const KindQuantLinear = "quant_linear"

// ErrLayout is returned when a layer shape or grouping cannot be stored by
// a kernel.
var ErrLayout = errors.New("kernels: unsupported layout")

// QuantizeValue maps w to its integer code under scale and zero.
func QuantizeValue(w, scale, zero float32, maxq int32) int32 {
	q := int32(math.RoundToEven(float64(w/scale))) + int32(zero)
	return min(max(q, 0), maxq)
}

// DequantizeValue maps an integer code back to a weight.
func DequantizeValue(q int32, scale, zero float32) float32 {
	return scale * (float32(q) - zero)
}

// MaxQ returns the largest code for a bit width.
func MaxQ(bits int) int32 { return int32(1)<<uint(bits) - 1 }

// Groups returns the number of quantization groups along in inputs.
// groupSize -1 means one group.
func Groups(in, groupSize int) int {
	if groupSize <= 0 {
		return 1
	}
	return (in + groupSize - 1) / groupSize
}

// Check validates that kind k can hold an in x out layer.
func Check(k Kind, in, out, bits, groupSize int) error {
	if in <= 0 || out <= 0 {
		return fmt.Errorf("%w: shape %dx%d", ErrLayout, out, in)
	}
	if !k.Supports(bits) {
		return fmt.Errorf("%w: %s kernel cannot store %d-bit values", ErrLayout, k, bits)
	}
	if groupSize == 0 || groupSize < -1 {
		return fmt.Errorf("%w: group size %d", ErrLayout, groupSize)
	}
	if k == Optimized {
		if out%8 != 0 {
			return fmt.Errorf("%w: %d output features is not a multiple of 8", ErrLayout, out)
		}
		if groupSize > 0 && groupSize < in && in%groupSize != 0 {
			return fmt.Errorf("%w: %d input features is not a multiple of group size %d", ErrLayout, in, groupSize)
		}
	}
	return nil
}

// QuantLinear is a linear layer whose weight is stored as packed integer
// codes with per-group scales and zero points.
//
// Portable layout: QWeight [words(In,Bits), Out] holds, per output column,
// the codes of all inputs as a bit stream. QZeros [groups, words(Out,Bits)]
// holds one stream per group. GIdx maps each input to its group.
//
// Optimized layout: QWeight [In, Out/8] and QZeros [groups, Out/8] hold
// eight interleaved 4-bit codes per word. Groups are contiguous and there
// is no GIdx.
type QuantLinear struct {
	Layout    Kind
	Bits      int
	GroupSize int
	In, Out   int

	QWeight  *tensor.Tensor
	QZeros   *tensor.Tensor
	Scales   *tensor.Tensor
	GIdx     *tensor.Tensor
	Bias     *tensor.Tensor
	ActScale *tensor.Tensor
}

// New allocates an empty kernel of kind k.
func New(k Kind, in, out, bits, groupSize int, bias bool) (*QuantLinear, error) {
	if err := Check(k, in, out, bits, groupSize); err != nil {
		return nil, err
	}
	g := Groups(in, groupSize)
	q := &QuantLinear{Layout: k, Bits: bits, GroupSize: groupSize, In: in, Out: out}
	if k == Optimized {
		q.QWeight = tensor.NewInt(in, out/8)
		q.QZeros = tensor.NewInt(g, out/8)
	} else {
		q.QWeight = tensor.NewInt(words(in, bits), out)
		q.QZeros = tensor.NewInt(g, words(out, bits))
		q.GIdx = tensor.NewInt(in)
		for i := range q.GIdx.Ints {
			q.GIdx.Ints[i] = int32(contiguousGroup(i, groupSize))
		}
	}
	q.Scales = tensor.New(g, out)
	if bias {
		q.Bias = tensor.New(out)
	}
	return q, nil
}

// WithActScale allocates the per-input activation scale used by
// activation-aware quantization. Inputs are divided by it before the
// product.
func (q *QuantLinear) WithActScale() *QuantLinear {
	if q.ActScale == nil {
		s := tensor.New(q.In)
		for i := range s.Data {
			s.Data[i] = 1
		}
		s.Device = q.QWeight.Device
		q.ActScale = s
	}
	return q
}

func contiguousGroup(i, groupSize int) int {
	if groupSize <= 0 {
		return 0
	}
	return i / groupSize
}

// PackInput is the dense layer and its fitted quantization parameters.
type PackInput struct {
	Weight   *tensor.Tensor // [out, in]
	Bias     *tensor.Tensor // optional [out]
	Scale    *tensor.Tensor // [groups, out]
	Zero     *tensor.Tensor // [groups, out], integer valued
	GIdx     []int          // input -> group; nil means contiguous
	ActScale []float32      // optional, weights are multiplied by it before quantization
}

func (in PackInput) group(i, groupSize int) int {
	if in.GIdx != nil {
		return in.GIdx[i]
	}
	return contiguousGroup(i, groupSize)
}

// Codes quantizes the dense weight of in to integer codes, row-major
// [out, in].
func Codes(in PackInput, bits, groupSize int) ([]int32, error) {
	w := in.Weight
	if w == nil || len(w.Shape) != 2 {
		return nil, fmt.Errorf("%w: weight must be rank 2", ErrLayout)
	}
	out, nIn := w.Shape[0], w.Shape[1]
	g := Groups(nIn, groupSize)
	if in.GIdx != nil {
		g = 0
		for _, x := range in.GIdx {
			g = max(g, x+1)
		}
		if len(in.GIdx) != nIn {
			return nil, fmt.Errorf("%w: g_idx has %d entries for %d inputs", ErrLayout, len(in.GIdx), nIn)
		}
	}
	for _, p := range []*tensor.Tensor{in.Scale, in.Zero} {
		if p == nil || p.Numel() < g*out || p.Cols() != out {
			return nil, fmt.Errorf("%w: scale/zero must be [%d, %d]", ErrLayout, g, out)
		}
	}
	if in.ActScale != nil && len(in.ActScale) != nIn {
		return nil, fmt.Errorf("%w: act scale has %d entries for %d inputs", ErrLayout, len(in.ActScale), nIn)
	}
	maxq := MaxQ(bits)
	codes := make([]int32, out*nIn)
	for o := range out {
		row := w.Row(o)
		for i, v := range row {
			if in.ActScale != nil {
				v *= in.ActScale[i]
			}
			gi := in.group(i, groupSize)*out + o
			codes[o*nIn+i] = QuantizeValue(v, in.Scale.Data[gi], in.Zero.Data[gi], maxq)
		}
	}
	return codes, nil
}

// Pack stores the codes of in into q, replacing its previous contents.
func (q *QuantLinear) Pack(in PackInput) error {
	if in.Weight == nil || !slices.Equal(in.Weight.Shape, []int{q.Out, q.In}) {
		return fmt.Errorf("%w: weight shape does not match %dx%d", ErrLayout, q.Out, q.In)
	}
	if q.Layout == Optimized && in.GIdx != nil {
		for i, g := range in.GIdx {
			if g != contiguousGroup(i, q.GroupSize) {
				return fmt.Errorf("%w: optimized kernel needs contiguous groups (input %d in group %d)", ErrLayout, i, g)
			}
		}
	}
	codes, err := Codes(in, q.Bits, q.GroupSize)
	if err != nil {
		return err
	}
	groups := q.Scales.Rows()
	if in.Scale.Numel() != groups*q.Out || in.Zero.Numel() != groups*q.Out {
		return fmt.Errorf("%w: scale/zero must be [%d, %d]", ErrLayout, groups, q.Out)
	}
	if in.GIdx != nil {
		for _, g := range in.GIdx {
			if g >= groups {
				return fmt.Errorf("%w: group %d out of range [0,%d)", ErrLayout, g, groups)
			}
		}
	}
	zeros := make([]int32, groups*q.Out)
	for i := range zeros {
		zeros[i] = int32(in.Zero.Data[i])
	}

	clear(q.QWeight.Ints)
	clear(q.QZeros.Ints)
	if q.Layout == Optimized {
		q.packOptimized(codes, zeros)
	} else {
		q.packPortable(codes, zeros)
		for i := range q.GIdx.Ints {
			q.GIdx.Ints[i] = int32(in.group(i, q.GroupSize))
		}
	}
	copy(q.Scales.Data, in.Scale.Data)
	if q.Scales.DType == tensor.F16 {
		tensor.RoundHalf(q.Scales.Data)
	}
	if q.Bias != nil && in.Bias != nil {
		if err := q.Bias.CopyFrom(in.Bias); err != nil {
			return fmt.Errorf("bias: %w", err)
		}
	}
	if in.ActScale != nil {
		q.WithActScale()
		copy(q.ActScale.Data, in.ActScale)
	}
	return nil
}

func (q *QuantLinear) packPortable(codes, zeros []int32) {
	for o := range q.Out {
		for i := range q.In {
			putBits(q.QWeight.Ints, q.Out, o, i, q.Bits, uint32(codes[o*q.In+i]))
		}
	}
	zw := q.QZeros.Cols()
	for g := range q.QZeros.Rows() {
		row := q.QZeros.Ints[g*zw : (g+1)*zw]
		for o := range q.Out {
			putBits(row, 1, 0, o, q.Bits, uint32(zeros[g*q.Out+o]))
		}
	}
}

func (q *QuantLinear) packOptimized(codes, zeros []int32) {
	var vals [8]uint32
	cols := q.Out / 8
	for i := range q.In {
		for c := range cols {
			for j := range 8 {
				vals[j] = uint32(codes[(c*8+j)*q.In+i])
			}
			q.QWeight.Ints[i*cols+c] = packInterleaved(vals[:])
		}
	}
	for g := range q.QZeros.Rows() {
		for c := range cols {
			for j := range 8 {
				vals[j] = uint32(zeros[g*q.Out+c*8+j])
			}
			q.QZeros.Ints[g*cols+c] = packInterleaved(vals[:])
		}
	}
}

// Unpack returns the stored codes, row-major [out, in], and the zero
// points, row-major [groups, out].
func (q *QuantLinear) Unpack() (codes, zeros []int32) {
	codes = make([]int32, q.Out*q.In)
	groups := q.Scales.Rows()
	zeros = make([]int32, groups*q.Out)
	if q.Layout == Optimized {
		var vals [8]uint32
		cols := q.Out / 8
		for i := range q.In {
			for c := range cols {
				unpackInterleaved(q.QWeight.Ints[i*cols+c], vals[:])
				for j := range 8 {
					codes[(c*8+j)*q.In+i] = int32(vals[j])
				}
			}
		}
		for g := range groups {
			for c := range cols {
				unpackInterleaved(q.QZeros.Ints[g*cols+c], vals[:])
				for j := range 8 {
					zeros[g*q.Out+c*8+j] = int32(vals[j])
				}
			}
		}
		return codes, zeros
	}
	for o := range q.Out {
		for i := range q.In {
			codes[o*q.In+i] = int32(getBits(q.QWeight.Ints, q.Out, o, i, q.Bits))
		}
	}
	zw := q.QZeros.Cols()
	for g := range groups {
		row := q.QZeros.Ints[g*zw : (g+1)*zw]
		for o := range q.Out {
			zeros[g*q.Out+o] = int32(getBits(row, 1, 0, o, q.Bits))
		}
	}
	return codes, zeros
}

func (q *QuantLinear) groupOf(i int) int {
	if q.GIdx != nil {
		return int(q.GIdx.Ints[i])
	}
	return contiguousGroup(i, q.GroupSize)
}

// Dequantize reconstructs the weight [out, in] from the packed storage.
// Activation scaling is not undone: the result is the weight that
// multiplies the scaled input.
func (q *QuantLinear) Dequantize() *tensor.Tensor {
	codes, zeros := q.Unpack()
	w := tensor.New(q.Out, q.In)
	w.Device = q.QWeight.Device
	for o := range q.Out {
		row := w.Row(o)
		for i := range row {
			gi := q.groupOf(i)*q.Out + o
			row[i] = DequantizeValue(codes[o*q.In+i], q.Scales.Data[gi], float32(zeros[gi]))
		}
	}
	return w
}

func (q *QuantLinear) Kind() string { return KindQuantLinear }

func (q *QuantLinear) Forward(in *nn.Args) (*tensor.Tensor, error) {
	x, err := in.Tensor(0)
	if err != nil {
		return nil, err
	}
	if err := tensor.SameDevice(x, q.QWeight, q.Scales, q.ActScale); err != nil {
		return nil, fmt.Errorf("quant linear: %w", err)
	}
	if q.ActScale != nil {
		xs := x.Clone()
		for r := range xs.Rows() {
			row := xs.Row(r)
			for i := range row {
				row[i] /= q.ActScale.Data[i]
			}
		}
		x = xs
	}
	y, err := tensor.MatMulT(x, q.Dequantize())
	if err != nil {
		return nil, fmt.Errorf("quant linear: %w", err)
	}
	if err := tensor.AddBias(y, q.Bias); err != nil {
		return nil, fmt.Errorf("quant linear: %w", err)
	}
	return y, nil
}

func (q *QuantLinear) Children() []nn.Child { return nil }

func (q *QuantLinear) Params() []nn.Param {
	return []nn.Param{
		{Name: "qweight", T: q.QWeight},
		{Name: "qzeros", T: q.QZeros},
		{Name: "scales", T: q.Scales},
		{Name: "g_idx", T: q.GIdx},
		{Name: "bias", T: q.Bias},
		{Name: "act_scale", T: q.ActScale},
	}
}
