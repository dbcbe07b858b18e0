/*
 *	Copyright 2025 The Tefla-Go Authors.
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package layers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	mllayers "github.com/gomlx/gomlx/ml/layers"
)

type gatedKind int

const (
	gatedGRU gatedKind = iota
	gatedLSTM
	gatedDiagonalGRU
)

// GatedConvBuilder configures a gated convolutional layer: a GRU, LSTM or
// diagonal-GRU style update where convolutions compute the gates. The output
// has the input's exact shape, so these layers can serve as sub-functions of a
// reversible block.
//
// Side inputs are concatenated to x on the channel axis before each gate
// convolution; they condition the update without changing the output shape.
type GatedConvBuilder struct {
	ctx        *context.Context
	x          *Node
	sideInputs []*Node
	kind       gatedKind

	kernelSize int
	dilation   int
	padding    padMode
	dropout    float64

	cost *Node
}

// ConvGRU builds a convolutional GRU update on x:
//
//	reset = saturating_sigmoid(conv(x))
//	gate  = saturating_sigmoid(conv(x))
//	candidate = tanh(conv(reset*x))
//	output = gate*x + (1-gate)*candidate
//
// The gate biases start at 1, so a freshly initialized layer is close to the
// identity.
func ConvGRU(ctx *context.Context, x *Node, sideInputs ...*Node) *GatedConvBuilder {
	return newGatedConv(ctx, x, gatedGRU, sideInputs)
}

// ConvLSTM builds a convolutional LSTM update on x: one convolution computes
// all four gates, layer-normalized and split on the channel axis.
func ConvLSTM(ctx *context.Context, x *Node, sideInputs ...*Node) *GatedConvBuilder {
	return newGatedConv(ctx, x, gatedLSTM, sideInputs)
}

// ConvDiagonalGRU builds a convolutional GRU variant with hard-sigmoid gates
// and a diagonal shift of the carried state: a third of the channels is
// shifted one step left, a third one step right, the rest stays in place. The
// hard gates produce a saturation cost, retrieve it with DoneWithCost.
func ConvDiagonalGRU(ctx *context.Context, x *Node, sideInputs ...*Node) *GatedConvBuilder {
	return newGatedConv(ctx, x, gatedDiagonalGRU, sideInputs)
}

func newGatedConv(ctx *context.Context, x *Node, kind gatedKind, sideInputs []*Node) *GatedConvBuilder {
	return &GatedConvBuilder{
		ctx:        ctx,
		x:          x,
		sideInputs: sideInputs,
		kind:       kind,
		kernelSize: 3,
		dilation:   1,
	}
}

// KernelSize sets the gate convolutions' kernel size. Default is 3.
func (b *GatedConvBuilder) KernelSize(size int) *GatedConvBuilder {
	b.kernelSize = size
	return b
}

// Dilations sets the gate convolutions' dilation rate. Default is 1.
func (b *GatedConvBuilder) Dilations(dilation int) *GatedConvBuilder {
	b.dilation = dilation
	return b
}

// PadLeft uses causal left padding for the gate convolutions instead of the
// default "same" padding.
func (b *GatedConvBuilder) PadLeft() *GatedConvBuilder {
	b.padding = padModeLeft
	return b
}

// Dropout sets a dropout rate applied to the candidate activations during
// training. Only the diagonal GRU uses it.
func (b *GatedConvBuilder) Dropout(rate float64) *GatedConvBuilder {
	b.dropout = rate
	return b
}

// conv creates one gate convolution under its own named scope, preserving the
// input's channel count unless filters overrides it.
func (b *GatedConvBuilder) conv(name string, input *Node, filters int, biasStart float64) *Node {
	conv := Conv2D(b.ctx.In(name), input).
		Filters(filters).
		KernelSize(b.kernelSize).
		Dilations(b.dilation).
		BiasInit(ConstantInitializer(biasStart)).
		CurrentScope()
	if b.padding == padModeLeft {
		conv.PadLeft()
	}
	return conv.Done()
}

// withSideInputs concatenates the side inputs to x on the channel axis.
func (b *GatedConvBuilder) withSideInputs(x *Node) *Node {
	if len(b.sideInputs) == 0 {
		return x
	}
	all := make([]*Node, 0, 1+len(b.sideInputs))
	all = append(all, x)
	all = append(all, b.sideInputs...)
	return Concatenate(all, -1)
}

// Done builds the layer and returns its output, with the same shape as x.
func (b *GatedConvBuilder) Done() *Node {
	if b.x.Rank() != 4 {
		Panicf("layers: gated convolutions require a rank-4 channels-last input, got shape %s", b.x.Shape())
	}
	switch b.kind {
	case gatedGRU:
		return b.doneGRU()
	case gatedLSTM:
		return b.doneLSTM()
	default:
		return b.doneDiagonalGRU()
	}
}

// DoneWithCost builds the layer and also returns its saturation cost, to be
// added to the loss. Only the diagonal GRU produces one.
func (b *GatedConvBuilder) DoneWithCost() (output, cost *Node) {
	if b.kind != gatedDiagonalGRU {
		Panicf("layers: only ConvDiagonalGRU produces a saturation cost")
	}
	output = b.Done()
	cost = b.cost
	return
}

func (b *GatedConvBuilder) doneGRU() *Node {
	x := b.x
	channels := x.Shape().Dimensions[3]
	args := b.withSideInputs(x)
	reset := SaturatingSigmoid(b.conv("reset", args, channels, 1.0))
	gate := SaturatingSigmoid(b.conv("gate", args, channels, 1.0))
	candidate := Tanh(b.conv("candidate", b.withSideInputs(Mul(reset, x)), channels, 0.0))
	return Add(Mul(gate, x), Mul(OneMinus(gate), candidate))
}

func (b *GatedConvBuilder) doneLSTM() *Node {
	x := b.x
	channels := x.Shape().Dimensions[3]
	gates := b.conv("gates", b.withSideInputs(x), 4*channels, 0.0)
	gates = mllayers.LayerNormalization(b.ctx.In("norm"), gates, -1).Done()
	split := make([]*Node, 4)
	for ii := range split {
		split[ii] = Slice(gates, AxisRange(), AxisRange(), AxisRange(),
			AxisRange(ii*channels, (ii+1)*channels))
	}
	newCell := Add(Mul(Sigmoid(split[0]), x), Mul(Sigmoid(split[1]), Tanh(split[3])))
	return Mul(Sigmoid(split[2]), Tanh(newCell))
}

func (b *GatedConvBuilder) doneDiagonalGRU() *Node {
	x := b.x
	channels := x.Shape().Dimensions[3]
	args := b.withSideInputs(x)
	reset, resetCost := HardSigmoid(b.conv("reset", args, channels, 0.5), 0.9)
	gate, gateCost := HardSigmoid(b.conv("gate", args, channels, 0.7), 0.9)
	candidate := Tanh(b.conv("candidate", b.withSideInputs(Mul(reset, x)), channels, 0.0))
	if b.dropout > 0 {
		candidate = mllayers.DropoutStatic(b.ctx, candidate, b.dropout)
	}
	b.cost = MulScalar(Add(resetCost, gateCost), 0.5)
	return Add(Mul(gate, diagonalShift(x)), Mul(OneMinus(gate), candidate))
}

// diagonalShift moves a third of the channels one step down in width, a third
// one step up, and keeps the rest in place, so the gated state mixes
// neighboring positions across channel groups.
func diagonalShift(x *Node) *Node {
	channels := x.Shape().Dimensions[3]
	shiftChannels := channels / 3
	if shiftChannels == 0 {
		return x
	}
	keep := channels - 2*shiftChannels
	zero := ScalarZero(x.Graph(), x.DType())
	width := x.Shape().Dimensions[2]

	center := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, keep))
	fromLeft := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(keep, keep+shiftChannels))
	fromRight := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(keep+shiftChannels, channels))

	// Shift towards higher width indices: position w sees its left neighbor.
	fromLeft = Pad(fromLeft, zero, PadAxis{}, PadAxis{}, PadAxis{Start: 1})
	fromLeft = Slice(fromLeft, AxisRange(), AxisRange(), AxisRange(0, width), AxisRange())
	// And the other group sees its right neighbor.
	fromRight = Pad(fromRight, zero, PadAxis{}, PadAxis{}, PadAxis{End: 1})
	fromRight = Slice(fromRight, AxisRange(), AxisRange(), AxisRange(1, width+1), AxisRange())

	return Concatenate([]*Node{center, fromLeft, fromRight}, -1)
}
