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
	"github.com/gomlx/gomlx/ml/context/initializers"
	mllayers "github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

type padMode int

const (
	padModeSame padMode = iota
	padModeValid
	padModeLeft
)

// Conv2DBuilder configures a 2D convolution on a channels-last rank-4 input.
// It extends the engine's convolution with left padding (for causal layers)
// and with control over the bias initialization, which the gated layers use to
// start their gates open.
type Conv2DBuilder struct {
	ctx      *context.Context
	x        *Node
	newScope bool

	filters    int
	kernelSize int
	dilation   int
	padding    padMode
	useBias    bool
	biasInit   context.VariableInitializer
}

// Conv2D builds a 2D convolution with "same" padding and a zero-initialized
// bias by default. Variables go under a "conv2d" sub-scope of ctx unless
// CurrentScope is called.
func Conv2D(ctx *context.Context, x *Node) *Conv2DBuilder {
	return &Conv2DBuilder{
		ctx:        ctx,
		x:          x,
		newScope:   true,
		kernelSize: 3,
		dilation:   1,
		useBias:    true,
	}
}

// Filters sets the number of output channels. Required.
func (b *Conv2DBuilder) Filters(filters int) *Conv2DBuilder {
	b.filters = filters
	return b
}

// KernelSize sets the spatial kernel size, used for both height and width.
// Default is 3.
func (b *Conv2DBuilder) KernelSize(size int) *Conv2DBuilder {
	b.kernelSize = size
	return b
}

// Dilations sets the dilation rate for both spatial dimensions. Default is 1.
func (b *Conv2DBuilder) Dilations(dilation int) *Conv2DBuilder {
	b.dilation = dilation
	return b
}

// PadSame pads so the output has the same spatial dimensions as the input.
// This is the default.
func (b *Conv2DBuilder) PadSame() *Conv2DBuilder {
	b.padding = padModeSame
	return b
}

// NoPadding performs a valid convolution, shrinking the spatial dimensions.
func (b *Conv2DBuilder) NoPadding() *Conv2DBuilder {
	b.padding = padModeValid
	return b
}

// PadLeft pads the lower side of each spatial dimension only, keeping the
// output dimensions equal to the input's. Each output position then depends
// only on input positions at or before it, which is what causal (left-to-right
// generating) models need. Requires an odd kernel size.
func (b *Conv2DBuilder) PadLeft() *Conv2DBuilder {
	b.padding = padModeLeft
	return b
}

// NoBias disables the bias term.
func (b *Conv2DBuilder) NoBias() *Conv2DBuilder {
	b.useBias = false
	return b
}

// BiasInit sets the initializer for the bias term only; the kernel keeps the
// context's initializer. Default is zeros.
func (b *Conv2DBuilder) BiasInit(initializer context.VariableInitializer) *Conv2DBuilder {
	b.biasInit = initializer
	return b
}

// CurrentScope creates the variables in ctx's own scope instead of a "conv2d"
// sub-scope.
func (b *Conv2DBuilder) CurrentScope() *Conv2DBuilder {
	b.newScope = false
	return b
}

// Done creates the convolution and returns its output.
func (b *Conv2DBuilder) Done() *Node {
	ctxInScope := b.ctx
	if b.newScope {
		ctxInScope = ctxInScope.In("conv2d")
	}
	if b.filters <= 0 {
		Panicf("layers.Conv2D requires Filters to be set, got %d", b.filters)
	}
	if b.x.Rank() != 4 {
		Panicf("layers.Conv2D requires a rank-4 channels-last input, got shape %s", b.x.Shape())
	}

	x := b.x
	padSame := b.padding == padModeSame
	if b.padding == padModeLeft {
		x = leftPad2D(x, b.kernelSize, b.dilation)
		padSame = false
	}
	conv := mllayers.Convolution(ctxInScope, x).
		Filters(b.filters).
		KernelSize(b.kernelSize).
		UseBias(false).
		CurrentScope()
	if b.dilation != 1 {
		conv.Dilations(b.dilation)
	}
	if padSame {
		conv.PadSame()
	} else {
		conv.NoPadding()
	}
	output := conv.Done()

	if b.useBias {
		biasInit := b.biasInit
		if biasInit == nil {
			biasInit = initializers.Zero
		}
		dtype := output.DType()
		biasVar := ctxInScope.WithInitializer(biasInit).
			VariableWithShape("biases", shapes.Make(dtype, b.filters))
		bias := biasVar.ValueGraph(output.Graph())
		bias = Reshape(bias, 1, 1, 1, b.filters)
		output = Add(output, bias)
	}
	return output
}

// ConstantInitializer returns a variable initializer that fills the variable
// with the given value.
func ConstantInitializer(value float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(Ones(g, shape), value)
	}
}

// leftPad2D pads height and width on the lower side only, by as much as a
// valid convolution with the given kernel size and dilation will consume, so
// the convolved output keeps the input's spatial dimensions. A width of 1 is
// left alone, matching the height-only causal case.
func leftPad2D(x *Node, kernelSize, dilation int) *Node {
	if kernelSize%2 != 1 {
		Panicf("left padding requires an odd kernel size, got %d", kernelSize)
	}
	heightPadding := 2 * (kernelSize / 2) * dilation
	widthPadding := heightPadding
	if x.Shape().Dimensions[2] == 1 {
		widthPadding = 0
	}
	zero := ScalarZero(x.Graph(), x.DType())
	return Pad(x, zero,
		PadAxis{}, PadAxis{Start: heightPadding}, PadAxis{Start: widthPadding}, PadAxis{})
}
