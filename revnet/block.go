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

package revnet

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/ashishpahwa7/tefla/backprop"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// BlockScopeName is the scope created under the caller's context for each
// block. To build two blocks on the same context, scope them apart first
// (ctx.In("block_1"), ctx.In("block_2")).
const BlockScopeName = "revblock"

// layerScopeRE recovers which layer and sub-function a variable belongs to
// from its scope path. This naming is the only channel of that attribution: a
// variable created inside a block whose scope does not match it cannot receive
// a gradient, which is a configuration error.
var layerScopeRE = regexp.MustCompile(`(?:^|/)revlayer_(\d+)/(f|g)(?:/|$)`)

func layerScopeName(layer int) string {
	return fmt.Sprintf("revlayer_%d", layer)
}

// BlockBuilder configures a block of reversible residual layers. Create it
// with Block, set the sub-functions and options, then call Done.
type BlockBuilder struct {
	ctx    *context.Context
	x1, x2 *Node

	numLayers                  int
	fSingle, gSingle           SubFn
	fPerLayer, gPerLayer       []SubFn
	fSideInputs, gSideInputs   []*Node
	training, trainingOverride bool
}

// Block prepares a block of reversible residual layers on (x1, x2):
//
//	y1 = x1 + f(x2, fSideInputs)
//	y2 = x2 + g(y1, gSideInputs)
//
// repeated NumLayers times with fresh variables per layer. The sub-functions
// must preserve their input's shape and must take every outside value through
// the declared side inputs, never by closure.
//
// During training (per ctx.IsTraining, overridable with Training) the block's
// gradient is computed by reconstructing activations layer by layer instead of
// retaining them, bounding the backward pass' memory to one layer's
// recomputation.
func Block(ctx *context.Context, x1, x2 *Node) *BlockBuilder {
	return &BlockBuilder{ctx: ctx, x1: x1, x2: x2, numLayers: 1}
}

// NumLayers sets how many reversible layers to chain. Default is 1.
func (b *BlockBuilder) NumLayers(numLayers int) *BlockBuilder {
	if numLayers < 1 {
		Panicf("revnet: a Block needs at least 1 layer, got NumLayers(%d)", numLayers)
	}
	b.numLayers = numLayers
	return b
}

// F sets one sub-function f used by every layer (each layer still creates its
// own variables, the scopes differ).
func (b *BlockBuilder) F(f SubFn) *BlockBuilder {
	b.fSingle = f
	return b
}

// FPerLayer sets a distinct f per layer; the list length must equal NumLayers
// by the time Done is called.
func (b *BlockBuilder) FPerLayer(fs ...SubFn) *BlockBuilder {
	b.fPerLayer = fs
	return b
}

// G sets one sub-function g used by every layer.
func (b *BlockBuilder) G(g SubFn) *BlockBuilder {
	b.gSingle = g
	return b
}

// GPerLayer sets a distinct g per layer; the list length must equal NumLayers
// by the time Done is called.
func (b *BlockBuilder) GPerLayer(gs ...SubFn) *BlockBuilder {
	b.gPerLayer = gs
	return b
}

// FSideInputs declares the side inputs forwarded to f in every layer.
func (b *BlockBuilder) FSideInputs(sideInputs ...*Node) *BlockBuilder {
	b.fSideInputs = sideInputs
	return b
}

// GSideInputs declares the side inputs forwarded to g in every layer.
func (b *BlockBuilder) GSideInputs(sideInputs ...*Node) *BlockBuilder {
	b.gSideInputs = sideInputs
	return b
}

// Training overrides the training mode taken from ctx.IsTraining. Only when
// training is the memory-efficient backward pass installed; otherwise the
// block is a plain forward computation with structural differentiation.
func (b *BlockBuilder) Training(training bool) *BlockBuilder {
	b.training = training
	b.trainingOverride = true
	return b
}

// resolveSubFns normalizes the single/per-layer configuration of one
// sub-function into a list of exactly numLayers entries.
func (b *BlockBuilder) resolveSubFns(name string, single SubFn, perLayer []SubFn) []SubFn {
	if perLayer != nil {
		if len(perLayer) != b.numLayers {
			Panicf("revnet: Block got %d per-layer %q sub-functions for %d layers", len(perLayer), name, b.numLayers)
		}
		return perLayer
	}
	if single == nil {
		Panicf("revnet: Block requires the %q sub-function to be set", name)
	}
	fns := make([]SubFn, b.numLayers)
	for ii := range fns {
		fns[ii] = single
	}
	return fns
}

// Done builds the block and returns (y1, y2).
func (b *BlockBuilder) Done() (y1, y2 *Node) {
	g := b.x1.Graph()
	fs := b.resolveSubFns(scopeF, b.fSingle, b.fPerLayer)
	gs := b.resolveSubFns(scopeG, b.gSingle, b.gPerLayer)
	training := b.training
	if !b.trainingOverride {
		training = b.ctx.IsTraining(g)
	}

	blockCtx := b.ctx.In(BlockScopeName)
	inputs := make([]*Node, 0, 2+len(b.fSideInputs)+len(b.gSideInputs))
	inputs = append(inputs, b.x1, b.x2)
	inputs = append(inputs, b.fSideInputs...)
	inputs = append(inputs, b.gSideInputs...)

	forward := func(ctx *context.Context, inputs []*Node) []*Node {
		out1, out2 := inputs[0], inputs[1]
		fSide := inputs[2 : 2+len(b.fSideInputs)]
		gSide := inputs[2+len(b.fSideInputs):]
		for layer := range b.numLayers {
			out1, out2 = layerForward(ctx.In(layerScopeName(layer)), out1, out2,
				fs[layer], gs[layer], fSide, gSide, training)
		}
		return []*Node{out1, out2}
	}

	var gradFn backprop.GradientFn
	if training {
		gradFn = func(ctx *context.Context, inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node) {
			return b.backward(ctx, fs, gs, inputs, params, outputs, outputGrads)
		}
	}
	outputs := backprop.CallWithCustomGradient(blockCtx, forward, inputs, gradFn, false)
	return outputs[0], outputs[1]
}

// backward drives all layers in reverse order and routes the per-layer
// gradients back to the flat input/parameter order of the custom-gradient
// contract.
func (b *BlockBuilder) backward(ctx *context.Context, fs, gs []SubFn,
	inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node) {
	g := outputs[0].Graph()

	// Attribute each parameter to its (layer, sub-function) owner through its
	// scope identity.
	varByNode := make(map[*Node]*context.Variable, len(params))
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		varByNode[v.ValueGraph(g)] = v
	})
	fLayerParams := make([][]*Node, b.numLayers)
	gLayerParams := make([][]*Node, b.numLayers)
	fLayerParamPos := make([][]int, b.numLayers)
	gLayerParamPos := make([][]int, b.numLayers)
	for ii, param := range params {
		v := varByNode[param]
		if v == nil {
			Panicf("revnet: parameter #%d of the block does not correspond to any variable under scope %q", ii, ctx.Scope())
		}
		match := layerScopeRE.FindStringSubmatch(v.Scope())
		if match == nil {
			Panicf("revnet: cannot attribute variable %q (scope %q) to a layer: its scope does not match revlayer_<i>/{f,g}",
				v.Name(), v.Scope())
		}
		layer, err := strconv.Atoi(match[1])
		if err != nil || layer < 0 || layer >= b.numLayers {
			Panicf("revnet: variable %q (scope %q) names layer %q, but the block has %d layers",
				v.Name(), v.Scope(), match[1], b.numLayers)
		}
		if match[2] == scopeF {
			fLayerParams[layer] = append(fLayerParams[layer], param)
			fLayerParamPos[layer] = append(fLayerParamPos[layer], ii)
		} else {
			gLayerParams[layer] = append(gLayerParams[layer], param)
			gLayerParamPos[layer] = append(gLayerParamPos[layer], ii)
		}
	}

	// Walk the layers backward, reconstructing (x1, x2) as we go.
	y1, y2 := outputs[0], outputs[1]
	gradY1, gradY2 := outputGrads[0], outputGrads[1]
	fParamGrads := make([][]*Node, b.numLayers)
	gParamGrads := make([][]*Node, b.numLayers)
	fSideGrads := make([][]*Node, 0, b.numLayers)
	gSideGrads := make([][]*Node, 0, b.numLayers)
	for layer := b.numLayers - 1; layer >= 0; layer-- {
		grads := layerBackward(ctx.In(layerScopeName(layer)), y1, y2, gradY1, gradY2,
			fs[layer], gs[layer], fLayerParams[layer], b.fSideInputs, gLayerParams[layer], b.gSideInputs)
		y1, y2 = grads.x1, grads.x2
		gradY1, gradY2 = grads.gradX1, grads.gradX2
		fParamGrads[layer] = grads.fParams
		gParamGrads[layer] = grads.gParams
		fSideGrads = append(fSideGrads, grads.fSide)
		gSideGrads = append(gSideGrads, grads.gSide)
	}

	// Side inputs are shared by all layers: their gradients accumulate.
	accFSide := backprop.Accumulate(fSideGrads...)
	accGSide := backprop.Accumulate(gSideGrads...)

	// Scatter into the flat contract order, fixed by Done: (x1, x2), then f's
	// side inputs, then g's. Positions are used instead of node identity, so
	// the same node may appear in several side-input slots and each occurrence
	// keeps its own gradient; the engine sums them when differentiating.
	gradInputs = make([]*Node, len(inputs))
	gradInputs[0], gradInputs[1] = gradY1, gradY2
	for jj := range accFSide {
		gradInputs[2+jj] = accFSide[jj]
	}
	for jj := range accGSide {
		gradInputs[2+len(b.fSideInputs)+jj] = accGSide[jj]
	}
	gradParams = make([]*Node, len(params))
	for layer := range b.numLayers {
		for kk, pos := range fLayerParamPos[layer] {
			gradParams[pos] = fParamGrads[layer][kk]
		}
		for kk, pos := range gLayerParamPos[layer] {
			gradParams[pos] = gParamGrads[layer][kk]
		}
	}
	return gradInputs, gradParams
}
