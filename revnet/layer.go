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

// Package revnet implements blocks of reversible residual layers: additive
// coupling transforms whose inputs can be reconstructed from their outputs, so
// the backward pass recomputes activations instead of keeping them alive.
//
// One reversible layer computes
//
//	y1 = x1 + f(x2, fSideInputs)
//	y2 = x2 + g(y1, gSideInputs)
//
// and a Block chains several of them. During training the Block installs a
// custom gradient (see package backprop) that walks the layers in reverse,
// reconstructs (x1, x2) from (y1, y2) algebraically and re-derives all input,
// parameter and side-input gradients from recomputed sub-function evaluations,
// one layer at a time.
package revnet

import (
	"github.com/ashishpahwa7/tefla/backprop"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// SubFn is one of the two sub-functions (f or g) of a reversible layer.
//
// It must not change x's shape (the additive coupling requires it), must create
// its variables in ctx's scope (and reuse them when ctx is marked for reuse),
// and must not capture graph nodes by closure: values from outside the layer
// participate only through sideInputs, otherwise their gradients are lost.
type SubFn func(ctx *context.Context, x *Node, sideInputs []*Node) *Node

// scopeF and scopeG name the sub-scopes of each layer. Together with the layer
// scope they form the identity by which the block's backward pass attributes
// each variable to its owner, see layerScopeRE in block.go.
const (
	scopeF = "f"
	scopeG = "g"
)

// layerForward computes one additive coupling. When gateOutputs is set the two
// outputs are bundled through a gate, so they materialize together.
func layerForward(ctx *context.Context, x1, x2 *Node, f, g SubFn, fSideInputs, gSideInputs []*Node, gateOutputs bool) (y1, y2 *Node) {
	y1 = Add(x1, f(ctx.In(scopeF), x2, fSideInputs))
	y2 = Add(x2, g(ctx.In(scopeG), y1, gSideInputs))
	if gateOutputs {
		gated := gate([]*Node{y1, y2})
		y1, y2 = gated[0], gated[1]
	}
	return
}

// layerGrads bundles everything one layer's backward pass produces: the
// reconstructed inputs, their gradients, and the gradients of each
// sub-function's parameters and side inputs.
type layerGrads struct {
	x1, x2         *Node
	gradX1, gradX2 *Node
	fParams, fSide []*Node
	gParams, gSide []*Node
}

// layerBackward reconstructs (x1, x2) from (y1, y2) and computes all gradients
// of one reversible layer, given the cotangents (gradY1, gradY2) arriving at
// its outputs.
//
// The sub-functions are re-evaluated from stop-gradient references, so their
// backward passes never escape into the original forward subgraph (which would
// re-trigger its custom gradient) nor into the upstream layers.
func layerBackward(ctx *context.Context, y1, y2, gradY1, gradY2 *Node, f, g SubFn,
	fParams, fSideInputs, gParams, gSideInputs []*Node) layerGrads {
	ctx = ctx.Reuse()

	// Reconstruct x2 = y2 - g(y1) by recomputing g at fixed y1.
	y1Ref := backprop.StopGradientRefs([]*Node{y1})[0]
	gSideRefs := backprop.StopGradientRefs(gSideInputs)
	gy1 := g(ctx.In(scopeG), y1Ref, gSideRefs)
	x2 := Sub(y2, gy1)

	// Reconstruct x1 = y1 - f(x2).
	x2Ref := backprop.StopGradientRefs([]*Node{x2})[0]
	fSideRefs := backprop.StopGradientRefs(fSideInputs)
	fx2 := f(ctx.In(scopeF), x2Ref, fSideRefs)
	x1 := Sub(y1, fx2)

	// One seeded differentiation of the recomputed g covers the indirect y1
	// path plus g's parameters and side inputs.
	wrtG := make([]*Node, 0, 1+len(gParams)+len(gSideRefs))
	wrtG = append(wrtG, y1Ref)
	wrtG = append(wrtG, gParams...)
	wrtG = append(wrtG, gSideRefs...)
	gradsG := backprop.SeededGradients([]*Node{gy1}, []*Node{gradY2}, wrtG...)
	gradGy1Y1 := gradsG[0]
	gradGParams := gradsG[1 : 1+len(gParams)]
	gradGSide := gradsG[1+len(gParams):]

	gradX1 := Add(gradY1, gradGy1Y1)

	// f receives two contributions: the direct one seeded by gradY1 and the
	// indirect one through g's dependency on y1. Missing contributions are
	// zeros, so the elementwise sum is always defined.
	wrtF := make([]*Node, 0, 1+len(fParams)+len(fSideRefs))
	wrtF = append(wrtF, x2Ref)
	wrtF = append(wrtF, fParams...)
	wrtF = append(wrtF, fSideRefs...)
	gradsFDirect := backprop.SeededGradients([]*Node{fx2}, []*Node{gradY1}, wrtF...)
	gradsFIndirect := backprop.SeededGradients([]*Node{fx2}, []*Node{gradGy1Y1}, wrtF...)

	gradX2 := Add(Add(gradsFDirect[0], gradY2), gradsFIndirect[0])
	accF := backprop.Accumulate(gradsFDirect[1:], gradsFIndirect[1:])
	gradFParams := accF[:len(fParams)]
	gradFSide := accF[len(fParams):]

	// Bundle everything through a single gate: the previous layer's backward
	// must not start consuming partial results, otherwise two layers'
	// recomputation buffers would be live at once.
	bundle := make([]*Node, 0, 4+len(gradFParams)+len(gradGParams)+len(gradFSide)+len(gradGSide))
	bundle = append(bundle, x1, x2, gradX1, gradX2)
	bundle = append(bundle, gradFParams...)
	bundle = append(bundle, gradGParams...)
	bundle = append(bundle, gradFSide...)
	bundle = append(bundle, gradGSide...)
	bundle = gate(bundle)

	grads := layerGrads{
		x1:     bundle[0],
		x2:     bundle[1],
		gradX1: bundle[2],
		gradX2: bundle[3],
	}
	rest := bundle[4:]
	grads.fParams, rest = rest[:len(gradFParams)], rest[len(gradFParams):]
	grads.gParams, rest = rest[:len(gradGParams)], rest[len(gradGParams):]
	grads.fSide, rest = rest[:len(gradFSide)], rest[len(gradFSide):]
	grads.gSide = rest
	return grads
}

// gate ties the given nodes together with zero-valued data dependencies: every
// returned node depends on all input nodes, so no consumer of any of them can
// run before all of them are materialized. The engine exposes no scheduling
// control, so this is how the one-layer-at-a-time memory budget of the
// backward pass is enforced.
func gate(nodes []*Node) []*Node {
	var probe *Node
	for _, node := range nodes {
		term := ReduceAllSum(StopGradient(node))
		if term.DType() != dtypes.Float32 {
			term = ConvertDType(term, dtypes.Float32)
		}
		if probe == nil {
			probe = term
		} else {
			probe = Add(probe, term)
		}
	}
	probe = MulScalar(probe, 0)
	gated := make([]*Node, len(nodes))
	for ii, node := range nodes {
		gated[ii] = Add(node, ConvertDType(probe, node.DType()))
	}
	return gated
}
