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

package backprop

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Recompute wraps fn so that its forward results are kept but its intermediate
// activations are not: during the backward pass fn is executed a second time
// (reusing the variables created by the first run) and the fresh copy is
// differentiated structurally, seeded with the incoming output cotangents.
//
// fn must be a pure function of its inputs and of the variables it creates in
// ctx's scope: anything else it captures and that changes between the forward
// and backward passes makes the recomputed gradients silently wrong. That
// purity is a caller obligation, not something checked at runtime.
func Recompute(ctx *context.Context, fn ForwardFn) func(inputs ...*Node) []*Node {
	return func(inputs ...*Node) []*Node {
		gradFn := func(ctx *context.Context, inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node) {
			// The original outputs are discarded; re-derive them from
			// stop-gradient references so the backward pass of the fresh copy
			// stays within it.
			refs := StopGradientRefs(inputs)
			recomputed := fn(ctx.Reuse(), refs)
			wrt := make([]*Node, 0, len(refs)+len(params))
			wrt = append(wrt, refs...)
			wrt = append(wrt, params...)
			grads := SeededGradients(recomputed, outputGrads, wrt...)
			return grads[:len(inputs)], grads[len(inputs):]
		}
		return CallWithCustomGradient(ctx, fn, inputs, gradFn, false)
	}
}
