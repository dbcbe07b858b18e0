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
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// SeededGradients differentiates outputs with respect to the wrt nodes, with
// the back-propagation seeded by the given cotangents instead of the implicit
// ones of a scalar loss: the result for each wrt node is
//
//	Σᵢ seedsᵢᵀ · ∂outputsᵢ/∂wrt
//
// It is implemented by differentiating the scalar Σᵢ sum(outputsᵢ·seedsᵢ),
// which has exactly that gradient. Seeds are stop-gradiented, so they act as
// constants. A nil seed skips the corresponding output. A wrt node with no
// path from the outputs yields zeros (engine behavior).
func SeededGradients(outputs, seeds []*Node, wrt ...*Node) []*Node {
	if len(outputs) != len(seeds) {
		Panicf("backprop: SeededGradients got %d outputs but %d seeds", len(outputs), len(seeds))
	}
	if len(wrt) == 0 {
		return nil
	}
	var total *Node
	for ii, out := range outputs {
		if seeds[ii] == nil {
			continue
		}
		term := ReduceAllSum(Mul(out, StopGradient(seeds[ii])))
		if total == nil {
			total = term
			continue
		}
		if term.DType() != total.DType() {
			term = ConvertDType(term, total.DType())
		}
		total = Add(total, term)
	}
	if total == nil {
		// All seeds were nil: no gradient signal at all.
		grads := make([]*Node, len(wrt))
		for ii, node := range wrt {
			grads[ii] = ZerosLike(node)
		}
		return grads
	}
	return Gradient(total, wrt...)
}

// Accumulate sums gradient lists elementwise. All lists must have the same
// length. A nil entry counts as zero; positions where every list is nil stay
// nil, meaning no gradient signal.
func Accumulate(lists ...[]*Node) []*Node {
	if len(lists) == 0 {
		return nil
	}
	size := len(lists[0])
	for _, list := range lists[1:] {
		if len(list) != size {
			Panicf("backprop: Accumulate got gradient lists of different lengths (%d vs %d)", size, len(list))
		}
	}
	acc := make([]*Node, size)
	for ii := range size {
		for _, list := range lists {
			grad := list[ii]
			if grad == nil {
				continue
			}
			if acc[ii] == nil {
				acc[ii] = grad
			} else {
				acc[ii] = Add(acc[ii], grad)
			}
		}
	}
	return acc
}

// StopGradientRefs returns fresh references to the given nodes through which no
// gradient back-propagates: re-running a computation from these references and
// differentiating with respect to them keeps the backward pass from leaking
// into the nodes' own ancestors.
func StopGradientRefs(nodes []*Node) []*Node {
	refs := make([]*Node, len(nodes))
	for ii, node := range nodes {
		refs[ii] = Identity(StopGradient(node))
	}
	return refs
}
