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

// Package backprop builds subgraphs whose reverse-mode gradient is supplied by
// the caller instead of being derived structurally by the engine.
//
// It provides three building blocks:
//
//   - CallWithCustomGradient wraps an arbitrary forward computation and installs
//     a replacement gradient: when graph.Gradient back-propagates through the
//     wrapped outputs, the supplied GradientFn is called with the forward
//     inputs, the variables created by the forward computation, the forward
//     outputs and the incoming output cotangents, and its results are routed to
//     the inputs and variables.
//
//   - SeededGradients differentiates a list of (possibly non-scalar) outputs
//     with explicit seed cotangents, the building block used by gradient
//     functions that re-derive parts of their own backward pass.
//
//   - Recompute wraps a forward function so that its activations are discarded
//     and recomputed during the backward pass, trading one extra forward
//     evaluation for not keeping intermediate values alive.
//
// Graph construction is single-threaded; none of these calls are safe for
// concurrent use on the same Graph.
package backprop

import (
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// ForwardFn is a forward computation wrapped by CallWithCustomGradient. It may
// create variables in ctx's scope; those become the parameter set reported to
// the GradientFn.
type ForwardFn func(ctx *context.Context, inputs []*Node) []*Node

// GradientFn computes the replacement gradient of a wrapped forward
// computation. It receives the forward inputs, the variables ("params")
// collected from the forward scope, the forward outputs and the cotangents
// arriving at each output, and must return one gradient per input and one per
// parameter, in the same order. A nil entry means "no gradient signal" for that
// position. Returning lists of any other length is a configuration error.
type GradientFn func(ctx *context.Context, inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node)

// CallWithCustomGradient runs fn(ctx, inputs) and, when gradFn is non-nil,
// replaces the engine's structural differentiation through the result with
// gradFn.
//
// The variables reported to gradFn are those found in ctx's scope (and
// sub-scopes) after fn runs: only trainable ones by default, or all of them if
// useAllVariables is set. They are ordered by parameter name, so the ordering
// is stable across invocations.
//
// When gradFn is nil this is a plain call: the returned nodes are exactly
// fn's outputs.
//
// fn must return at least one output; every output's shape is statically known
// by construction in the underlying engine.
func CallWithCustomGradient(ctx *context.Context, fn ForwardFn, inputs []*Node, gradFn GradientFn, useAllVariables bool) []*Node {
	outputs := fn(ctx, inputs)
	if len(outputs) == 0 {
		Panicf("backprop: wrapped forward function returned no outputs, at least one is required")
	}
	if gradFn == nil {
		return outputs
	}
	g := outputs[0].Graph()
	vars := scopeVariables(ctx, useAllVariables)
	params := make([]*Node, len(vars))
	for ii, v := range vars {
		params[ii] = v.ValueGraph(g)
	}
	sub := &substitution{
		ctx:     ctx,
		gradFn:  gradFn,
		inputs:  inputs,
		params:  params,
		outputs: outputs,
	}
	return sub.wrap()
}

// scopeVariables collects the variables in ctx's scope and sub-scopes, sorted
// by parameter name so that gradient ordering does not depend on map iteration
// order.
func scopeVariables(ctx *context.Context, useAllVariables bool) []*context.Variable {
	var vars []*context.Variable
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if useAllVariables || v.Trainable {
			vars = append(vars, v)
		}
	})
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ParameterName(), b.ParameterName())
	})
	return vars
}

// substitution holds the state shared between the cotangent-capturing wrappers
// on the outputs and the gradient-injecting taps on the inputs and parameters.
//
// The engine processes custom gradients in strictly descending node-id order
// during graph.Gradient. All output wrappers are created after all taps, so
// within one Gradient call every capture runs before any injection, which is
// what makes the lazy resolve() below safe. For the same reason the captures
// of one Gradient call arrive in strictly descending output order, so a
// capture at an index not below the previous one starts a new backward pass.
// That is the reset signal: it also covers a pass that captured cotangents
// but never reached a tap (a Gradient call whose targets live inside the
// forward subgraph rather than among the tapped inputs and parameters), where
// the pending flag alone would let stale cotangents leak into the next pass.
type substitution struct {
	ctx     *context.Context
	gradFn  GradientFn
	inputs  []*Node
	params  []*Node
	outputs []*Node

	pending      bool
	lastCaptured int
	outputGrads  []*Node
	wrtGrads     []*Node
}

// wrap builds the pass-through outputs.
//
// Each input and parameter gets a tap whose custom gradient ignores the
// arriving (zero) cotangent and returns the gradient computed by gradFn. The
// taps are tied to the outputs through a zero-valued probe term: it contributes
// nothing to the forward values, but it keeps the taps as ancestors of the
// wrapped outputs so the engine visits them during back-propagation. The
// structural path through fn's own subgraph is severed with StopGradient, so
// gradFn's results are the only gradient signal reaching inputs and parameters
// through this subgraph.
func (s *substitution) wrap() []*Node {
	wrt := make([]*Node, 0, len(s.inputs)+len(s.params))
	wrt = append(wrt, s.inputs...)
	wrt = append(wrt, s.params...)

	var probe *Node
	for ii, t := range wrt {
		tap := IdentityWithCustomGradient(t, func(_, v *Node) *Node {
			return s.injectedGradient(ii)
		})
		term := ReduceAllSum(tap)
		if term.DType() != dtypes.Float32 {
			term = ConvertDType(term, dtypes.Float32)
		}
		if probe == nil {
			probe = term
		} else {
			probe = Add(probe, term)
		}
	}
	if probe != nil {
		probe = MulScalar(probe, 0)
	}

	wrapped := make([]*Node, len(s.outputs))
	s.outputGrads = make([]*Node, len(s.outputs))
	for ii, out := range s.outputs {
		passThrough := StopGradient(out)
		if probe != nil {
			passThrough = Add(passThrough, ConvertDType(probe, out.DType()))
		}
		wrapped[ii] = IdentityWithCustomGradient(passThrough, func(_, v *Node) *Node {
			return s.captureOutputGrad(ii, v)
		})
	}
	return wrapped
}

// captureOutputGrad records the cotangent arriving at output ii and lets it
// flow on unchanged: downstream it only reaches the stop-gradient and the
// zero-weighted probe, so nothing of it survives structurally, but the
// propagation is what triggers the taps' custom gradients.
func (s *substitution) captureOutputGrad(ii int, v *Node) *Node {
	if !s.pending || ii >= s.lastCaptured {
		// A new backward pass started: drop results from any previous one.
		s.pending = true
		s.outputGrads = make([]*Node, len(s.outputs))
		s.wrtGrads = nil
	}
	s.lastCaptured = ii
	s.outputGrads[ii] = v
	return v
}

// injectedGradient returns the gradient for the ii-th entry of inputs+params,
// invoking gradFn on first use within the current backward pass. Outputs that
// received no cotangent (because they don't contribute to the differentiated
// value) are seeded with zeros.
func (s *substitution) injectedGradient(ii int) *Node {
	if s.pending {
		s.resolve()
		s.pending = false
	}
	if s.wrtGrads == nil {
		return nil
	}
	return s.wrtGrads[ii]
}

func (s *substitution) resolve() {
	outputGrads := make([]*Node, len(s.outputs))
	for ii, out := range s.outputs {
		if s.outputGrads[ii] == nil {
			outputGrads[ii] = ZerosLike(out)
		} else {
			outputGrads[ii] = s.outputGrads[ii]
		}
	}
	gradInputs, gradParams := s.gradFn(s.ctx, s.inputs, s.params, s.outputs, outputGrads)
	if len(gradInputs) != len(s.inputs) {
		Panicf("backprop: custom gradient function returned %d input gradients, but the wrapped function has %d inputs",
			len(gradInputs), len(s.inputs))
	}
	if len(gradParams) != len(s.params) {
		Panicf("backprop: custom gradient function returned %d parameter gradients, but %d variables were collected from scope %q",
			len(gradParams), len(s.params), s.ctx.Scope())
	}
	s.wrtGrads = make([]*Node, 0, len(gradInputs)+len(gradParams))
	s.wrtGrads = append(s.wrtGrads, gradInputs...)
	s.wrtGrads = append(s.wrtGrads, gradParams...)
}
