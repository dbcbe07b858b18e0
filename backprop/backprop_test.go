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

package backprop_test

import (
	"testing"

	"github.com/ashishpahwa7/tefla/backprop"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/require"
)

// scaledProduct returns a forward function computing inputs[0] * w, with w a
// variable initialized to the given values.
func scaledProduct(wInit []float32) backprop.ForwardFn {
	return func(ctx *context.Context, inputs []*Node) []*Node {
		w := ctx.VariableWithValue("w", wInit).ValueGraph(inputs[0].Graph())
		return []*Node{Mul(inputs[0], w)}
	}
}

func TestCallWithCustomGradientForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, []float32{1, 2, 3})
		fn := scaledProduct([]float32{10, 20, 30})
		gradFn := func(ctx *context.Context, inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node) {
			return []*Node{outputGrads[0]}, []*Node{outputGrads[0]}
		}
		plain := backprop.CallWithCustomGradient(ctx.In("plain"), fn, []*Node{x}, nil, false)
		wrapped := backprop.CallWithCustomGradient(ctx.In("wrapped"), fn, []*Node{x}, gradFn, false)
		return []*Node{plain[0], wrapped[0]}
	})
	results := exec.Call()

	// The wrapper must not change forward values, with or without a gradient
	// function installed.
	require.Equal(t, []float32{10, 40, 90}, results[0].Value())
	require.Equal(t, []float32{10, 40, 90}, results[1].Value())
}

func TestCallWithCustomGradientRouting(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, []float32{1, 2, 3})
		fn := scaledProduct([]float32{10, 20, 30})
		// Fabricated gradients, distinguishable from the structural ones
		// (which would be w for the input and x for the parameter).
		gradFn := func(ctx *context.Context, inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node) {
			return []*Node{MulScalar(outputGrads[0], 3)}, []*Node{MulScalar(outputGrads[0], 5)}
		}
		outputs := backprop.CallWithCustomGradient(ctx.In("wrapped"), fn, []*Node{x}, gradFn, false)
		loss := ReduceAllSum(outputs[0])
		w := ctx.InspectVariable("/wrapped", "w").ValueGraph(g)
		grads := Gradient(loss, x, w)
		return []*Node{outputs[0], grads[0], grads[1]}
	})
	results := exec.Call()

	require.Equal(t, []float32{10, 40, 90}, results[0].Value())
	require.Equal(t, []float32{3, 3, 3}, results[1].Value(), "input gradient must come from gradFn")
	require.Equal(t, []float32{5, 5, 5}, results[2].Value(), "parameter gradient must come from gradFn")
}

func TestCallWithCustomGradientCotangents(t *testing.T) {
	// The cotangents reported to gradFn must be the ones arriving at each
	// output, with zeros for outputs that don't contribute to the loss.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, []float32{1, 2, 3})
		fn := func(ctx *context.Context, inputs []*Node) []*Node {
			return []*Node{inputs[0], MulScalar(inputs[0], 2)}
		}
		gradFn := func(ctx *context.Context, inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node) {
			// Report the second output's cotangent as the input gradient.
			return []*Node{outputGrads[1]}, nil
		}
		outputs := backprop.CallWithCustomGradient(ctx, fn, []*Node{x}, gradFn, false)

		// Loss uses only the first output: outputGrads[1] must be zeros.
		lossFirst := ReduceAllSum(outputs[0])
		gradFirst := Gradient(lossFirst, x)[0]

		return []*Node{gradFirst}
	})
	results := exec.Call()
	require.Equal(t, []float32{0, 0, 0}, results[0].Value())
}

func TestCallWithCustomGradientBackwardIsolation(t *testing.T) {
	// A backward pass whose targets all live inside the forward subgraph
	// captures output cotangents but never reaches a tap. A later pass through
	// the same wrapped outputs must not see those captures.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Const(g, []float32{1, 2, 3})
		fn := func(ctx *context.Context, inputs []*Node) []*Node {
			v := ctx.VariableWithValue("anchor", []float32{1, 1, 1})
			v.Trainable = false
			anchor := v.ValueGraph(inputs[0].Graph())
			return []*Node{Mul(inputs[0], anchor), MulScalar(inputs[0], 2)}
		}
		gradFn := func(ctx *context.Context, inputs, params, outputs, outputGrads []*Node) (gradInputs, gradParams []*Node) {
			return []*Node{Add(outputGrads[0], MulScalar(outputGrads[1], 10))}, nil
		}
		outputs := backprop.CallWithCustomGradient(ctx.In("isolated"), fn, []*Node{x}, gradFn, false)

		// The anchor is non-trainable, so it has no tap: this pass captures
		// the first output's cotangent and goes no further.
		anchor := ctx.InspectVariable("/isolated", "anchor").ValueGraph(g)
		gradAnchor := Gradient(ReduceAllSum(outputs[0]), anchor)[0]

		// This pass touches only the second output: the first output's
		// cotangent must be zeros, not the capture left by the pass above.
		gradX := Gradient(ReduceAllSum(outputs[1]), x)[0]
		return []*Node{gradAnchor, gradX}
	})
	results := exec.Call()

	require.Equal(t, []float32{0, 0, 0}, results[0].Value(), "anchor is cut off by the stop-gradient")
	require.Equal(t, []float32{10, 10, 10}, results[1].Value(), "stale cotangents must not leak between passes")
}
