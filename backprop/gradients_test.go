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
	"github.com/stretchr/testify/require"
)

func TestSeededGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(g *Graph) []*Node {
		x := Const(g, []float32{1, 2, 3})
		out := Mul(x, x)
		seed := Const(g, []float32{2, 1, 0.5})

		// d(sum(seed*x²))/dx = 2*x*seed.
		seeded := backprop.SeededGradients([]*Node{out}, []*Node{seed}, x)

		// A nil seed drops the output entirely.
		skipped := backprop.SeededGradients([]*Node{out}, []*Node{nil}, x)

		return []*Node{seeded[0], skipped[0]}
	})
	results := exec.Call()
	require.Equal(t, []float32{4, 4, 3}, results[0].Value())
	require.Equal(t, []float32{0, 0, 0}, results[1].Value())
}

func TestSeededGradientsMultipleOutputs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(g *Graph) []*Node {
		x := Const(g, []float32{1, 2, 3})
		out1 := MulScalar(x, 2)
		out2 := Mul(x, x)
		seed1 := Const(g, []float32{1, 1, 1})
		seed2 := Const(g, []float32{0, 1, 0})

		// Contributions from both outputs sum: 2*seed1 + 2*x*seed2.
		grads := backprop.SeededGradients([]*Node{out1, out2}, []*Node{seed1, seed2}, x)
		return []*Node{grads[0]}
	})
	results := exec.Call()
	require.Equal(t, []float32{2, 6, 2}, results[0].Value())
}

func TestAccumulate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(g *Graph) []*Node {
		a := Const(g, []float32{1, 2})
		b := Const(g, []float32{10, 20})
		c := Const(g, []float32{100, 200})

		acc := backprop.Accumulate([]*Node{a, nil}, []*Node{b, c}, []*Node{nil, nil})
		require.NotNil(t, acc[0])
		require.NotNil(t, acc[1])

		// A position where every list is nil stays nil.
		allNil := backprop.Accumulate([]*Node{nil}, []*Node{nil})
		require.Nil(t, allNil[0])

		return acc
	})
	results := exec.Call()
	require.Equal(t, []float32{11, 22}, results[0].Value())
	require.Equal(t, []float32{100, 200}, results[1].Value())
}

func TestStopGradientRefs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(g *Graph) []*Node {
		x := Const(g, []float32{1, 2, 3})
		ref := backprop.StopGradientRefs([]*Node{x})[0]
		out := Mul(ref, ref)
		loss := ReduceAllSum(out)

		// The reference passes values through but no gradient: differentiating
		// with respect to the original x yields zeros, while the reference
		// itself is differentiable.
		grads := Gradient(loss, x, ref)
		return []*Node{ref, grads[0], grads[1]}
	})
	results := exec.Call()
	require.Equal(t, []float32{1, 2, 3}, results[0].Value())
	require.Equal(t, []float32{0, 0, 0}, results[1].Value())
	require.Equal(t, []float32{2, 4, 6}, results[2].Value())
}
