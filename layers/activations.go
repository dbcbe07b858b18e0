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

// Package layers provides the convolutional building blocks used inside
// reversible residual networks: saturating activations, gated convolutions
// (GRU, LSTM and diagonal GRU variants), left-padded convolutions and pooling,
// and multi-scale convolution sums.
//
// All layers here preserve the spatial dimensions of their input (using "same"
// or left padding), and the gated ones also preserve the channel count, which
// makes them directly usable as sub-functions of a revnet.Block.
package layers

import (
	. "github.com/gomlx/gomlx/graph"
)

// SaturatingSigmoid is 1.2*sigmoid(x) - 0.1 cut to [0, 1]. It saturates to
// exact 0s and 1s for moderately large |x|, which lets gates close completely.
func SaturatingSigmoid(x *Node) *Node {
	y := Sigmoid(x)
	return ClipScalar(AddScalar(MulScalar(y, 1.2), -0.1), 0, 1)
}

// HardSigmoid is the piecewise-linear sigmoid clip(0.5*x + 0.5, 0, 1). The
// returned cost penalizes |x| beyond saturationLimit, it is meant to be added
// to the loss to keep activations in the linear region.
func HardSigmoid(x *Node, saturationLimit float64) (output, cost *Node) {
	cost = saturationCost(x, saturationLimit)
	output = ClipScalar(AddScalar(MulScalar(x, 0.5), 0.5), 0, 1)
	return
}

// HardTanh is the piecewise-linear tanh clip(x, -1, 1), with the same
// saturation cost as HardSigmoid.
func HardTanh(x *Node, saturationLimit float64) (output, cost *Node) {
	cost = saturationCost(x, saturationLimit)
	output = ClipScalar(x, -1, 1)
	return
}

func saturationCost(x *Node, limit float64) *Node {
	excess := AddScalar(Abs(x), -limit)
	return ReduceAllMean(Max(excess, ZerosLike(excess)))
}
