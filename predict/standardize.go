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

// Package predict runs trained image models over directories of images and
// writes their class scores to CSV, optionally averaging predictions over
// multiple crops of each image (test-time augmentation).
package predict

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

const stdEpsilon = 1e-8

// Standardizer normalizes a batch of images, shaped [batch, height, width,
// channels], before they reach the model. It must match the normalization the
// model was trained with.
type Standardizer interface {
	Standardize(images *Node) *Node
}

// SamplewiseStandardizer normalizes each image by its own mean and standard
// deviation, computed over all pixels and channels. When Clip is above zero,
// the result is clipped to [-Clip, Clip].
type SamplewiseStandardizer struct {
	Clip float64
}

func (s *SamplewiseStandardizer) Standardize(images *Node) *Node {
	if images.Rank() != 4 {
		Panicf("predict: standardizer expects images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	mean := ReduceAndKeep(images, ReduceMean, 1, 2, 3)
	centered := Sub(images, mean)
	variance := ReduceAndKeep(Mul(centered, centered), ReduceMean, 1, 2, 3)
	standardized := Div(centered, Sqrt(AddScalar(variance, stdEpsilon)))
	if s.Clip > 0 {
		standardized = ClipScalar(standardized, -s.Clip, s.Clip)
	}
	return standardized
}

// AggregateStandardizer normalizes every image with per-channel mean and
// standard deviation computed over the whole training set. U, EV and Sigma
// describe the training set's color covariance: U holds the eigenvectors of
// the channel covariance matrix, one row per channel, EV the matching
// eigenvalues, and Sigma scales the noise AugmentColor draws along them.
// Standardize itself never adds noise, so prediction stays deterministic.
type AggregateStandardizer struct {
	Mean, Std []float32

	U     [][]float32
	EV    []float32
	Sigma float64
}

func (s *AggregateStandardizer) Standardize(images *Node) *Node {
	if images.Rank() != 4 {
		Panicf("predict: standardizer expects images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	channels := images.Shape().Dimensions[3]
	if len(s.Mean) != channels || len(s.Std) != channels {
		Panicf("predict: aggregate standardizer has %d mean and %d std entries for %d channels",
			len(s.Mean), len(s.Std), channels)
	}
	g := images.Graph()
	mean := Reshape(Const(g, s.Mean), 1, 1, 1, channels)
	std := Reshape(Const(g, s.Std), 1, 1, 1, channels)
	return Div(Sub(images, ConvertDType(mean, images.DType())), ConvertDType(std, images.DType()))
}

// AugmentColor shifts each image along the color covariance eigenvectors by a
// random amount: per image it draws alpha ~ N(0, Sigma) per eigenvector and
// adds U·(alpha∘EV) to every pixel. This is the training-time color
// augmentation matching the aggregate statistics; with Sigma zero it is the
// identity.
func (s *AggregateStandardizer) AugmentColor(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 {
		Panicf("predict: color augmentation expects images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	batch := images.Shape().Dimensions[0]
	channels := images.Shape().Dimensions[3]
	if len(s.EV) != channels || len(s.U) != channels {
		Panicf("predict: aggregate standardizer has %d eigenvalues and %d eigenvector rows for %d channels",
			len(s.EV), len(s.U), channels)
	}
	g := images.Graph()
	dtype := images.DType()
	alpha := MulScalar(ctx.RandomNormal(g, shapes.Make(dtype, batch, channels)), s.Sigma)
	scaled := Mul(alpha, ConvertDType(Const(g, s.EV), dtype))
	noise := MatMul(scaled, Transpose(ConvertDType(Const(g, s.U), dtype), 0, 1))
	return Add(images, Reshape(noise, batch, 1, 1, channels))
}
