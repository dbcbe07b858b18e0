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

package predict

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

// ModelFn computes class scores, shaped [batch, numClasses], for a batch of
// standardized images. It reads its weights from ctx.
type ModelFn func(ctx *context.Context, images *Node) *Node

// Predictor runs a model over batches of full images.
type Predictor struct {
	exec *context.Exec
}

// New creates a Predictor. The standardizer may be nil, in which case images
// reach the model as loaded. The context usually carries weights restored from
// a checkpoint; mark it with ctx.Reuse() to fail fast when a weight is
// missing.
func New(backend backends.Backend, ctx *context.Context, model ModelFn, standardizer Standardizer) *Predictor {
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		if standardizer != nil {
			images = standardizer.Standardize(images)
		}
		return model(ctx, images)
	})
	return &Predictor{exec: exec}
}

// Predict returns the model's scores for a batch of images.
func (p *Predictor) Predict(images *tensors.Tensor) *tensors.Tensor {
	return p.exec.Call(images)[0]
}

// QuasiPredictor averages the model's scores over ten crops of each image:
// the four corners and the center, each in original and horizontally mirrored
// orientation. Averaging over crops trades compute for a usually small but
// consistent accuracy gain at prediction time.
type QuasiPredictor struct {
	exec *context.Exec
}

// NewQuasi creates a QuasiPredictor with the given square crop size, which
// must not exceed the image dimensions.
func NewQuasi(backend backends.Backend, ctx *context.Context, model ModelFn, standardizer Standardizer, cropSize int) *QuasiPredictor {
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		crops := tenCrops(images, cropSize)
		batchSize := images.Shape().Dimensions[0]

		// One model invocation over all crops at once, so the model's
		// variables are created (or reused) exactly once.
		stacked := Concatenate(crops, 0)
		if standardizer != nil {
			stacked = standardizer.Standardize(stacked)
		}
		scores := model(ctx, stacked)
		numClasses := scores.Shape().Dimensions[1]
		scores = Reshape(scores, len(crops), batchSize, numClasses)
		return ReduceMean(scores, 0)
	})
	return &QuasiPredictor{exec: exec}
}

// Predict returns the crop-averaged scores for a batch of images.
func (p *QuasiPredictor) Predict(images *tensors.Tensor) *tensors.Tensor {
	return p.exec.Call(images)[0]
}

// tenCrops slices the four corner crops and the center crop, each plus its
// horizontal mirror.
func tenCrops(images *Node, cropSize int) []*Node {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 {
		Panicf("predict: crops expect images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	height, width := dims[1], dims[2]
	if cropSize > height || cropSize > width {
		Panicf("predict: crop size %d larger than image dimensions %dx%d", cropSize, height, width)
	}
	offsets := [][2]int{
		{0, 0},
		{0, width - cropSize},
		{height - cropSize, 0},
		{height - cropSize, width - cropSize},
		{(height - cropSize) / 2, (width - cropSize) / 2},
	}
	crops := make([]*Node, 0, 2*len(offsets))
	for _, offset := range offsets {
		crop := Slice(images,
			AxisRange(),
			AxisRange(offset[0], offset[0]+cropSize),
			AxisRange(offset[1], offset[1]+cropSize),
			AxisRange())
		crops = append(crops, crop, Reverse(crop, 2))
	}
	return crops
}
