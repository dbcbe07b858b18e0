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

package layers

import (
	"fmt"
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Scale is one branch of a MultiscaleConvSum: a convolution with the given
// kernel size and dilation rate. Branches with dilation above 1 pool their
// input first, widening the receptive field on a smoothed signal.
type Scale struct {
	Dilation   int
	KernelSize int
}

// MultiscaleConvSum sums convolutions of x at several scales, one per entry of
// scales, normalized by 1/sqrt(len(scales)) to keep the output's magnitude
// independent of the number of branches. Each branch gets its own variable
// scope ("conv_layer0", "conv_layer1", ...).
func MultiscaleConvSum(ctx *context.Context, x *Node, filters int, scales []Scale, poolingType PoolingType) *Node {
	if len(scales) == 0 {
		Panicf("layers.MultiscaleConvSum requires at least one scale")
	}
	var sum *Node
	for ii, scale := range scales {
		branch := x
		if scale.Dilation > 1 {
			branch = Pool2D(branch, poolingType).Window(scale.KernelSize).Done()
		}
		branch = Conv2D(ctx.In(fmt.Sprintf("conv_layer%d", ii)), branch).
			Filters(filters).
			KernelSize(scale.KernelSize).
			Dilations(scale.Dilation).
			CurrentScope().
			Done()
		if sum == nil {
			sum = branch
		} else {
			sum = Add(sum, branch)
		}
	}
	return MulScalar(sum, 1/math.Sqrt(float64(len(scales))))
}
