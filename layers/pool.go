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
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// PoolingType selects the reduction used by Pool2D.
type PoolingType string

const (
	MaxPooling  PoolingType = "MAX"
	MeanPooling PoolingType = "AVG"
)

// Pool2DBuilder configures a 2D pooling on a channels-last rank-4 input,
// with the same left-padding option as Conv2D.
type Pool2DBuilder struct {
	x           *Node
	poolingType PoolingType
	window      int
	strides     int
	padding     padMode
}

// Pool2D builds a 2D pooling layer. Default is a 3x3 window, stride 1 and
// "same" padding, so the output keeps the input's spatial dimensions.
func Pool2D(x *Node, poolingType PoolingType) *Pool2DBuilder {
	return &Pool2DBuilder{
		x:           x,
		poolingType: poolingType,
		window:      3,
		strides:     1,
	}
}

// Window sets the pooling window size for both spatial dimensions. Default is 3.
func (b *Pool2DBuilder) Window(size int) *Pool2DBuilder {
	b.window = size
	return b
}

// Strides sets the stride for both spatial dimensions. Default is 1.
func (b *Pool2DBuilder) Strides(strides int) *Pool2DBuilder {
	b.strides = strides
	return b
}

// NoPadding performs a valid pooling, shrinking the spatial dimensions.
func (b *Pool2DBuilder) NoPadding() *Pool2DBuilder {
	b.padding = padModeValid
	return b
}

// PadLeft pads the lower side of each spatial dimension only. Requires an odd
// window size. See Conv2DBuilder.PadLeft.
func (b *Pool2DBuilder) PadLeft() *Pool2DBuilder {
	b.padding = padModeLeft
	return b
}

// Done creates the pooling and returns its output.
func (b *Pool2DBuilder) Done() *Node {
	if b.x.Rank() != 4 {
		Panicf("layers.Pool2D requires a rank-4 channels-last input, got shape %s", b.x.Shape())
	}
	x := b.x
	padSame := b.padding == padModeSame
	if b.padding == padModeLeft {
		x = leftPad2D(x, b.window, 1)
		padSame = false
	}

	var pool *PoolBuilder
	switch b.poolingType {
	case MaxPooling:
		pool = MaxPool(x)
	case MeanPooling:
		pool = MeanPool(x)
	default:
		Panicf("layers.Pool2D: unknown pooling type %q, must be %q or %q",
			b.poolingType, MaxPooling, MeanPooling)
	}
	pool.Window(b.window).Strides(b.strides)
	if padSame {
		pool.PadSame()
	} else {
		pool.NoPadding()
	}
	return pool.Done()
}
