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
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestSamplewiseStandardizer(t *testing.T) {
	graphtest.RunTestGraphFn(t, "SamplewiseStandardizer",
		func(g *Graph) (inputs, outputs []*Node) {
			// One sample with pixel values {0, 2, 4, 6}: mean 3, std sqrt(5).
			x := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 2, 2)), 2)
			std := &SamplewiseStandardizer{}
			clipped := &SamplewiseStandardizer{Clip: 1}
			inputs = []*Node{x}
			outputs = []*Node{std.Standardize(x), clipped.Standardize(x)}
			return
		}, []any{
			[][][][]float32{{{{-1.34164, -0.44721}, {0.44721, 1.34164}}}},
			[][][][]float32{{{{-1, -0.44721}, {0.44721, 1}}}},
		}, 1e-3)
}

func TestAggregateStandardizer(t *testing.T) {
	graphtest.RunTestGraphFn(t, "AggregateStandardizer",
		func(g *Graph) (inputs, outputs []*Node) {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 2, 2))
			std := &AggregateStandardizer{Mean: []float32{1, 2}, Std: []float32{2, 4}}
			inputs = []*Node{x}
			outputs = []*Node{std.Standardize(x)}
			return
		}, []any{
			[][][][]float32{{{{-0.5, -0.25}, {0.5, 0.25}}}},
		}, 1e-6)
}

func TestAugmentColor(t *testing.T) {
	newStandardizer := func(sigma float64) *AggregateStandardizer {
		return &AggregateStandardizer{
			Mean: []float32{0, 0, 0},
			Std:  []float32{1, 1, 1},
			U: [][]float32{
				{1, 0, 0},
				{0, 1, 0},
				{0, 0, 1},
			},
			EV:    []float32{0.2, 0.3, 0.5},
			Sigma: sigma,
		}
	}
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		images := MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 2, 2, 2, 3)), 0.01)
		noisy := newStandardizer(0.1).AugmentColor(ctx.In("noisy"), images)
		inert := newStandardizer(0).AugmentColor(ctx.In("inert"), images)
		return []*Node{images, noisy, inert}
	})
	results := exec.Call()

	images := results[0].Value().([][][][]float32)
	noisy := results[1].Value().([][][][]float32)
	require.Equal(t, images, results[2].Value(), "zero sigma must be the identity")
	for b := range images {
		for c := range 3 {
			shift := noisy[b][0][0][c] - images[b][0][0][c]
			for h := range 2 {
				for w := range 2 {
					require.InDeltaf(t, shift, noisy[b][h][w][c]-images[b][h][w][c], 1e-6,
						"color shift must be constant per image and channel")
				}
			}
		}
	}
}

// TestQuasiPredictor uses a model that averages each crop, over images whose
// value increases with the width index, so each crop has a known mean.
func TestQuasiPredictor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	model := func(ctx *context.Context, images *Node) *Node {
		return InsertAxes(ReduceMean(images, 1, 2, 3), -1)
	}
	predictor := NewQuasi(backend, ctx, model, nil, 2)

	// 1x4x4x1 image with value = width index: crop means are 0.5 (left
	// column crops), 2.5 (right), 1.5 (center), and mirroring doesn't change
	// a crop's mean. Their average is (2*0.5 + 2*2.5 + 1.5) / 5 = 1.5.
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 4, 4, 1))
	tensors.MutableFlatData[float32](images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii % 4)
		}
	})
	scores := predictor.Predict(images)
	require.Equal(t, []int{1, 1}, scores.Shape().Dimensions)
	require.InDelta(t, 1.5, scores.Value().([][]float32)[0][0], 1e-5)
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	err := WriteResults(&buf, 3, []Result{
		{Image: "a.jpg", Scores: []float32{0.1, 0.2, 0.7}},
		{Image: "b.jpg", Scores: []float32{1, 0, 0}},
	})
	require.NoError(t, err)
	require.Equal(t, "image,score1,score2,score3\na.jpg,0.1,0.2,0.7\nb.jpg,1,0,0\n", buf.String())

	err = WriteResults(&buf, 2, []Result{{Image: "c.jpg", Scores: []float32{1}}})
	require.Error(t, err, "score count mismatch must be rejected")
}

func TestImageFilesAndLoad(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	imgPath := filepath.Join(dir, "red.png")
	require.NoError(t, imaging.Save(img, imgPath))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0644))

	paths, err := ImageFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{imgPath}, paths)

	pixels, err := LoadImage(imgPath, 2)
	require.NoError(t, err)
	require.Len(t, pixels, 2)
	require.Len(t, pixels[0], 2)
	require.InDelta(t, 1.0, pixels[0][0][0], 1e-2)
	require.InDelta(t, 0.0, pixels[0][0][1], 1e-2)

	batch, err := LoadImageBatch(paths, 2)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2, 3}, batch.Shape().Dimensions)
}
