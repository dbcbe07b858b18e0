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

// tefla-predict runs a trained image classifier over a directory of images
// and writes per-class scores to a CSV file, optionally averaging over ten
// crops of each image.
package main

import (
	"flag"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ashishpahwa7/tefla/layers"
	"github.com/ashishpahwa7/tefla/predict"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	mllayers "github.com/gomlx/gomlx/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagCheckpoint   = flag.String("checkpoint", "", "Directory with the model checkpoint to load. Required.")
	flagPredictDir   = flag.String("predict_dir", "", "Directory with the images to predict. Required.")
	flagResultsDir   = flag.String("results_dir", "results", "Directory to write results under.")
	flagDatasetName  = flag.String("dataset_name", "dataset", "Name of the dataset; scores go to <results_dir>/<dataset_name>/predictions.csv.")
	flagImageSize    = flag.Int("image_size", 256, "Images are resized to this size before prediction.")
	flagTestType     = flag.String("test_type", "quasi", "Prediction mode: \"quasi\" averages over ten crops, \"single\" runs one forward pass.")
	flagCropSize     = flag.Int("crop_size", 224, "Crop size for quasi prediction.")
	flagNumClasses   = flag.Int("num_classes", 5, "Number of output classes of the model.")
	flagBatchSize    = flag.Int("batch_size", 16, "Number of images per prediction batch.")
	flagStandardizer = flag.String("standardizer", "samplewise", "Pixel normalization: \"samplewise\", \"aggregate\" or \"none\".")
	flagClip         = flag.Float64("clip", 0, "Clip value for the samplewise standardizer, 0 disables clipping.")
	flagMean         = flag.String("mean", "", "Comma-separated per-channel means for the aggregate standardizer.")
	flagStd          = flag.String("std", "", "Comma-separated per-channel standard deviations for the aggregate standardizer.")
	flagU            = flag.String("u", "", "Comma-separated row-major eigenvectors of the channel covariance for the aggregate standardizer.")
	flagEV           = flag.String("ev", "", "Comma-separated eigenvalues of the channel covariance for the aggregate standardizer.")
	flagSigma        = flag.Float64("sigma", 0, "Color noise scale of the aggregate standardizer; inert during prediction.")
)

// buildModel is the convolutional classifier matching the training setup: a
// strided stem, a gated convolution, a multi-scale convolution block and a
// dense softmax head.
func buildModel(numClasses int) predict.ModelFn {
	return func(ctx *context.Context, images *Node) *Node {
		x := Tanh(layers.Conv2D(ctx.In("stem"), images).Filters(16).KernelSize(5).Done())
		x = layers.Pool2D(x, layers.MeanPooling).Strides(2).Done()
		x = layers.ConvGRU(ctx.In("gru_0"), x).Done()
		x = layers.MultiscaleConvSum(ctx.In("multiscale"), x, 16, []layers.Scale{
			{Dilation: 1, KernelSize: 3},
			{Dilation: 2, KernelSize: 3},
		}, layers.MeanPooling)
		x = Tanh(x)
		x = ReduceMean(x, 1, 2)
		logits := mllayers.Dense(ctx.In("output"), x, true, numClasses)
		return Softmax(logits)
	}
}

func parseFloats(s, flagName string) []float32 {
	parts := strings.Split(s, ",")
	values := make([]float32, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			klog.Exitf("Invalid --%s value %q: %v", flagName, part, err)
		}
		values = append(values, float32(v))
	}
	return values
}

// parseRows splits row-major values into square matrix rows, one per channel.
func parseRows(s, flagName string, channels int) [][]float32 {
	flat := parseFloats(s, flagName)
	if len(flat) != channels*channels {
		klog.Exitf("--%s needs %d values for %d channels, got %d", flagName, channels*channels, channels, len(flat))
	}
	rows := make([][]float32, channels)
	for ii := range rows {
		rows[ii] = flat[ii*channels : (ii+1)*channels]
	}
	return rows
}

func buildStandardizer() predict.Standardizer {
	switch *flagStandardizer {
	case "samplewise":
		return &predict.SamplewiseStandardizer{Clip: *flagClip}
	case "aggregate":
		if *flagMean == "" || *flagStd == "" {
			klog.Exit("--standardizer=aggregate requires --mean and --std")
		}
		std := &predict.AggregateStandardizer{
			Mean:  parseFloats(*flagMean, "mean"),
			Std:   parseFloats(*flagStd, "std"),
			Sigma: *flagSigma,
		}
		if *flagEV != "" {
			std.EV = parseFloats(*flagEV, "ev")
		}
		if *flagU != "" {
			std.U = parseRows(*flagU, "u", len(std.Mean))
		}
		return std
	case "none":
		return nil
	}
	klog.Exitf("Unknown --standardizer %q", *flagStandardizer)
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" || *flagPredictDir == "" {
		klog.Exit("Both --checkpoint and --predict_dir are required.")
	}

	backend := backends.MustNew()
	klog.V(1).Infof("Backend: %s", backend.Description())

	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Done())

	paths := must.M1(predict.ImageFiles(*flagPredictDir))
	if len(paths) == 0 {
		klog.Exitf("No images found under %q.", *flagPredictDir)
	}
	klog.Infof("Predicting %s images from %q", humanize.Comma(int64(len(paths))), *flagPredictDir)

	model := buildModel(*flagNumClasses)
	standardizer := buildStandardizer()

	var runBatch func(batch []string) [][]float32
	switch *flagTestType {
	case "quasi":
		if *flagCropSize <= 0 || *flagCropSize > *flagImageSize {
			klog.Exitf("--test_type=quasi needs 0 < --crop_size <= --image_size, got %d and %d", *flagCropSize, *flagImageSize)
		}
		predictor := predict.NewQuasi(backend, ctx.Reuse(), model, standardizer, *flagCropSize)
		runBatch = func(batch []string) [][]float32 {
			images := must.M1(predict.LoadImageBatch(batch, *flagImageSize))
			return predictor.Predict(images).Value().([][]float32)
		}
	case "single":
		predictor := predict.New(backend, ctx.Reuse(), model, standardizer)
		runBatch = func(batch []string) [][]float32 {
			images := must.M1(predict.LoadImageBatch(batch, *flagImageSize))
			return predictor.Predict(images).Value().([][]float32)
		}
	default:
		klog.Exitf("Unknown --test_type %q", *flagTestType)
	}

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("predicting"),
		progressbar.OptionShowCount(),
	)
	results := make([]predict.Result, 0, len(paths))
	for start := 0; start < len(paths); start += *flagBatchSize {
		end := min(start+*flagBatchSize, len(paths))
		batch := paths[start:end]
		for ii, scores := range runBatch(batch) {
			results = append(results, predict.Result{
				Image:  filepath.Base(batch[ii]),
				Scores: scores,
			})
		}
		_ = bar.Add(len(batch))
	}
	_ = bar.Finish()

	resultsPath := filepath.Join(*flagResultsDir, *flagDatasetName, "predictions.csv")
	must.M(predict.WriteResultsFile(resultsPath, *flagNumClasses, results))
	klog.Infof("Wrote %s results to %q", humanize.Comma(int64(len(results))), resultsPath)
}
