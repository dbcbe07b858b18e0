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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Result holds one image's class scores.
type Result struct {
	Image  string
	Scores []float32
}

// WriteResults writes results as CSV with an "image,score1,...,scoreN"
// header. Image names are written as given; callers typically pass base names.
func WriteResults(w io.Writer, numClasses int, results []Result) error {
	out := csv.NewWriter(w)
	header := make([]string, 0, numClasses+1)
	header = append(header, "image")
	for ii := range numClasses {
		header = append(header, fmt.Sprintf("score%d", ii+1))
	}
	if err := out.Write(header); err != nil {
		return errors.Wrap(err, "writing CSV header")
	}
	row := make([]string, numClasses+1)
	for _, result := range results {
		if len(result.Scores) != numClasses {
			return errors.Errorf("result for %q has %d scores, expected %d",
				result.Image, len(result.Scores), numClasses)
		}
		row[0] = result.Image
		for ii, score := range result.Scores {
			row[ii+1] = strconv.FormatFloat(float64(score), 'g', -1, 32)
		}
		if err := out.Write(row); err != nil {
			return errors.Wrapf(err, "writing CSV row for %q", result.Image)
		}
	}
	out.Flush()
	return errors.Wrap(out.Error(), "flushing CSV")
}

// WriteResultsFile writes results to a CSV file, creating parent directories
// as needed.
func WriteResultsFile(path string, numClasses int, results []Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err := WriteResults(f, numClasses, results); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}
