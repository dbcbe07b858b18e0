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
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

var imageExtensions = map[string]bool{
	".bmp":  true,
	".gif":  true,
	".jpeg": true,
	".jpg":  true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// ImageFiles lists the image files under dir (recursively), in lexical order.
func ImageFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing image files under %q", dir)
	}
	return paths, nil
}

// LoadImage reads one image, optionally resizing it to size x size, and
// returns it as [height][width][3] floats in [0, 1].
func LoadImage(path string, size int) ([][][]float32, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", path)
	}
	if size > 0 {
		img = imaging.Resize(img, size, size, imaging.Lanczos)
	}
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	pixels := make([][][]float32, height)
	for y := range height {
		row := make([][]float32, width)
		for x := range width {
			c := nrgba.NRGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			row[x] = []float32{
				float32(c.R) / 255,
				float32(c.G) / 255,
				float32(c.B) / 255,
			}
		}
		pixels[y] = row
	}
	return pixels, nil
}

// LoadImageBatch reads the given images into one [batch, size, size, 3]
// tensor. All images are resized to size x size, so size must be above zero.
func LoadImageBatch(paths []string, size int) (*tensors.Tensor, error) {
	if size <= 0 {
		return nil, errors.Errorf("image batches need a fixed size, got %d", size)
	}
	batch := make([][][][]float32, len(paths))
	for ii, path := range paths {
		pixels, err := LoadImage(path, size)
		if err != nil {
			return nil, err
		}
		batch[ii] = pixels
	}
	return tensors.FromValue(batch), nil
}
