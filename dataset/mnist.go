// Package dataset reads MNIST idx files and lays batches out as client
// inputs.
package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	imagesMagic = 2051
	labelsMagic = 2049

	// TestImages and TestLabels are the file names of the MNIST test split.
	TestImages = "t10k-images-idx3-ubyte"
	TestLabels = "t10k-labels-idx1-ubyte"
)

// Images is a set of images with pixels normalized to [0, 1].
type Images struct {
	Rows, Cols int
	Pixels     [][]float64
}

// ReadImages reads an idx3 image file.
func ReadImages(r io.Reader) (*Images, error) {
	br := bufio.NewReader(r)
	header := make([]int32, 4)
	if err := binary.Read(br, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("error reading image header: %w", err)
	}
	if header[0] != imagesMagic {
		return nil, fmt.Errorf("invalid magic number: %d", header[0])
	}
	if header[1] < 0 || header[2] <= 0 || header[3] <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %d x %d x %d", header[1], header[2], header[3])
	}

	numImages := int(header[1])
	numPixels := int(header[2]) * int(header[3])
	data := make([]byte, numImages*numPixels)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("error reading image data: %w", err)
	}

	images := &Images{
		Rows:   int(header[2]),
		Cols:   int(header[3]),
		Pixels: make([][]float64, numImages),
	}
	for i := range images.Pixels {
		images.Pixels[i] = make([]float64, numPixels)
		for j := range images.Pixels[i] {
			images.Pixels[i][j] = float64(data[i*numPixels+j]) / 255.0
		}
	}
	return images, nil
}

// ReadLabels reads an idx1 label file.
func ReadLabels(r io.Reader) ([]int, error) {
	br := bufio.NewReader(r)
	header := make([]int32, 2)
	if err := binary.Read(br, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("error reading label header: %w", err)
	}
	if header[0] != labelsMagic {
		return nil, fmt.Errorf("invalid magic number: %d", header[0])
	}
	if header[1] < 0 {
		return nil, fmt.Errorf("invalid label count %d", header[1])
	}
	data := make([]byte, header[1])
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("error reading label data: %w", err)
	}
	labels := make([]int, len(data))
	for i, v := range data {
		labels[i] = int(v)
	}
	return labels, nil
}

// LoadTestSet reads the MNIST test split from dir.
func LoadTestSet(dir string) (*Images, []int, error) {
	images, err := readFile(filepath.Join(dir, TestImages), ReadImages)
	if err != nil {
		return nil, nil, err
	}
	labels, err := readFile(filepath.Join(dir, TestLabels), ReadLabels)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) != len(images.Pixels) {
		return nil, nil, fmt.Errorf("%d labels for %d images", len(labels), len(images.Pixels))
	}
	return images, labels, nil
}

func readFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	v, err := read(f)
	if err != nil {
		return v, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Batch returns images [offset, offset+batch) in the client's input
// layout: for every pixel, the values of all images in the batch.
func (im *Images) Batch(offset, batch int) ([]float64, error) {
	if offset < 0 || batch < 1 || offset+batch > len(im.Pixels) {
		return nil, fmt.Errorf("batch [%d, %d) out of range [0, %d)", offset, offset+batch, len(im.Pixels))
	}
	numPixels := im.Rows * im.Cols
	out := make([]float64, 0, numPixels*batch)
	for p := 0; p < numPixels; p++ {
		for b := 0; b < batch; b++ {
			out = append(out, im.Pixels[offset+b][p])
		}
	}
	return out, nil
}
