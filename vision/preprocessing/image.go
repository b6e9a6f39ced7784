// Package preprocessing turns episode image files into CHW float32 tensors.
package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ImageProcessor decodes images and resizes them to a square target size,
// reusing its scratch buffers between calls.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	processBuffer   []float32
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready for the feature extractor
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image and returns it resized to
// the target size, in CHW layout, normalized to [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != size {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	targetImg := p.tempImageBuffer

	// Nearest-neighbour resize
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)
			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}
			targetImg.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	plane := size * size
	if len(p.processBuffer) < 3*plane {
		p.processBuffer = make([]float32, 3*plane)
	}
	data := p.processBuffer[:3*plane]

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := targetImg.At(x, y).RGBA()
			idx := y*size + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	// The scratch buffer is reused, hand out a copy.
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: 3,
	}, nil
}

// DecodeFile opens and preprocesses a single image file.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// PreprocessBatch preprocesses multiple images with at most maxWorkers
// decoders running at once. Results keep the order of imagePaths.
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	processors := sync.Pool{New: func() any { return NewImageProcessor(targetSize) }}

	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			processor := processors.Get().(*ImageProcessor)
			defer processors.Put(processor)

			img, err := processor.DecodeFile(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FlipHorizontal returns a mirrored copy of a CHW image.
func FlipHorizontal(data []float32, size int) []float32 {
	out := make([]float32, len(data))
	plane := size * size
	for c := 0; c*plane < len(data); c++ {
		for y := 0; y < size; y++ {
			row := c*plane + y*size
			for x := 0; x < size; x++ {
				out[row+x] = data[row+size-1-x]
			}
		}
	}
	return out
}
