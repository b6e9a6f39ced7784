package lftnet

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-lftnet/checkpoints"
)

const normEpsilon = 1e-5

// featureExtractor pools a CHW image onto a grid×grid map per channel,
// projects the pooled vector linearly and standardises the result with
// running statistics.
type featureExtractor struct {
	channels int
	grid     int
	dim      int

	weight checkpoints.Tensor // [dim, channels*grid*grid]
	bias   checkpoints.Tensor // [dim]
	mean   checkpoints.Tensor // [dim]
	vari   checkpoints.Tensor // [dim]
}

func newFeatureExtractor(channels, grid, dim int, rng *rand.Rand) *featureExtractor {
	in := channels * grid * grid
	f := &featureExtractor{
		channels: channels,
		grid:     grid,
		dim:      dim,
		weight:   checkpoints.Tensor{Shape: []int{dim, in}, Data: make([]float32, dim*in)},
		bias:     checkpoints.Tensor{Shape: []int{dim}, Data: make([]float32, dim)},
		mean:     checkpoints.Tensor{Shape: []int{dim}, Data: make([]float32, dim)},
		vari:     checkpoints.Tensor{Shape: []int{dim}, Data: make([]float32, dim)},
	}

	scale := 1 / math.Sqrt(float64(in))
	for i := range f.weight.Data {
		f.weight.Data[i] = float32(rng.NormFloat64() * scale)
	}
	for i := range f.vari.Data {
		f.vari.Data[i] = 1
	}
	return f
}

// params returns the live parameter storage keyed by name.
func (f *featureExtractor) params() checkpoints.State {
	return checkpoints.State{
		"proj.weight": f.weight,
		"proj.bias":   f.bias,
		"norm.mean":   f.mean,
		"norm.var":    f.vari,
	}
}

// pool averages each channel of a size×size CHW image over grid×grid cells.
func (f *featureExtractor) pool(img []float32) ([]float64, error) {
	plane := len(img) / f.channels
	size := int(math.Sqrt(float64(plane)))
	if size*size*f.channels != len(img) || size < f.grid {
		return nil, fmt.Errorf("image of %d values is not a %d-channel square of at least %dx%d",
			len(img), f.channels, f.grid, f.grid)
	}

	out := make([]float64, f.channels*f.grid*f.grid)
	for c := 0; c < f.channels; c++ {
		for gy := 0; gy < f.grid; gy++ {
			y0, y1 := gy*size/f.grid, (gy+1)*size/f.grid
			for gx := 0; gx < f.grid; gx++ {
				x0, x1 := gx*size/f.grid, (gx+1)*size/f.grid
				var sum float64
				for y := y0; y < y1; y++ {
					row := c*plane + y*size
					for x := x0; x < x1; x++ {
						sum += float64(img[row+x])
					}
				}
				out[(c*f.grid+gy)*f.grid+gx] = sum / float64((y1-y0)*(x1-x0))
			}
		}
	}
	return out, nil
}

// project applies the linear projection to a pooled vector.
func (f *featureExtractor) project(pooled []float64) []float64 {
	in := len(pooled)
	z := make([]float64, f.dim)
	for d := 0; d < f.dim; d++ {
		sum := float64(f.bias.Data[d])
		w := f.weight.Data[d*in : (d+1)*in]
		for i, v := range pooled {
			sum += float64(w[i]) * v
		}
		z[d] = sum
	}
	return z
}

// normalize standardises z in place with the running statistics.
func (f *featureExtractor) normalize(z []float64) {
	for d := range z {
		z[d] = (z[d] - float64(f.mean.Data[d])) / math.Sqrt(float64(f.vari.Data[d])+normEpsilon)
	}
}

// updateStats moves the running statistics toward the batch statistics of
// raw projections.
func (f *featureExtractor) updateStats(raw [][]float64, momentum float64) {
	if len(raw) == 0 {
		return
	}
	n := float64(len(raw))
	for d := 0; d < f.dim; d++ {
		var mean float64
		for _, z := range raw {
			mean += z[d]
		}
		mean /= n

		var vari float64
		for _, z := range raw {
			diff := z[d] - mean
			vari += diff * diff
		}
		vari /= n

		f.mean.Data[d] = float32((1-momentum)*float64(f.mean.Data[d]) + momentum*mean)
		f.vari.Data[d] = float32((1-momentum)*float64(f.vari.Data[d]) + momentum*vari)
	}
}
