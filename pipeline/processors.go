package pipeline

import (
	"image"
	"math"

	"github.com/disintegration/gift"
)

// BackgroundSubtraction subtracts the median pixel value, clipping at zero.
// It reports the mean of the result as mean_intensity.
type BackgroundSubtraction struct{}

// Name identifies the step
func (BackgroundSubtraction) Name() string { return "background_subtraction" }

// Apply subtracts the median in place
func (BackgroundSubtraction) Apply(src *image.Gray16) (*image.Gray16, Features, error) {
	bg := median(src)
	var sum float64
	n := len(src.Pix) / 2
	for i := 0; i < len(src.Pix); i += 2 {
		v := float64(uint16(src.Pix[i])<<8 | uint16(src.Pix[i+1]))
		r := math.Max(0, v-bg)
		sum += r
		u := uint16(r)
		src.Pix[i] = uint8(u >> 8)
		src.Pix[i+1] = uint8(u)
	}
	mean := 0.
	if n > 0 {
		mean = sum / float64(n)
	}
	return src, Features{"mean_intensity": mean}, nil
}

// median of a 16-bit image via its histogram.  An even pixel count yields the
// mean of the two middle values.
func median(img *image.Gray16) float64 {
	n := len(img.Pix) / 2
	if n == 0 {
		return 0
	}
	var hist [1 << 16]int
	for i := 0; i < len(img.Pix); i += 2 {
		hist[uint16(img.Pix[i])<<8|uint16(img.Pix[i+1])]++
	}
	// 0-based ranks of the middle element(s)
	lo, hi := (n-1)/2, n/2
	loV, hiV := -1, -1
	seen := 0
	for v, c := range hist {
		seen += c
		if loV < 0 && seen > lo {
			loV = v
		}
		if seen > hi {
			hiV = v
			break
		}
	}
	return float64(loV+hiV) / 2
}

// GaussianFilter smooths the image with a Gaussian kernel of standard
// deviation Sigma pixels.  It reports filter_sigma.
type GaussianFilter struct {
	Sigma float64
}

// Name identifies the step
func (GaussianFilter) Name() string { return "gaussian_filter" }

// Apply blurs src into a new image
func (f GaussianFilter) Apply(src *image.Gray16) (*image.Gray16, Features, error) {
	feats := Features{"filter_sigma": f.Sigma}
	if f.Sigma <= 0 {
		return src, feats, nil
	}
	g := gift.New(gift.GaussianBlur(float32(f.Sigma)))
	dst := image.NewGray16(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst, feats, nil
}

// Centroid finds bright spots and reports their count as num_spots and the
// intensity weighted centre of the largest as centroid_x and centroid_y.
//
// A pixel is bright when its value, normalized so the image spans [0, 1],
// exceeds Threshold.  Spots are 4-connected regions of bright pixels.  With no
// spots both coordinates are zero.
type Centroid struct {
	Threshold float64
}

// Name identifies the step
func (Centroid) Name() string { return "find_centroids" }

// Apply measures src without modifying it
func (c Centroid) Apply(src *image.Gray16) (*image.Gray16, Features, error) {
	spots := FindSpots(src, c.Threshold)
	feats := Features{"num_spots": float64(len(spots)), "centroid_x": 0, "centroid_y": 0}
	if len(spots) == 0 {
		return src, feats, nil
	}
	best := spots[0]
	for _, s := range spots[1:] {
		if s.Area > best.Area {
			best = s
		}
	}
	feats["centroid_x"] = best.X
	feats["centroid_y"] = best.Y
	return src, feats, nil
}

// Spot is one connected bright region
type Spot struct {
	// X and Y are the intensity weighted centre in pixels
	X, Y float64

	// Area is the number of pixels
	Area int

	// Flux is the summed intensity
	Flux float64
}

// FindSpots labels the 4-connected regions brighter than the normalized
// threshold, in raster order of their first pixel
func FindSpots(img *image.Gray16, threshold float64) []Spot {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	px := func(x, y int) float64 {
		return float64(img.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := px(x, y)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if hi == lo {
		return nil
	}
	cut := lo + threshold*(hi-lo)

	visited := make([]bool, w*h)
	var spots []Spot
	var queue []int
	for start := 0; start < w*h; start++ {
		if visited[start] || px(start%w, start/w) <= cut {
			continue
		}
		var s Spot
		var sx, sy float64
		visited[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%w, i/w
			v := px(x, y)
			s.Area++
			s.Flux += v
			sx += v * float64(x)
			sy += v * float64(y)
			for _, nb := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := nb[0], nb[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if visited[j] || px(nx, ny) <= cut {
					continue
				}
				visited[j] = true
				queue = append(queue, j)
			}
		}
		if s.Flux > 0 {
			s.X, s.Y = sx/s.Flux, sy/s.Flux
		}
		spots = append(spots, s)
	}
	return spots
}
