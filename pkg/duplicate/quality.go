package duplicate

import (
	"image"
	"image/color"
	"math"
)

// QualityMetrics scores a single decoded image on the same four axes used
// to pick a primary among a group of near-duplicates: sharpness, exposure,
// contrast and resolution.
type QualityMetrics struct {
	Sharpness  float64 // 0-100, higher is sharper
	Exposure   float64 // -100..+100, negative underexposed, positive overexposed
	Contrast   float64 // 0-100
	Width      int
	Height     int
	Megapixels float64
	Overall    float64 // 0-100 weighted composite
}

const (
	weightSharpness  = 0.4
	weightExposure   = 0.2
	weightContrast   = 0.2
	weightResolution = 0.2
)

// AnalyzeQuality scores img on sharpness, exposure, contrast and resolution
// and combines them into the weighted Overall score.
func AnalyzeQuality(img image.Image) QualityMetrics {
	gray := toGrayFloat(img)
	sharpness := laplacianSharpness(gray)
	contrast := contrastScore(gray)
	exposure := exposureScore(img)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	megapixels := float64(w*h) / 1_000_000

	overall := sharpness*weightSharpness +
		(100-math.Abs(exposure))*weightExposure +
		contrast*weightContrast +
		math.Min(100, megapixels*10)*weightResolution

	return QualityMetrics{
		Sharpness:  sharpness,
		Exposure:   exposure,
		Contrast:   contrast,
		Width:      w,
		Height:     h,
		Megapixels: math.Round(megapixels*10) / 10,
		Overall:    math.Round(overall*10) / 10,
	}
}

// toGrayFloat converts img to a row-major grid of luminance values in 0..255.
func toGrayFloat(img image.Image) [][]float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([][]float64, h)
	for y := 0; y < h; y++ {
		row := make([]float64, w)
		for x := 0; x < w; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			row[x] = float64(g.Y)
		}
		out[y] = row
	}
	return out
}

// laplacianSharpness measures edge energy via the variance of a discrete
// Laplacian (4-neighbor) convolution, the same measure OpenCV's
// cv2.Laplacian(...).var() gives: blurry images have a low-variance
// Laplacian response, sharp ones a high-variance one.
func laplacianSharpness(gray [][]float64) float64 {
	h := len(gray)
	if h < 3 {
		return 0
	}
	w := len(gray[0])
	if w < 3 {
		return 0
	}

	values := make([]float64, 0, (w-2)*(h-2))
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := 4*gray[y][x] - gray[y-1][x] - gray[y+1][x] - gray[y][x-1] - gray[y][x+1]
			values = append(values, lap)
		}
	}
	if len(values) == 0 {
		return 0
	}

	variance := varianceOf(values)
	switch {
	case variance < 10:
		return 0
	case variance > 1000:
		return 100
	default:
		score := (math.Log10(variance) - 1) * 33.33
		return clamp(score, 0, 100)
	}
}

func contrastScore(gray [][]float64) float64 {
	flat := make([]float64, 0, len(gray)*len(gray[0]))
	for _, row := range gray {
		flat = append(flat, row...)
	}
	if len(flat) == 0 {
		return 0
	}
	stddev := math.Sqrt(varianceOf(flat))
	return math.Min(100, (stddev/64)*100)
}

// exposureScore buckets pixels by HSV value (brightness) and flags
// under/over-exposure the way a dark/bright histogram tail would: a large
// mass of near-black pixels pulls the score negative, a large mass of
// near-white pixels pulls it positive, otherwise it reports the share of
// well-exposed midtone pixels.
func exposureScore(img image.Image) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}

	var dark, bright, mid int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := valueChannel(img.At(x, y))
			switch {
			case v < 50:
				dark++
			case v >= 205:
				bright++
			default:
				mid++
			}
		}
	}

	darkFrac := float64(dark) / float64(total)
	brightFrac := float64(bright) / float64(total)
	midFrac := float64(mid) / float64(total)

	switch {
	case darkFrac > 0.5:
		return -50 * darkFrac
	case brightFrac > 0.3:
		return 50 * brightFrac
	default:
		return 50 * midFrac
	}
}

// valueChannel returns the HSV "V" component (0-255) of a color: the max of
// its R, G, B channels.
func valueChannel(c color.Color) int {
	r, g, b, _ := c.RGBA()
	r8, g8, b8 := r>>8, g>>8, b>>8
	v := r8
	if g8 > v {
		v = g8
	}
	if b8 > v {
		v = b8
	}
	return int(v)
}

func varianceOf(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return sumSq / float64(len(values))
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
