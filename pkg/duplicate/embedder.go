package duplicate

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Embedder turns a decoded image into a fixed-length feature vector whose
// cosine distance to another image's vector approximates visual similarity.
// It is the pluggable seam the Detector's load/unload lifecycle manages; the
// built-in implementation is a deterministic local descriptor (see
// localEmbedder), but anything satisfying this interface can stand in.
type Embedder interface {
	// Encode returns a unit-length feature vector for img.
	Encode(img image.Image) ([]float32, error)
	// Dim reports the vector length Encode returns.
	Dim() int
	// Name identifies the embedder for diagnostics.
	Name() string
}

const (
	gridSize  = 16 // descriptor is a gridSize x gridSize grayscale grid
	localDims = gridSize * gridSize
)

// localEmbedder computes a perceptual descriptor: the source image is
// downsampled to a small grayscale grid, mean-centered and L2-normalized.
// Near-duplicate photos (same scene, slightly different crop/exposure/
// compression) downsample to nearly the same grid, so cosine similarity
// between two descriptors tracks visual similarity well enough to group
// them, without requiring any trained model or model file on disk.
type localEmbedder struct{}

// NewLocalEmbedder returns the built-in Embedder.
func NewLocalEmbedder() Embedder { return localEmbedder{} }

func (localEmbedder) Name() string { return "local-grid-v1" }

func (localEmbedder) Dim() int { return localDims }

func (localEmbedder) Encode(img image.Image) ([]float32, error) {
	gray := image.NewGray(image.Rect(0, 0, gridSize, gridSize))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Over, nil)

	vec := make([]float32, localDims)
	var sum float64
	for y := 0; y < gridSize; y++ {
		for x := 0; x < gridSize; x++ {
			g := color.GrayModel.Convert(gray.At(x, y)).(color.Gray)
			v := float64(g.Y)
			vec[y*gridSize+x] = float32(v)
			sum += v
		}
	}

	mean := sum / float64(localDims)
	var norm float64
	for i := range vec {
		centered := float64(vec[i]) - mean
		vec[i] = float32(centered)
		norm += centered * centered
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
