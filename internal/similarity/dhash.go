// Package similarity compares images locally with a difference hash (dHash). It backs the
// comparison fallback when no remote model can be used.
package similarity

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"math/bits"

	_ "golang.org/x/image/bmp" // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/tphakala/questvision/internal/errors"
)

// hashWidth is one column wider than the hash so each row yields eight gradients.
const (
	hashWidth  = 9
	hashHeight = 8
	hashBits   = 64
)

// Hash is a 64-bit difference hash.
type Hash uint64

// String renders the hash as 16 hex digits.
func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Distance is the Hamming distance between two hashes.
func (h Hash) Distance(other Hash) int {
	return bits.OnesCount64(uint64(h ^ other))
}

// Similarity maps the distance to [0,1], where 1 means identical hashes.
func (h Hash) Similarity(other Hash) float64 {
	return 1 - float64(h.Distance(other))/hashBits
}

// Compute decodes an image from r and hashes it.
func Compute(r io.Reader) (Hash, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return 0, errors.New(err).
			Component("similarity").
			Category(errors.CategoryImageDecode).
			Build()
	}
	if b := img.Bounds(); b.Empty() {
		return 0, errors.Newf("empty %s image", format).
			Component("similarity").
			Category(errors.CategoryImageDecode).
			Build()
	}
	return HashImage(img), nil
}

// ComputeBytes hashes an encoded image held in memory.
func ComputeBytes(data []byte) (Hash, error) {
	return Compute(bytes.NewReader(data))
}

// HashImage shrinks img to 9x8 grayscale and sets one bit per pixel that is brighter than
// its right neighbour.
func HashImage(img image.Image) Hash {
	small := image.NewGray(image.Rect(0, 0, hashWidth, hashHeight))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var h Hash
	for y := range hashHeight {
		for x := range hashWidth - 1 {
			h <<= 1
			if luma(small, x, y) > luma(small, x+1, y) {
				h |= 1
			}
		}
	}
	return h
}

func luma(img *image.Gray, x, y int) uint8 {
	return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
}
