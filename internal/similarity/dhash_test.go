package similarity

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/errors"
)

// gradient draws a horizontal ramp; reversed ramps produce inverse hashes.
func gradient(w, h int, reversed bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := uint8(x * 255 / (w - 1))
			if reversed {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHashIsScaleInvariant(t *testing.T) {
	t.Parallel()

	small := HashImage(gradient(64, 48, false))
	large := HashImage(gradient(640, 480, false))
	assert.LessOrEqual(t, small.Distance(large), 4)
	assert.Greater(t, small.Similarity(large), 0.9)
}

func TestHashSeparatesOppositeImages(t *testing.T) {
	t.Parallel()

	a := HashImage(gradient(100, 100, false))
	b := HashImage(gradient(100, 100, true))
	assert.Greater(t, a.Distance(b), 48)
	assert.Less(t, a.Similarity(b), 0.25)
}

func TestComputeDecodesFormats(t *testing.T) {
	t.Parallel()

	img := gradient(120, 90, true)
	want := HashImage(img)

	got, err := ComputeBytes(encodePNG(t, img))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	got, err = Compute(&buf)
	require.NoError(t, err)
	assert.LessOrEqual(t, want.Distance(got), 4, "jpeg artifacts barely move the hash")
}

func TestComputeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ComputeBytes([]byte("definitely not an image"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}

func TestHashString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "00000000000000ff", Hash(0xff).String())
}

func TestRank(t *testing.T) {
	t.Parallel()

	probe := Hash(0)
	refs := []Reference{
		{Tag: "dog", Hash: Hash(0xffff)}, // 16 bits off
		{Tag: "cat", Hash: Hash(0x1)},    // 1 bit off
		{Tag: "cat", Hash: Hash(0xff)},   // 8 bits off
		{Tag: "bird", Hash: Hash(0x1)},   // ties cat on best, better mean
		{Tag: "fish", Hash: ^Hash(0)},    // inverse
	}

	scores := Rank(probe, refs)
	require.Len(t, scores, 4)
	assert.Equal(t, []string{"bird", "cat", "dog", "fish"},
		[]string{scores[0].Tag, scores[1].Tag, scores[2].Tag, scores[3].Tag})

	cat := scores[1]
	assert.Equal(t, 2, cat.References)
	assert.InDelta(t, 63.0/64, cat.Best, 1e-9)
	assert.InDelta(t, (63.0/64+56.0/64)/2, cat.Mean, 1e-9)
	assert.InDelta(t, 0, scores[3].Best, 1e-9)

	assert.Empty(t, Rank(probe, nil))
}
