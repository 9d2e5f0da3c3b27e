package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/types"
)

func grayFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func pixel(t *testing.T, data []byte, x, y int) (r, g, b uint8) {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
	return c.R, c.G, c.B
}

func TestStyle(t *testing.T) {
	tests := []struct {
		status types.Status
		color  color.RGBA
		label  string
		ok     bool
	}{
		{types.StatusMarked, Green, "Alice - attendance marked", true},
		{types.StatusAlreadyPresent, Yellow, "Present: Alice", true},
		{types.StatusUnknown, Red, "Unknown face", true},
		{types.StatusWaiting, color.RGBA{}, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			c, label, ok := Style(types.Outcome{Status: tt.status, Name: "Alice"})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.color, c)
			assert.Equal(t, tt.label, label)
		})
	}
}

func TestRender_DrawsBox(t *testing.T) {
	frame := grayFrame(t, 160, 120)
	face := &types.Face{Box: [4]int{40, 40, 120, 110}}
	r := New()

	out, err := r.Render(frame, face, types.Outcome{Status: types.StatusMarked, Name: "Alice"})
	require.NoError(t, err)

	red, green, blue := pixel(t, out, 80, 109) // bottom edge
	assert.Greater(t, green, red)
	assert.Greater(t, green, blue)

	out, err = r.Render(frame, face, types.Outcome{Status: types.StatusUnknown})
	require.NoError(t, err)
	red, green, blue = pixel(t, out, 41, 80) // left edge
	assert.Greater(t, red, green)
	assert.Greater(t, red, blue)

	// Centre of the box is untouched.
	red, green, blue = pixel(t, out, 80, 80)
	assert.InDelta(t, 128, int(red), 12)
	assert.InDelta(t, 128, int(green), 12)
	assert.InDelta(t, 128, int(blue), 12)
}

func TestRender_PassThrough(t *testing.T) {
	frame := []byte("not even a jpeg")
	r := New()

	out, err := r.Render(frame, &types.Face{}, types.Outcome{Status: types.StatusWaiting})
	require.NoError(t, err)
	assert.Equal(t, frame, out)

	out, err = r.Render(frame, nil, types.Outcome{Status: types.StatusUnknown})
	require.NoError(t, err)
	assert.Equal(t, frame, out)
}

func TestRender_InvalidFrame(t *testing.T) {
	_, err := New().Render([]byte("garbage"), &types.Face{Box: [4]int{0, 0, 5, 5}}, types.Outcome{Status: types.StatusUnknown})
	assert.ErrorIs(t, err, apperr.ErrInput)
}

func TestRender_BoxOutsideFrame(t *testing.T) {
	frame := grayFrame(t, 64, 48)

	out, err := New().Render(frame, &types.Face{Box: [4]int{-20, -20, 500, 500}}, types.Outcome{Status: types.StatusAlreadyPresent, Name: "Bob"})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}
