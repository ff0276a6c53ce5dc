package util

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAllowedImage(t *testing.T) {
	for name, want := range map[string]bool{
		"a.png":     true,
		"A.JPG":     true,
		"b.jpeg":    true,
		"c.webp":    true,
		"d.gif":     true,
		"e.heic":    true,
		"f.bmp":     false,
		"noext":     false,
		"":          false,
		"archive.z": false,
	} {
		assert.Equal(t, want, AllowedImage(name), name)
	}
}

func TestSecureFilename(t *testing.T) {
	assert.Equal(t, "passwd", SecureFilename("../../etc/passwd"))
	assert.Equal(t, "my_cat.png", SecureFilename("my cat.png"))
	assert.Equal(t, "x.png", SecureFilename(`C:\Users\me\x.png`))
	assert.Equal(t, "png", SecureFilename("剪纸.png"))
	assert.Equal(t, "", SecureFilename("..."))
	assert.Equal(t, "a-b_c.jpg", SecureFilename(`a-b_c".jpg`))
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", HashBytes(nil))
	assert.Len(t, HashBytes([]byte("heritage")), 32)
}

func TestProcessImageToJPEG(t *testing.T) {
	out, err := ProcessImageToJPEG(pngBytes(t), ".png")
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestProcessImageToJPEGRejectsGarbage(t *testing.T) {
	_, err := ProcessImageToJPEG([]byte("not an image"), ".jpg")
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestProcessLivp(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("IMG_0001.png")
	require.NoError(t, err)
	_, err = w.Write(pngBytes(t))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := ProcessImageToJPEG(buf.Bytes(), ".livp")
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(out))
	assert.NoError(t, err)
}
