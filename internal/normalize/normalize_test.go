package normalize

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNormalizeBounds(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"Landscape downscale", 400, 200, 100, 100, 100, 50},
		{"Portrait downscale", 150, 600, 100, 100, 25, 100},
		{"Already fits", 80, 60, 100, 100, 80, 60},
		{"Never upscales", 10, 10, 1024, 1024, 10, 10},
		{"Odd aspect", 333, 101, 128, 128, 128, 38},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(tt.maxW, tt.maxH, 90)
			out, err := n.Normalize(pngBytes(t, tt.w, tt.h))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}

			cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("output is not decodable: %v", err)
			}
			if format != "jpeg" {
				t.Errorf("format = %s, want jpeg", format)
			}
			if cfg.Width > tt.maxW || cfg.Height > tt.maxH {
				t.Errorf("output %dx%d exceeds max %dx%d", cfg.Width, cfg.Height, tt.maxW, tt.maxH)
			}
			if abs(cfg.Width-tt.wantW) > 1 || abs(cfg.Height-tt.wantH) > 1 {
				t.Errorf("output %dx%d, want %dx%d (±1)", cfg.Width, cfg.Height, tt.wantW, tt.wantH)
			}

			// Aspect ratio within one pixel of rounding
			srcRatio := float64(tt.w) / float64(tt.h)
			expectedH := float64(cfg.Width) / srcRatio
			if math.Abs(expectedH-float64(cfg.Height)) > 1.0 {
				t.Errorf("aspect drift: height %d, expected ~%.1f", cfg.Height, expectedH)
			}
		})
	}
}

func TestNormalizeDecodeError(t *testing.T) {
	n := New(100, 100, 90)

	for _, input := range [][]byte{nil, []byte("definitely not an image")} {
		_, err := n.Normalize(input)
		if !errors.Is(err, ErrDecode) {
			t.Errorf("Normalize(%q) error = %v, want ErrDecode", input, err)
		}
		var ie *ImageError
		if !errors.As(err, &ie) || ie.Op != "decode" {
			t.Errorf("expected *ImageError with Op=decode, got %#v", err)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestEncodeErrorKind(t *testing.T) {
	n := New(10, 10, 90)
	err := n.EncodeTo(failingWriter{}, image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if !errors.Is(err, ErrEncode) {
		t.Errorf("EncodeTo() error = %v, want ErrEncode", err)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
