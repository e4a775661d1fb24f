package cmd

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/glimpse/internal/blob"
	"github.com/andresmejia3/glimpse/internal/config"
	"github.com/andresmejia3/glimpse/internal/metrics"
	"github.com/andresmejia3/glimpse/internal/normalize"
	"github.com/andresmejia3/glimpse/internal/store"
	"github.com/andresmejia3/glimpse/internal/types"
)

// colorEmbedder maps an image to its share of red and blue, so red images land near [1,0] and
// blue ones near [0,1].
type colorEmbedder struct{}

func (colorEmbedder) Embed(ctx context.Context, encoded []byte) ([]float32, error) {
	img, err := normalize.Decode(encoded)
	if err != nil {
		return nil, err
	}
	var r, b float64
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			pr, _, pb, _ := img.At(x, y).RGBA()
			r += float64(pr)
			b += float64(pb)
		}
	}
	if r+b == 0 {
		return []float32{0.5, 0.5}, nil
	}
	return []float32{float32(r / (r + b)), float32(b / (r + b))}, nil
}

type fakeDetector struct {
	detections []types.Detection
}

func (f fakeDetector) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	return f.detections, nil
}

var (
	red  = color.RGBA{220, 10, 10, 255}
	blue = color.RGBA{10, 10, 220, 255}
)

// pngOf draws an image whose left half is left and right half is right.
func pngOf(t *testing.T, w, h int, left, right color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testApp(t *testing.T) *app {
	t.Helper()
	c := config.Default()
	c.Embed.Dimension = 2
	c.Index.Backend = config.BackendMemory
	c.Blob.Root = t.TempDir()
	c.OutputDir = t.TempDir()
	c.K = 2
	c.Workers = 2

	return &app{
		cfg:        &c,
		logger:     slog.New(slog.DiscardHandler),
		metrics:    metrics.New(),
		stderr:     io.Discard,
		normalizer: normalize.New(64, 64, 90),
		index:      store.NewMemory(2),
		blobs:      blob.NewLocal(c.Blob.Root),
		embedder:   colorEmbedder{},
	}
}

func seedCatalog(t *testing.T, a *app) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.blobs.Put(ctx, "catalog/red.png", pngOf(t, 32, 32, red, red)))
	require.NoError(t, a.blobs.Put(ctx, "catalog/blue.png", pngOf(t, 32, 32, blue, blue)))
}

func TestRunIngestAndRetry(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	seedCatalog(t, a)
	require.NoError(t, a.blobs.Put(ctx, "catalog/broken.jpg", []byte("not an image")))
	require.NoError(t, a.blobs.Put(ctx, "catalog/notes.txt", []byte("ignored")))

	reportPath := filepath.Join(t.TempDir(), "report.json")
	var out bytes.Buffer
	report, err := runIngest(ctx, a, ingestOptions{Prefix: "catalog/", ReportPath: reportPath}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 images failed")
	assert.Equal(t, 2, report.Succeeded)
	assert.Contains(t, out.String(), "catalog/broken.jpg [normalize]")
	assert.Contains(t, out.String(), "--retry-from "+reportPath)

	// Fix the bad object and retry just that key
	require.NoError(t, a.blobs.Put(ctx, "catalog/broken.jpg", pngOf(t, 16, 16, red, blue)))
	out.Reset()
	report, err = runIngest(ctx, a, ingestOptions{RetryFrom: reportPath}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Succeeded)

	n, err := a.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunIngestNothingToDo(t *testing.T) {
	var out bytes.Buffer
	report, err := runIngest(context.Background(), testApp(t), ingestOptions{}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.Contains(t, out.String(), "No images found")
}

func TestRunSearch(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	seedCatalog(t, a)
	_, err := runIngest(ctx, a, ingestOptions{}, io.Discard)
	require.NoError(t, err)

	query := filepath.Join(t.TempDir(), "query.png")
	require.NoError(t, os.WriteFile(query, pngOf(t, 40, 40, red, red), 0644))

	var out bytes.Buffer
	results, err := runSearch(ctx, a, query, searchOptions{Concurrency: 2}, &out)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "catalog/red.png", results[0].Key)
	assert.Equal(t, "catalog/blue.png", results[1].Key)

	_, err = os.Stat(filepath.Join(a.cfg.OutputDir, "catalog", "red.png"))
	assert.NoError(t, err, "top match downloaded")
	assert.Contains(t, out.String(), "catalog/red.png")
}

func TestRunSearchEmptyIndex(t *testing.T) {
	a := testApp(t)
	query := filepath.Join(t.TempDir(), "query.png")
	require.NoError(t, os.WriteFile(query, pngOf(t, 8, 8, red, red), 0644))

	var out bytes.Buffer
	results, err := runSearch(context.Background(), a, query, searchOptions{NoDownload: true}, &out)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Contains(t, out.String(), "No matches")
}

func TestRunExtract(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	seedCatalog(t, a)
	_, err := runIngest(ctx, a, ingestOptions{}, io.Discard)
	require.NoError(t, err)

	a.detector = fakeDetector{detections: []types.Detection{
		{Label: "Shoe", Confidence: 97, Boxes: []types.BoundingBox{
			{Left: 0, Top: 0, Width: 0.5, Height: 1},
			{Left: 0.5, Top: 0, Width: 0.5, Height: 1},
		}},
		{Label: "Person", Confidence: 90, Boxes: []types.BoundingBox{{Left: 0, Top: 0, Width: 1, Height: 1}}},
	}}

	src := filepath.Join(t.TempDir(), "street.png")
	require.NoError(t, os.WriteFile(src, pngOf(t, 80, 40, red, blue), 0644))

	var out bytes.Buffer
	found, err := runExtract(ctx, a, src, extractOptions{Search: true, Concurrency: 1}, &out)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, image.Rect(0, 0, 40, 40), found[0].PixelBox)
	assert.Equal(t, image.Rect(40, 0, 80, 40), found[1].PixelBox)

	for _, name := range []string{"street_shoe_1.jpg", "street_shoe_2.jpg"} {
		_, err := os.Stat(filepath.Join(a.cfg.OutputDir, name))
		assert.NoError(t, err, name)
	}
	// Region 1 is the red half, region 2 the blue half
	_, err = os.Stat(filepath.Join(a.cfg.OutputDir, "street_shoe_1", "catalog", "red.png"))
	assert.NoError(t, err)

	text := out.String()
	first := strings.Index(text, "Matches for region 1")
	second := strings.Index(text, "Matches for region 2")
	require.True(t, first >= 0 && second > first, text)
	assert.Less(t, strings.Index(text[first:], "catalog/red.png"), strings.Index(text[first:], "catalog/blue.png"))
}

func TestRunExtractNoMatch(t *testing.T) {
	a := testApp(t)
	a.detector = fakeDetector{detections: []types.Detection{{Label: "Person", Boxes: []types.BoundingBox{{Width: 1, Height: 1}}}}}

	src := filepath.Join(t.TempDir(), "person.png")
	require.NoError(t, os.WriteFile(src, pngOf(t, 10, 10, red, red), 0644))

	var out bytes.Buffer
	found, err := runExtract(context.Background(), a, src, extractOptions{}, &out)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Contains(t, out.String(), `No "Shoe" found`)
}

func TestRunList(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	seedCatalog(t, a)
	_, err := runIngest(ctx, a, ingestOptions{}, io.Discard)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runList(ctx, a, "", &out))
	assert.Contains(t, out.String(), "catalog/blue.png")
	assert.Contains(t, out.String(), "2 images in storage, 2 records in the memory index.")
}

func TestFlagsDoNotCollide(t *testing.T) {
	for _, c := range rootCmd.Commands() {
		t.Run(c.Name(), func(t *testing.T) {
			assert.NotPanics(t, func() {
				c.InheritedFlags()
				c.LocalFlags()
				c.Flags()
			})
		})
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		r := bufio.NewReader(strings.NewReader(tt.input))
		assert.Equal(t, tt.want, confirm(r, io.Discard, "sure?"), "input %q", tt.input)
	}
}
