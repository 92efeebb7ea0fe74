package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/krau/wd14nodes/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	scores   []float32
	provider string
	err      error
	shapes   [][]int64
	inputs   [][]float32
	closed   bool
}

func (b *stubBackend) Run(input []float32, shape []int64) ([]float32, error) {
	b.inputs = append(b.inputs, input)
	b.shapes = append(b.shapes, shape)
	if b.err != nil {
		return nil, b.err
	}
	return b.scores, nil
}

func (b *stubBackend) Provider() string { return b.provider }

func (b *stubBackend) Close() error {
	b.closed = true
	return nil
}

type stubResolver struct {
	dir   string
	calls int
	err   error
}

func (r *stubResolver) Resolve(_ context.Context, id string, _ hub.Progress) (hub.Paths, error) {
	r.calls++
	if r.err != nil {
		return hub.Paths{}, r.err
	}
	return hub.Paths{
		Weights: filepath.Join(r.dir, id+".onnx"),
		Labels:  filepath.Join(r.dir, id+".csv"),
	}, nil
}

func labelsCSV(labels []Label) string {
	var sb strings.Builder
	sb.WriteString("tag_id,name,category,count\n")
	for i, l := range labels {
		cat := int(l.Category)
		if l.Category == Other {
			cat = 1
		}
		fmt.Fprintf(&sb, "%d,%s,%d,1\n", i, l.Name, cat)
	}
	return sb.String()
}

func newTestTagger(t *testing.T, backend *stubBackend) (*Tagger, *stubResolver, *[]string) {
	t.Helper()
	dir := t.TempDir()
	for _, d := range hub.Models() {
		require.NoError(t, os.WriteFile(filepath.Join(dir, d.LabelsName()), []byte(labelsCSV(testLabels)), 0o644))
	}
	r := &stubResolver{dir: dir}
	var opened []string
	open := func(path string, useGPU bool) (Backend, error) {
		opened = append(opened, filepath.Base(path))
		b := backend
		if b.provider == "" {
			b.provider = "cpu"
			if useGPU {
				b.provider = "cuda"
			}
		}
		return b, nil
	}
	tg := NewTagger(r, open)
	t.Cleanup(func() { tg.Close() })
	return tg, r, &opened
}

func goldenRequest(model, outDir string) Request {
	return Request{
		Image:     solid(64, 48, color.NRGBA{R: 200, G: 30, B: 90, A: 255}),
		Filename:  "fixture.png",
		OutputDir: outDir,
		Model:     model,
		Options: Options{
			GeneralThreshold:   0.35,
			CharacterThreshold: 0.85,
			ReplaceUnderscore:  true,
			PrependTags:        "masterpiece",
			ExcludeTags:        "Twintails",
		},
	}
}

const goldenTags = "masterpiece, general, hatsune miku, 1girl, long hair, ^_^"

func TestTagGoldenPerModel(t *testing.T) {
	for _, d := range hub.Models() {
		t.Run(d.ID, func(t *testing.T) {
			backend := &stubBackend{scores: testScores}
			tg, _, _ := newTestTagger(t, backend)
			out := t.TempDir()

			res, err := tg.Tag(context.Background(), goldenRequest(d.ID, out))
			require.NoError(t, err)
			assert.Equal(t, goldenTags, res.Tags)
			assert.Equal(t, d.ID, res.Model)
			assert.Empty(t, res.Notice)

			require.Len(t, backend.shapes, 1)
			assert.Equal(t, d.Preprocess.Shape(), backend.shapes[0])
			assert.Len(t, backend.inputs[0], 3*d.Preprocess.Size*d.Preprocess.Size)
			centre := (d.Preprocess.Size/2*d.Preprocess.Size + d.Preprocess.Size/2) * 3
			assert.InDeltaSlice(t, []float32{90, 30, 200}, backend.inputs[0][centre:centre+3], 1)

			b, err := os.ReadFile(filepath.Join(out, "fixture.txt"))
			require.NoError(t, err)
			assert.Equal(t, goldenTags, string(b))
			assert.Equal(t, filepath.Join(out, "fixture.txt"), res.File)
		})
	}
}

func TestTagDropdownModelName(t *testing.T) {
	tg, _, _ := newTestTagger(t, &stubBackend{scores: testScores})
	res, err := tg.Tag(context.Background(), goldenRequest("wd-vit-tagger-v3|✅ WD ViT Tagger v3 (wd-vit-tagger-v3)", ""))
	require.NoError(t, err)
	assert.Equal(t, "wd-vit-tagger-v3", res.Model)
	assert.Empty(t, res.File)
}

func TestTagGPUFallback(t *testing.T) {
	tg, _, _ := newTestTagger(t, &stubBackend{scores: testScores, provider: "cpu"})
	req := goldenRequest("wd-swinv2-tagger-v3", "")
	req.UseGPU = true
	res, err := tg.Tag(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cpu", res.Provider)
	assert.Equal(t, gpuFallbackNotice, res.Notice)
	assert.Equal(t, goldenTags, res.Tags)
}

func TestTagKeepsModelLoaded(t *testing.T) {
	backend := &stubBackend{scores: testScores}
	tg, r, opened := newTestTagger(t, backend)

	for range 3 {
		_, err := tg.Tag(context.Background(), goldenRequest("wd-vit-tagger-v3", ""))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, []string{"wd-vit-tagger-v3.onnx"}, *opened)

	_, err := tg.Tag(context.Background(), goldenRequest("wd-convnext-tagger-v3", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, r.calls)
	assert.True(t, backend.closed, "previous model released")
}

func TestTagFailuresWriteNothing(t *testing.T) {
	cases := map[string]struct {
		backend  *stubBackend
		resolve  error
		mutate   func(*Request)
		sentinel error
	}{
		"download": {
			backend:  &stubBackend{scores: testScores},
			resolve:  fmt.Errorf("%w: boom", hub.ErrDownload),
			sentinel: hub.ErrDownload,
		},
		"inference": {
			backend:  &stubBackend{err: errors.New("provider mismatch")},
			sentinel: ErrInference,
		},
		"score count": {
			backend:  &stubBackend{scores: testScores[:3]},
			sentinel: ErrInference,
		},
		"empty image": {
			backend:  &stubBackend{scores: testScores},
			mutate:   func(r *Request) { r.Image = nil },
			sentinel: ErrInput,
		},
		"threshold": {
			backend:  &stubBackend{scores: testScores},
			mutate:   func(r *Request) { r.GeneralThreshold = 2 },
			sentinel: ErrInput,
		},
		"unknown model": {
			backend:  &stubBackend{scores: testScores},
			mutate:   func(r *Request) { r.Model = "wd14-moat" },
			sentinel: hub.ErrUnknownModel,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tg, r, _ := newTestTagger(t, tc.backend)
			r.err = tc.resolve
			out := t.TempDir()
			req := goldenRequest("wd-eva02-large-tagger-v3", out)
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			_, err := tg.Tag(context.Background(), req)
			require.ErrorIs(t, err, tc.sentinel)

			entries, err := os.ReadDir(out)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestTagCorruptLabels(t *testing.T) {
	tg, r, _ := newTestTagger(t, &stubBackend{scores: testScores})
	require.NoError(t, os.WriteFile(filepath.Join(r.dir, "wd-vit-tagger-v3.csv"), []byte("garbage"), 0o644))
	_, err := tg.Tag(context.Background(), goldenRequest("wd-vit-tagger-v3", ""))
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestTagBatch(t *testing.T) {
	tg, _, _ := newTestTagger(t, &stubBackend{scores: testScores})
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"))
	writeJPEG(t, filepath.Join(dir, "a.jpg"))
	batch, err := LoadFolder(dir)
	require.NoError(t, err)

	var steps []float64
	items, err := tg.TagBatch(context.Background(), batch, goldenRequest("wd-vit-tagger-v3", dir),
		hub.ProgressFunc(func(f float64, _ string) { steps = append(steps, f) }))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []float64{0.5, 1}, steps)
	for _, it := range items {
		require.NoError(t, it.Err)
		assert.Equal(t, goldenTags, it.Result.Tags)
	}
	assert.FileExists(t, filepath.Join(dir, "a.txt"))
	assert.FileExists(t, filepath.Join(dir, "b.txt"))
}

func TestTagBatchStopsOnDownloadError(t *testing.T) {
	tg, r, _ := newTestTagger(t, &stubBackend{scores: testScores})
	r.err = fmt.Errorf("%w: offline", hub.ErrDownload)
	batch := &Batch{
		Images:    []image.Image{solid(4, 4, color.White), solid(4, 4, color.White)},
		Filenames: []string{"a.png", "b.png"},
	}
	items, err := tg.TagBatch(context.Background(), batch, goldenRequest("wd-vit-tagger-v3", ""), nil)
	assert.ErrorIs(t, err, hub.ErrDownload)
	assert.Empty(t, items)
	assert.Equal(t, 1, r.calls)
}
