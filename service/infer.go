package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/krau/wd14nodes/hub"
)

const gpuFallbackNotice = "GPU not available, running on CPU"

type loadedModel struct {
	id      string
	useGPU  bool
	backend Backend
	labels  []Label
	pre     hub.Preprocess
}

// Tagger runs WD14 models. The most recently used model stays loaded so a
// batch over one folder opens the session once.
type Tagger struct {
	resolver ModelResolver
	open     BackendOpener

	mu    sync.Mutex
	model *loadedModel
}

func NewTagger(resolver ModelResolver, open BackendOpener) *Tagger {
	return &Tagger{resolver: resolver, open: open}
}

func (t *Tagger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unload()
}

func (t *Tagger) unload() error {
	if t.model == nil {
		return nil
	}
	err := t.model.backend.Close()
	t.model = nil
	return err
}

func validateOptions(o Options) error {
	if o.GeneralThreshold < 0 || o.GeneralThreshold > 1 {
		return fmt.Errorf("%w: general threshold %v out of [0, 1]", ErrInput, o.GeneralThreshold)
	}
	if o.CharacterThreshold < 0 || o.CharacterThreshold > 1 {
		return fmt.Errorf("%w: character threshold %v out of [0, 1]", ErrInput, o.CharacterThreshold)
	}
	return nil
}

// Tag runs the model over one image and, when OutputDir is set, writes the
// tag string next to it. Nothing is written when any step fails.
func (t *Tagger) Tag(ctx context.Context, req Request) (*Result, error) {
	id, err := hub.ParseModelID(req.Model)
	if err != nil {
		return nil, err
	}
	if err := validateOptions(req.Options); err != nil {
		return nil, err
	}
	if req.Image == nil || req.Image.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image %q", ErrInput, req.Filename)
	}
	if req.OutputDir != "" {
		if _, err := SidecarPath(req.OutputDir, req.Filename); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.load(ctx, id, req.UseGPU, req.Progress)
	if err != nil {
		return nil, err
	}

	input, err := Preprocess(req.Image, m.pre)
	if err != nil {
		return nil, err
	}
	scores, err := m.backend.Run(input, m.pre.Shape())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if len(scores) != len(m.labels) {
		return nil, fmt.Errorf("%w: model returned %d scores for %d labels", ErrInference, len(scores), len(m.labels))
	}

	sel, tags := Postprocess(scores, m.labels, req.Options)
	res := &Result{
		Tags:      tags,
		Rating:    sel.Rating,
		Character: sel.Character,
		General:   sel.General,
		Model:     id,
		Provider:  m.backend.Provider(),
	}
	if req.UseGPU && res.Provider != "cuda" {
		res.Notice = gpuFallbackNotice
	}

	if req.OutputDir != "" {
		path, err := WriteTags(req.OutputDir, req.Filename, tags)
		if err != nil {
			return nil, err
		}
		res.File = path
		slog.Info("Saved tags", slog.String("path", path))
	}
	slog.Debug("Tagged image",
		slog.String("file", req.Filename),
		slog.String("model", id),
		slog.Int("tags", len(sel.Character)+len(sel.General)))
	return res, nil
}

func (t *Tagger) load(ctx context.Context, id string, useGPU bool, progress hub.Progress) (*loadedModel, error) {
	if t.model != nil && t.model.id == id && t.model.useGPU == useGPU {
		return t.model, nil
	}
	d, err := hub.Lookup(id)
	if err != nil {
		return nil, err
	}
	paths, err := t.resolver.Resolve(ctx, id, progress)
	if err != nil {
		return nil, err
	}
	labels, err := LoadLabels(paths.Labels)
	if err != nil {
		return nil, err
	}

	if err := t.unload(); err != nil {
		slog.Warn("Failed to release previous model", slog.String("error", err.Error()))
	}
	backend, err := t.open(paths.Weights, useGPU)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, id, err)
	}
	if useGPU && backend.Provider() != "cuda" {
		slog.Warn(gpuFallbackNotice, slog.String("model", id))
	}

	pre := d.Preprocess
	if s, ok := backend.(interface{ InputSize() int }); ok {
		if size := s.InputSize(); size > 0 && size != pre.Size {
			slog.Warn("Model input size differs from table, using the model's",
				slog.String("model", id), slog.Int("table", pre.Size), slog.Int("model_size", size))
			pre.Size = size
		}
	}

	t.model = &loadedModel{id: id, useGPU: useGPU, backend: backend, labels: labels, pre: pre}
	slog.Info("Model loaded",
		slog.String("model", id),
		slog.String("provider", backend.Provider()),
		slog.Int("labels", len(labels)))
	return t.model, nil
}

type BatchItem struct {
	Filename string
	Result   *Result
	Err      error
}

// TagBatch tags every image of a loaded folder, one progress step per image.
// Errors for a single image are recorded on its item; errors that would fail
// every image (unknown model, download or load failure) stop the batch.
func (t *Tagger) TagBatch(ctx context.Context, b *Batch, tmpl Request, progress hub.Progress) ([]BatchItem, error) {
	if progress == nil {
		progress = hub.Nop
	}
	if _, err := hub.ParseModelID(tmpl.Model); err != nil {
		return nil, err
	}
	if err := validateOptions(tmpl.Options); err != nil {
		return nil, err
	}
	items := make([]BatchItem, 0, len(b.Images))
	for i, img := range b.Images {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		req := tmpl
		req.Image = img
		req.Filename = b.Filenames[i]
		res, err := t.Tag(ctx, req)
		if err != nil && fatalForBatch(err) {
			return items, err
		}
		items = append(items, BatchItem{Filename: req.Filename, Result: res, Err: err})

		msg := fmt.Sprintf("Image %d/%d - %s", i+1, len(b.Images), req.Filename)
		if err != nil {
			slog.Error("Failed to tag image", slog.String("file", req.Filename), slog.String("error", err.Error()))
		} else {
			msg += fmt.Sprintf(" - %d tags", len(res.Character)+len(res.General))
		}
		progress.Update(float64(i+1)/float64(len(b.Images)), msg)
	}
	return items, nil
}

func fatalForBatch(err error) bool {
	return errors.Is(err, hub.ErrUnknownModel) ||
		errors.Is(err, hub.ErrDownload) ||
		errors.Is(err, ErrModelLoad)
}
