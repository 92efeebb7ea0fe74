package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/wd14nodes/config"
	"github.com/krau/wd14nodes/hub"
	"github.com/krau/wd14nodes/logger"
	"github.com/krau/wd14nodes/nodes"
	"github.com/krau/wd14nodes/onnx"
	"github.com/krau/wd14nodes/server"
	"github.com/krau/wd14nodes/service"
)

const usage = `usage: wd14nodes <command> [flags]

commands:
  serve      run the HTTP node host (default)
  tag        tag every image in a folder
  download   fetch models into the cache
  models     list models and whether they are cached
  verify     check cached models against recorded checksums
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	logger.Init(config.C().Log)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = serve(ctx)
	case "tag":
		err = tagFolder(ctx, args)
	case "download":
		err = download(ctx, args)
	case "models":
		err = listModels()
	case "verify":
		err = verify(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Command failed", slog.String("command", cmd), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func openResolver() (*hub.Resolver, func(), error) {
	dir := config.C().ModelDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	m, err := hub.OpenManifest(filepath.Join(dir, ".manifest"))
	if err != nil {
		return nil, nil, err
	}
	r := hub.NewResolver(dir, config.C().HubURL, hub.WithManifest(m))
	return r, func() { m.Close() }, nil
}

func openBackend(path string, useGPU bool) (service.Backend, error) {
	s, err := onnx.Open(path, useGPU)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newTagger(r *hub.Resolver) (*service.Tagger, func(), error) {
	if err := onnx.Init(config.C().Libonnx); err != nil {
		return nil, nil, err
	}
	t := service.NewTagger(r, openBackend)
	return t, func() {
		t.Close()
		onnx.Destroy()
	}, nil
}

func serve(ctx context.Context) error {
	slog.Info("Starting WD14 node host")
	r, closeResolver, err := openResolver()
	if err != nil {
		return err
	}
	defer closeResolver()
	tagger, closeTagger, err := newTagger(r)
	if err != nil {
		return err
	}
	defer closeTagger()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    config.C().Host + ":" + config.C().Port,
		Handler: server.New(config.C(), tagger, r).Router(),
	}
	slog.Info("Listening on", slog.String("address", srv.Addr))
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func tagFolder(ctx context.Context, args []string) error {
	c := config.C()
	fs := flag.NewFlagSet("tag", flag.ExitOnError)
	input := fs.String("input", "", "folder with images to tag")
	output := fs.String("output", "", "folder for .txt tag files (default: input)")
	model := fs.String("model", c.Model, "model id")
	general := fs.Float64("threshold", float64(c.GeneralThreshold), "general tag threshold")
	character := fs.Float64("character-threshold", float64(c.CharacterThreshold), "character tag threshold")
	replace := fs.Bool("replace-underscore", c.ReplaceUnderscore, "replace underscores with spaces")
	gpu := fs.Bool("gpu", c.UseGPU, "use CUDA when available")
	prepend := fs.String("prepend", "", "comma separated tags to put first")
	exclude := fs.String("exclude", "", "comma separated tags to drop")
	_ = fs.Parse(args)
	if *input == "" {
		fs.Usage()
		return errors.New("missing required -input folder")
	}

	batch, err := service.LoadFolder(*input)
	if err != nil {
		return err
	}
	if len(batch.Images) == 0 {
		slog.Warn("No images found", slog.String("folder", *input))
		return nil
	}
	outDir := *output
	if outDir == "" {
		outDir = batch.Folder
	}

	r, closeResolver, err := openResolver()
	if err != nil {
		return err
	}
	defer closeResolver()
	tagger, closeTagger, err := newTagger(r)
	if err != nil {
		return err
	}
	defer closeTagger()

	req := service.Request{
		OutputDir: outDir,
		Model:     *model,
		UseGPU:    *gpu,
		Options: service.Options{
			GeneralThreshold:   float32(*general),
			CharacterThreshold: float32(*character),
			ReplaceUnderscore:  *replace,
			PrependTags:        *prepend,
			ExcludeTags:        *exclude,
		},
		Progress: hub.NewBarProgress(os.Stderr, "downloading "+*model),
	}
	items, err := tagger.TagBatch(ctx, batch, req, hub.NewBarProgress(os.Stderr, "tagging"))
	if err != nil {
		return err
	}
	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
			continue
		}
		if it.Result.Notice != "" {
			slog.Warn(it.Result.Notice)
			break
		}
	}
	slog.Info("Tagging finished",
		slog.Int("tagged", len(items)-failed),
		slog.Int("failed", failed),
		slog.String("output", outDir))
	return nil
}

func download(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	model := fs.String("model", config.C().Model, "model id")
	all := fs.Bool("all", false, "download every supported model")
	_ = fs.Parse(args)

	ids := []string{*model}
	if *all {
		ids = ids[:0]
		for _, d := range hub.Models() {
			ids = append(ids, d.ID)
		}
	}
	r, closeResolver, err := openResolver()
	if err != nil {
		return err
	}
	defer closeResolver()
	for _, id := range ids {
		id, err := hub.ParseModelID(id)
		if err != nil {
			return err
		}
		p, err := r.Resolve(ctx, id, hub.NewBarProgress(os.Stderr, id))
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", id, p.Weights, p.Labels)
	}
	return nil
}

func listModels() error {
	r, closeResolver, err := openResolver()
	if err != nil {
		return err
	}
	defer closeResolver()
	for _, s := range r.Status() {
		fmt.Println(nodes.ModelChoice(s))
	}
	return nil
}

func verify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	model := fs.String("model", "", "model id (default: every cached model)")
	remove := fs.Bool("remove", false, "delete corrupt files so the next run downloads them again")
	_ = fs.Parse(args)

	r, closeResolver, err := openResolver()
	if err != nil {
		return err
	}
	defer closeResolver()

	var bad int
	for _, s := range r.Status() {
		if (*model != "" && s.ID != *model) || (*model == "" && !s.Installed) {
			continue
		}
		err := r.Verify(s.ID)
		switch {
		case err == nil:
			fmt.Printf("%s\tok\n", s.ID)
		case errors.Is(err, hub.ErrCorrupt):
			bad++
			fmt.Printf("%s\tcorrupt: %v\n", s.ID, err)
			if *remove {
				if err := r.Remove(s.ID); err != nil {
					return err
				}
			}
		default:
			fmt.Printf("%s\t%v\n", s.ID, err)
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d corrupt model(s)", bad)
	}
	return nil
}
