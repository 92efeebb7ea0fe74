package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hako/durafmt"
)

var (
	ErrDownload = errors.New("download failed")
	// ErrCorrupt means a cached file no longer matches what was downloaded.
	ErrCorrupt = errors.New("cached file corrupt")
	// ErrUnverified means there is no recorded checksum to verify against.
	ErrUnverified = errors.New("no recorded checksum")
)

// Paths are the local files of an installed model.
type Paths struct {
	Weights string
	Labels  string
}

// Resolver makes models available in a local cache directory, downloading them
// from the hub on first use. Concurrent Resolve calls for different ids are
// safe; two processes resolving the same id at once are not coordinated.
type Resolver struct {
	dir      string
	baseURL  string
	client   *http.Client
	manifest *Manifest
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithManifest records checksums of downloaded files and uses them to detect
// truncated or replaced cache files.
func WithManifest(m *Manifest) Option {
	return func(r *Resolver) { r.manifest = m }
}

func NewResolver(dir, baseURL string, opts ...Option) *Resolver {
	r := &Resolver{
		dir:     dir,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resolver) Dir() string { return r.dir }

func (r *Resolver) paths(d Descriptor) Paths {
	return Paths{
		Weights: filepath.Join(r.dir, d.WeightsName()),
		Labels:  filepath.Join(r.dir, d.LabelsName()),
	}
}

// Resolve returns the cached files for id, downloading whichever is missing.
// A download is attempted once; failures wrap ErrDownload.
func (r *Resolver) Resolve(ctx context.Context, id string, progress Progress) (Paths, error) {
	d, err := Lookup(id)
	if err != nil {
		return Paths{}, err
	}
	if progress == nil {
		progress = Nop
	}
	p := r.paths(d)
	haveWeights := r.installed(p.Weights)
	haveLabels := r.installed(p.Labels)
	if haveWeights && haveLabels {
		slog.Debug("Model already available", slog.String("model", id))
		return p, nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("failed to create model directory: %w", err)
	}

	start := time.Now()
	slog.Info("Downloading model", slog.String("model", id), slog.String("repo", d.Repo))
	progress.Update(0, fmt.Sprintf("Starting download of %s...", id))

	if !haveWeights {
		progress.Update(0.1, fmt.Sprintf("Downloading %s model file...", id))
		if err := r.fetch(ctx, d.fileURL(r.baseURL, d.WeightsFile), p.Weights, span{progress, 0.1, 0.5}); err != nil {
			return Paths{}, err
		}
		progress.Update(0.5, "Model file downloaded")
	}
	if !haveLabels {
		progress.Update(0.5, fmt.Sprintf("Downloading %s tags file...", id))
		if err := r.fetch(ctx, d.fileURL(r.baseURL, d.LabelsFile), p.Labels, span{progress, 0.5, 0.9}); err != nil {
			return Paths{}, err
		}
		progress.Update(0.9, "Tags file downloaded")
	}

	progress.Update(1, fmt.Sprintf("Download complete, %s ready to use", id))
	slog.Info("Model downloaded",
		slog.String("model", id),
		slog.String("took", durafmt.Parse(time.Since(start)).LimitFirstN(2).String()))
	return p, nil
}

// installed reports whether path exists as a regular file and, when the
// manifest has an entry for it, whether its size still matches.
func (r *Resolver) installed(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	if r.manifest == nil {
		return true
	}
	e, ok, err := r.manifest.Get(filepath.Base(path))
	if err != nil {
		slog.Warn("Failed to read manifest", slog.String("file", path), slog.String("error", err.Error()))
		return true
	}
	if ok && e.Size != fi.Size() {
		slog.Warn("Cached file size does not match manifest, downloading again",
			slog.String("file", path),
			slog.Int64("want", e.Size),
			slog.Int64("got", fi.Size()))
		return false
	}
	return true
}

func (r *Resolver) fetch(ctx context.Context, url, dst string, progress Progress) error {
	var linkedETag string
	client := *r.client
	next := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		// the hub answers LFS files with a redirect carrying the sha256 of the content
		if req.Response != nil {
			if v := req.Response.Header.Get("X-Linked-Etag"); v != "" {
				linkedETag = v
			}
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownload, url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownload, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: %s", ErrDownload, url, resp.Status)
	}
	if v := resp.Header.Get("X-Linked-Etag"); v != "" {
		linkedETag = v
	}

	tmp := fmt.Sprintf("%s.%s.part", dst, uuid.NewString())
	sum, n, err := writeTemp(tmp, resp.Body, &milestones{total: resp.ContentLength, progress: progress})
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %w", ErrDownload, url, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: got %d of %d bytes", ErrDownload, url, n, resp.ContentLength)
	}
	if want := sha256ETag(linkedETag); want != "" && want != sum {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: sha256 mismatch, want %s got %s", ErrDownload, url, want, sum)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %w", ErrDownload, url, err)
	}

	if r.manifest != nil {
		e := Entry{SHA256: sum, Size: n, URL: url, DownloadedAt: time.Now().UTC()}
		if err := r.manifest.Put(filepath.Base(dst), e); err != nil {
			slog.Warn("Failed to record manifest entry", slog.String("file", dst), slog.String("error", err.Error()))
		}
	}
	slog.Debug("Saved file", slog.String("path", dst), slog.Int64("bytes", n))
	return nil
}

func writeTemp(path string, body io.Reader, progress io.Writer) (string, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h, progress), body)
	if err != nil {
		f.Close()
		return "", n, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", n, err
	}
	if err := f.Close(); err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// sha256ETag extracts a sha256 digest from an etag value, or "" if it is not one.
func sha256ETag(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "W/")
	v = strings.ToLower(strings.Trim(v, `"`))
	if sha256Hex.MatchString(v) {
		return v
	}
	return ""
}

// milestones reports every quarter of a known length, or a single midpoint
// once data starts flowing when the length is unknown.
type milestones struct {
	total    int64
	written  int64
	next     float64
	progress Progress
}

func (m *milestones) Write(p []byte) (int, error) {
	m.written += int64(len(p))
	if m.total <= 0 {
		if m.next == 0 && m.written > 0 {
			m.next = 1
			m.progress.Update(0.5, "Downloading...")
		}
		return len(p), nil
	}
	if m.next == 0 {
		m.next = 0.25
	}
	frac := float64(m.written) / float64(m.total)
	for m.next < 1 && frac >= m.next {
		m.progress.Update(m.next, fmt.Sprintf("Downloading... %d%%", int(m.next*100)))
		m.next += 0.25
	}
	return len(p), nil
}

type ModelStatus struct {
	Descriptor
	Installed bool
}

// Status lists every supported model and whether it is in the cache.
func (r *Resolver) Status() []ModelStatus {
	out := make([]ModelStatus, 0, len(descriptors))
	for _, d := range descriptors {
		p := r.paths(d)
		out = append(out, ModelStatus{
			Descriptor: d,
			Installed:  r.installed(p.Weights) && r.installed(p.Labels),
		})
	}
	return out
}

// Verify hashes the cached files of id and compares them with the manifest.
func (r *Resolver) Verify(id string) error {
	d, err := Lookup(id)
	if err != nil {
		return err
	}
	p := r.paths(d)
	for _, path := range []string{p.Weights, p.Labels} {
		name := filepath.Base(path)
		if r.manifest == nil {
			return fmt.Errorf("%w: %s", ErrUnverified, name)
		}
		e, ok, err := r.manifest.Get(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnverified, name)
		}
		sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorrupt, name, err)
		}
		if sum != e.SHA256 {
			return fmt.Errorf("%w: %s: sha256 %s, recorded %s", ErrCorrupt, name, sum, e.SHA256)
		}
	}
	return nil
}

// Remove deletes the cached files of id so the next Resolve downloads them again.
func (r *Resolver) Remove(id string) error {
	d, err := Lookup(id)
	if err != nil {
		return err
	}
	p := r.paths(d)
	for _, path := range []string{p.Weights, p.Labels} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if r.manifest != nil {
			if err := r.manifest.Delete(filepath.Base(path)); err != nil {
				return err
			}
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
