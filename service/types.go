package service

import (
	"context"
	"errors"
	"image"

	"github.com/krau/wd14nodes/hub"
)

var (
	// ErrInput covers missing folders, unusable images and bad node inputs.
	ErrInput = errors.New("invalid input")
	// ErrModelLoad means the cached model or label file could not be used.
	ErrModelLoad = errors.New("failed to load model")
	// ErrInference means the runtime failed or returned an unexpected output.
	ErrInference = errors.New("inference failed")
)

type Category int

const (
	General   Category = 0
	Character Category = 4
	Rating    Category = 9
	// Other is any category the tagger does not report.
	Other Category = -1
)

func (c Category) String() string {
	switch c {
	case General:
		return "general"
	case Character:
		return "character"
	case Rating:
		return "rating"
	default:
		return "other"
	}
}

type Label struct {
	Name     string
	Category Category
}

type TagScore struct {
	Tag   string  `json:"tag"`
	Score float32 `json:"score"`
}

// Options are the post-processing inputs of the tagger node.
type Options struct {
	GeneralThreshold   float32
	CharacterThreshold float32
	ReplaceUnderscore  bool
	// PrependTags and ExcludeTags are comma separated.
	PrependTags string
	ExcludeTags string
}

type Request struct {
	Image     image.Image
	Filename  string
	OutputDir string
	Model     string
	UseGPU    bool
	Options
	// Progress receives model download milestones; nil discards them.
	Progress hub.Progress
}

type Result struct {
	Tags      string     `json:"tags"`
	Rating    *TagScore  `json:"rating,omitempty"`
	Character []TagScore `json:"character"`
	General   []TagScore `json:"general"`
	Model     string     `json:"model"`
	Provider  string     `json:"provider"`
	Notice    string     `json:"notice,omitempty"`
	File      string     `json:"file,omitempty"`
}

// Backend runs a loaded model on a single preprocessed input.
type Backend interface {
	Run(input []float32, shape []int64) ([]float32, error)
	// Provider names the execution provider actually in use, "cpu" or "cuda".
	Provider() string
	Close() error
}

// BackendOpener loads the model at path. When useGPU cannot be honoured it
// must return a CPU backend rather than an error.
type BackendOpener func(path string, useGPU bool) (Backend, error)

type ModelResolver interface {
	Resolve(ctx context.Context, id string, progress hub.Progress) (hub.Paths, error)
}
