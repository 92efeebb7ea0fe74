// Package nodes describes the two nodes as the host registers them: names,
// typed inputs with their defaults, and outputs.
package nodes

import (
	"fmt"

	"github.com/krau/wd14nodes/hub"
)

const (
	LoadImagesFolder = "BSS_LoadImagesFolder"
	WD14BatchTagger  = "BSS_WD14BatchTagger"

	category = "BSS/Image Processing"
)

type Input struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Default   any      `json:"default,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Step      float64  `json:"step,omitempty"`
	Multiline bool     `json:"multiline,omitempty"`
	Choices   []string `json:"choices,omitempty"`
}

type Output struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	IsList bool   `json:"is_list"`
}

type Descriptor struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Category    string   `json:"category"`
	Inputs      []Input  `json:"inputs"`
	Outputs     []Output `json:"outputs"`
	OutputNode  bool     `json:"output_node"`
}

// Defaults are the tagger input defaults shown by the host.
type Defaults struct {
	Model              string
	GeneralThreshold   float32
	CharacterThreshold float32
	ReplaceUnderscore  bool
	UseGPU             bool
}

// ModelChoice renders a model as a dropdown entry, "id|<status> Display (id)".
// hub.ParseModelID accepts it back.
func ModelChoice(s hub.ModelStatus) string {
	status := "⬇️"
	if s.Installed {
		status = "✅"
	}
	return fmt.Sprintf("%s|%s %s (%s)", s.ID, status, s.DisplayName, s.ID)
}

func unit() (*float64, *float64) {
	lo, hi := 0.0, 1.0
	return &lo, &hi
}

// Registry returns both node descriptors for the current cache state.
func Registry(models []hub.ModelStatus, d Defaults) []Descriptor {
	choices := make([]string, 0, len(models))
	for _, m := range models {
		choices = append(choices, ModelChoice(m))
	}
	lo, hi := unit()

	return []Descriptor{
		{
			Name:        LoadImagesFolder,
			DisplayName: "BSS Load Images from Folder 📂",
			Category:    category,
			Inputs: []Input{
				{Name: "folder_path", Type: "STRING", Default: ""},
			},
			Outputs: []Output{
				{Name: "images", Type: "IMAGE", IsList: true},
				{Name: "filenames", Type: "STRING", IsList: true},
				{Name: "folder_path", Type: "STRING"},
			},
		},
		{
			Name:        WD14BatchTagger,
			DisplayName: "BSS WD14 Batch Tagger 🌿",
			Category:    category,
			Inputs: []Input{
				{Name: "image", Type: "IMAGE"},
				{Name: "filename", Type: "STRING"},
				{Name: "folder_path", Type: "STRING", Default: ""},
				{Name: "model", Type: "COMBO", Default: d.Model, Choices: choices},
				{Name: "threshold", Type: "FLOAT", Default: d.GeneralThreshold, Min: lo, Max: hi, Step: 0.01},
				{Name: "character_threshold", Type: "FLOAT", Default: d.CharacterThreshold, Min: lo, Max: hi, Step: 0.01},
				{Name: "replace_underscore", Type: "BOOLEAN", Default: d.ReplaceUnderscore},
				{Name: "use_gpu", Type: "BOOLEAN", Default: d.UseGPU},
				{Name: "prepend_tags", Type: "STRING", Default: "", Multiline: true},
				{Name: "exclude_tags", Type: "STRING", Default: "", Multiline: true},
			},
			Outputs: []Output{
				{Name: "tags", Type: "STRING"},
			},
			OutputNode: true,
		},
	}
}
