package hub

import (
	"errors"
	"fmt"
	"image/color"
	"strings"
)

var ErrUnknownModel = errors.New("unknown model")

type Layout int

const (
	NHWC Layout = iota
	NCHW
)

type ChannelOrder int

const (
	BGR ChannelOrder = iota
	RGB
)

type Normalization int

const (
	// Raw255 feeds pixel values unchanged in [0, 255].
	Raw255 Normalization = iota
	// Unit scales to [0, 1].
	Unit
	// MeanStd scales to [0, 1] then applies (v - Mean) / Std per channel.
	MeanStd
)

// Preprocess describes how an image must be turned into the model's input tensor.
type Preprocess struct {
	Size   int
	Layout Layout
	Order  ChannelOrder
	Norm   Normalization
	Mean   [3]float32 // RGB, MeanStd only
	Std    [3]float32 // RGB, MeanStd only
	Pad    color.Color
}

// Shape is the input tensor shape for a batch of one.
func (p Preprocess) Shape() []int64 {
	s := int64(p.Size)
	if p.Layout == NCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

type Descriptor struct {
	ID          string
	Repo        string
	DisplayName string
	WeightsFile string // remote file name
	LabelsFile  string // remote file name
	Preprocess  Preprocess
}

func (d Descriptor) WeightsName() string { return d.ID + ".onnx" }
func (d Descriptor) LabelsName() string  { return d.ID + ".csv" }

// wd v3 taggers take 448px BGR images in [0, 255], NHWC, padded with white.
var wdV3 = Preprocess{Size: 448, Layout: NHWC, Order: BGR, Norm: Raw255, Pad: color.White}

var descriptors = []Descriptor{
	{
		ID:          "wd-vit-tagger-v3",
		Repo:        "SmilingWolf/wd-vit-tagger-v3",
		DisplayName: "WD ViT Tagger v3",
		WeightsFile: "model.onnx",
		LabelsFile:  "selected_tags.csv",
		Preprocess:  wdV3,
	},
	{
		ID:          "wd-swinv2-tagger-v3",
		Repo:        "SmilingWolf/wd-swinv2-tagger-v3",
		DisplayName: "WD SwinV2 Tagger v3",
		WeightsFile: "model.onnx",
		LabelsFile:  "selected_tags.csv",
		Preprocess:  wdV3,
	},
	{
		ID:          "wd-eva02-large-tagger-v3",
		Repo:        "SmilingWolf/wd-eva02-large-tagger-v3",
		DisplayName: "WD EVA02 Large Tagger v3",
		WeightsFile: "model.onnx",
		LabelsFile:  "selected_tags.csv",
		Preprocess:  wdV3,
	},
	{
		ID:          "wd-convnext-tagger-v3",
		Repo:        "SmilingWolf/wd-convnext-tagger-v3",
		DisplayName: "WD ConvNeXT Tagger v3",
		WeightsFile: "model.onnx",
		LabelsFile:  "selected_tags.csv",
		Preprocess:  wdV3,
	},
}

// Models returns every supported model in display order.
func Models() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

func Lookup(id string) (Descriptor, error) {
	for _, d := range descriptors {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
}

// ParseModelID accepts a bare id or the host dropdown form "id|display text".
func ParseModelID(s string) (string, error) {
	id, _, _ := strings.Cut(s, "|")
	id = strings.TrimSpace(id)
	if _, err := Lookup(id); err != nil {
		return "", err
	}
	return id, nil
}

func (d Descriptor) fileURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + d.Repo + "/resolve/main/" + name
}
