package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadLabels reads a selected_tags.csv file. Rows keep file order so that
// label i matches output i of the model.
func LoadLabels(path string) ([]Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	defer f.Close()
	labels, err := ReadLabels(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, path, err)
	}
	return labels, nil
}

func ReadLabels(r io.Reader) ([]Label, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty label file")
	}
	if err != nil {
		return nil, err
	}

	nameCol, catCol := 1, 2
	for i, h := range header {
		switch strings.TrimSpace(strings.ToLower(h)) {
		case "name":
			nameCol = i
		case "category":
			catCol = i
		}
	}

	var labels []Label
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if nameCol >= len(row) || catCol >= len(row) {
			return nil, fmt.Errorf("line %d: expected at least %d columns", line, max(nameCol, catCol)+1)
		}
		cat, err := strconv.Atoi(strings.TrimSpace(row[catCol]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad category %q", line, row[catCol])
		}
		labels = append(labels, Label{Name: row[nameCol], Category: categoryOf(cat)})
	}
	if len(labels) == 0 {
		return nil, errors.New("no labels")
	}
	return labels, nil
}

func categoryOf(v int) Category {
	switch Category(v) {
	case General, Character, Rating:
		return Category(v)
	default:
		return Other
	}
}
