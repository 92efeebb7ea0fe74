package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.mills.io/prologic/bitcask"
)

// Entry records what was written to a cache file when it was downloaded.
type Entry struct {
	SHA256       string    `json:"sha256"`
	Size         int64     `json:"size"`
	URL          string    `json:"url"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Manifest is a small bitcask store of cache entries keyed by file name.
type Manifest struct {
	db *bitcask.Bitcask
}

func OpenManifest(dir string) (*Manifest, error) {
	db, err := bitcask.Open(dir, bitcask.WithSync(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	return &Manifest{db: db}, nil
}

func (m *Manifest) Close() error {
	return m.db.Close()
}

// Get returns ok=false when nothing is recorded for name.
func (m *Manifest) Get(name string) (Entry, bool, error) {
	raw, err := m.db.Get([]byte(name))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt manifest entry %s: %w", name, err)
	}
	return e, true, nil
}

func (m *Manifest) Put(name string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return m.db.Put([]byte(name), raw)
}

func (m *Manifest) Delete(name string) error {
	if err := m.db.Delete([]byte(name)); err != nil && !errors.Is(err, bitcask.ErrKeyNotFound) {
		return err
	}
	return nil
}
