// Package store persists per-device receiver settings in a YAML document.
//
// Access follows an acquire/release discipline: Acquire locks the document
// and hands out a pointer to it, Release unlocks and, when the caller marks
// the document dirty, writes it back to disk before returning. View and
// Update wrap the pair for the common cases.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"
)

// DeviceRecord holds the persisted settings of one device. Pointer fields are
// nil when absent from the file so older documents load field by field.
type DeviceRecord struct {
	SampleRate *uint32 `yaml:"sampleRate,omitempty"`
	Bandwidth  *uint32 `yaml:"bandwidth,omitempty"`
	LNAGain    *int    `yaml:"lnaGain,omitempty"`
	RXVGA1     *int    `yaml:"rxvga1,omitempty"`
	RXVGA2     *int    `yaml:"rxvga2,omitempty"`
	XBMode     *string `yaml:"xbMode,omitempty"`
	XBFilter   *string `yaml:"xbFilter,omitempty"`
	FPGAImage  *string `yaml:"fpgaImage,omitempty"`
	Frequency  *uint64 `yaml:"frequency,omitempty"`
}

// Document is the whole persisted configuration.
type Document struct {
	Device  string                   `yaml:"device"`
	Devices map[string]*DeviceRecord `yaml:"devices"`
}

func defaultDocument() Document {
	return Document{Devices: make(map[string]*DeviceRecord)}
}

type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	return &Store{doc: defaultDocument()}
}

// Open loads path, starting from the default document when it does not exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: defaultDocument()}

	contents, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}

	if err := yaml.Unmarshal(contents, &s.doc); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	if s.doc.Devices == nil {
		s.doc.Devices = make(map[string]*DeviceRecord)
	}
	return s, nil
}

// Acquire locks the store. Every Acquire must be paired with one Release.
func (s *Store) Acquire() *Document {
	s.mu.Lock()
	return &s.doc
}

// Release unlocks the store, saving first when dirty is true.
func (s *Store) Release(dirty bool) error {
	defer s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.save()
}

// View runs fn with the document locked. fn must not retain doc.
func (s *Store) View(fn func(doc *Document)) {
	doc := s.Acquire()
	defer s.Release(false)
	fn(doc)
}

// Update runs fn with the document locked and saves when fn reports a change.
func (s *Store) Update(fn func(doc *Document) bool) error {
	doc := s.Acquire()
	return s.Release(fn(doc))
}

// Record returns the record for serial, creating an empty one if needed.
// Callers must hold the store.
func (d *Document) Record(serial string) (rec *DeviceRecord, created bool) {
	rec, ok := d.Devices[serial]
	if !ok {
		rec = &DeviceRecord{}
		d.Devices[serial] = rec
		created = true
	}
	return rec, created
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&s.doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Path returns the backing file, empty for memory stores.
func (s *Store) Path() string {
	return s.path
}
