// Package location keeps named views in a JSON file.
package location

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/azargarov/mandy/viewport"
)

var (
	ErrEmptyName = errors.New("location: empty name")
	ErrNotFound  = errors.New("location: not found")
)

// Location is a saved centre, scale and iteration limit. The screen size
// is not saved; applying a location keeps the current one.
type Location struct {
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
	Scale   float64   `json:"scale"`
	MaxIter int       `json:"max_iter,omitempty"`
	Saved   time.Time `json:"saved"`
}

// FromView captures v.
func FromView(v viewport.View, maxIter int) Location {
	return Location{X: v.X, Y: v.Y, Scale: v.Scale, MaxIter: maxIter, Saved: time.Now().UTC()}
}

// Apply moves v to l.
func (l Location) Apply(v viewport.View) viewport.View {
	v.X, v.Y, v.Scale = l.X, l.Y, l.Scale
	return v
}

// String formats l as "x y scale", the form ParseLocation reads.
func (l Location) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return f(l.X) + " " + f(l.Y) + " " + f(l.Scale)
}

// ParseLocation reads "x y scale" as produced by String.
func ParseLocation(s string) (Location, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return Location{}, fmt.Errorf("location: want \"x y scale\", got %q", s)
	}
	var vals [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Location{}, fmt.Errorf("location: %w", err)
		}
		vals[i] = v
	}
	l := Location{X: vals[0], Y: vals[1], Scale: vals[2]}
	if !(l.Scale > 0) {
		return Location{}, fmt.Errorf("location: scale %v must be positive", l.Scale)
	}
	return l, nil
}

// Store is a set of named locations backed by a file. It is safe for
// concurrent use; changes reach the file only through Save.
type Store struct {
	path string

	mu   sync.RWMutex
	locs map[string]Location
}

// Open loads the store at path. A missing file gives an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, locs: make(map[string]Location)}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load replaces the in-memory set with the file contents.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading locations: %w", err)
	}
	locs := make(map[string]Location)
	if err := json.Unmarshal(data, &locs); err != nil {
		return fmt.Errorf("parsing locations %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.locs = locs
	s.mu.Unlock()
	return nil
}

// Save writes the set to the file. The file is replaced atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.locs, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling locations: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating locations directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".locations-*")
	if err != nil {
		return fmt.Errorf("writing locations: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing locations: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing locations: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("writing locations: %w", err)
	}
	return nil
}

// Put stores l under name, replacing any previous entry.
func (s *Store) Put(name string, l Location) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	s.mu.Lock()
	s.locs[name] = l
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(name string) (Location, error) {
	s.mu.RLock()
	l, ok := s.locs[strings.TrimSpace(name)]
	s.mu.RUnlock()
	if !ok {
		return Location{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return l, nil
}

// Delete removes name and reports whether it was present.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.TrimSpace(name)
	_, ok := s.locs[name]
	delete(s.locs, name)
	return ok
}

// Names returns the stored names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.locs))
	for name := range s.locs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)
	return names
}
