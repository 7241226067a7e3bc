// Package store owns the catalog of record: the in-memory snapshot the
// serving layer reads and the JSON file it is persisted to. The file is
// only ever replaced wholesale, never mutated in place, so readers can
// never observe a half-written catalog.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

type Category struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
}

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code,omitempty"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	CategoryID  string    `json:"category_id"`
	CategoryIDs []string  `json:"category_ids,omitempty"`
	Image       string    `json:"image,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	SourceURL   string    `json:"source_url"`
	LastSeen    time.Time `json:"last_seen"`
}

type Outcome string

const (
	OutcomeNever   Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// SyncRun is the summary of one sync attempt. Only the latest one
// survives, embedded in the catalog metadata.
type SyncRun struct {
	ID       string    `json:"id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Outcome  Outcome   `json:"outcome"`
	Added    int       `json:"added"`
	Updated  int       `json:"updated"`
	Removed  int       `json:"removed"`
	Warnings []string  `json:"warnings,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type Stats struct {
	TotalProducts    int `json:"total_products"`
	TotalCategories  int `json:"total_categories"`
	ParentCategories int `json:"parent_categories"`
}

type Catalog struct {
	Categories []Category `json:"categories"`
	Products   []Product  `json:"products"`
	LastSync   time.Time  `json:"last_sync"`
	LastRun    SyncRun    `json:"last_run"`
	Stats      Stats      `json:"stats"`
}

func (c Catalog) computeStats() Stats {
	parents := 0
	for _, cat := range c.Categories {
		if cat.Parent == "" {
			parents++
		}
	}
	return Stats{
		TotalProducts:    len(c.Products),
		TotalCategories:  len(c.Categories),
		ParentCategories: parents,
	}
}

// Category returns the category with the given id, if present.
func (c Catalog) Category(id string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return Category{}, false
}

// clone makes the copy handed to readers independent of the writer's
// next sync.
func (c Catalog) clone() Catalog {
	out := c
	out.Categories = make([]Category, len(c.Categories))
	for i, cat := range c.Categories {
		out.Categories[i] = cat
		out.Categories[i].Children = slices.Clone(cat.Children)
	}
	out.Products = make([]Product, len(c.Products))
	for i, p := range c.Products {
		out.Products[i] = p
		out.Products[i].CategoryIDs = slices.Clone(p.CategoryIDs)
	}
	out.LastRun.Warnings = slices.Clone(c.LastRun.Warnings)
	return out
}

// Store is the single writer over the persisted catalog. The sync path
// replaces it, everything else only snapshots it.
type Store struct {
	path string

	mu      sync.RWMutex
	catalog Catalog
	lastRun SyncRun
}

// Open loads the persisted catalog, or starts empty when the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	err = json.Unmarshal(raw, &s.catalog)
	if err != nil {
		return nil, fmt.Errorf("decode catalog file %s: %w", path, err)
	}
	s.lastRun = s.catalog.LastRun
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Snapshot returns an independent copy of the current catalog for
// read-only consumers.
func (s *Store) Snapshot() Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.clone()
}

// LastRun returns the most recent sync attempt's summary, including
// failed attempts that never touched the persisted catalog.
func (s *Store) LastRun() SyncRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run := s.lastRun
	run.Warnings = slices.Clone(run.Warnings)
	return run
}

// RecordRun remembers a failed or partial attempt in memory only. The
// persisted file stays byte-identical, the previous good catalog keeps
// serving.
func (s *Store) RecordRun(run SyncRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = run
}

// Replace persists `catalog` with `run` as its metadata and swaps it in
// as the current snapshot. The write goes to a temp file in the same
// directory followed by an atomic rename; on any error the previous
// file is left untouched and the in-memory catalog is not swapped.
func (s *Store) Replace(catalog Catalog, run SyncRun) error {
	catalog.LastSync = run.End
	catalog.LastRun = run
	catalog.Stats = catalog.computeStats()

	err := s.writeAtomic(catalog)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = catalog
	s.lastRun = run
	return nil
}

func (s *Store) writeAtomic(catalog Catalog) error {
	dir := filepath.Dir(s.path)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("create catalog temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	err = enc.Encode(catalog)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("encode catalog: %w", err)
	}
	err = tmp.Sync()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("sync catalog temp file: %w", err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("close catalog temp file: %w", err)
	}

	err = os.Rename(tmp.Name(), s.path)
	if err != nil {
		return fmt.Errorf("replace catalog file: %w", err)
	}
	return nil
}
