package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	itemExt      = ".json"
	defaultFile  = ".default"
	defaultCache = 128
)

// Item is one persisted configuration.
type Item[C any] struct {
	Name   string
	Path   string
	Config C
}

type cachedItem[C any] struct {
	item    Item[C]
	modTime time.Time
	size    int64
}

// Dir stores items of one kind as <dir>/<name>.json.
type Dir[C any] struct {
	path     string
	notFound error
	cache    *lru.Cache[string, cachedItem[C]]
}

func newDir[C any](path string, notFound error) (*Dir[C], error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", path, err)
	}
	cache, err := lru.New[string, cachedItem[C]](defaultCache)
	if err != nil {
		return nil, err
	}
	if notFound == nil {
		notFound = ErrNotFound
	}
	return &Dir[C]{path: path, notFound: notFound, cache: cache}, nil
}

// Path returns the directory holding the items.
func (d *Dir[C]) Path() string {
	return d.path
}

func (d *Dir[C]) itemPath(name string) string {
	return filepath.Join(d.path, name+itemExt)
}

// Get returns the named item. Cached entries are reused while the file's
// modification time and size are unchanged.
func (d *Dir[C]) Get(name string) (Item[C], error) {
	if err := validateName(name); err != nil {
		return Item[C]{}, err
	}

	path := d.itemPath(name)
	info, err := os.Stat(path)
	if err != nil {
		d.cache.Remove(name)
		if errors.Is(err, fs.ErrNotExist) {
			return Item[C]{}, fmt.Errorf("%w: %s", d.notFound, name)
		}
		return Item[C]{}, err
	}

	if cached, ok := d.cache.Get(name); ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.item, nil
	}

	item, err := d.Load(path)
	if err != nil {
		return Item[C]{}, err
	}
	d.cache.Add(name, cachedItem[C]{item: item, modTime: info.ModTime(), size: info.Size()})
	return item, nil
}

// Exists reports whether the named item is present.
func (d *Dir[C]) Exists(name string) bool {
	if validateName(name) != nil {
		return false
	}
	_, err := os.Stat(d.itemPath(name))
	return err == nil
}

// Load reads an item from path. The item is named after the file stem.
func (d *Dir[C]) Load(path string) (Item[C], error) {
	name := fileStem(path)
	if err := validateName(name); err != nil {
		return Item[C]{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Item[C]{}, fmt.Errorf("%w: %s", d.notFound, name)
		}
		return Item[C]{}, err
	}

	var cfg C
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Item[C]{}, fmt.Errorf("%w: %s: %v", ErrInvalidState, path, err)
	}
	return Item[C]{Name: name, Path: path, Config: cfg}, nil
}

// List returns every item ordered by name.
func (d *Dir[C]) List() ([]Item[C], error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != itemExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), itemExt))
	}
	sort.Strings(names)

	items := make([]Item[C], 0, len(names))
	for _, name := range names {
		item, err := d.Get(name)
		if err != nil {
			// Removed between ReadDir and Get.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Create persists a new item. It fails with ErrAlreadyExists when the name
// is taken.
func (d *Dir[C]) Create(name string, cfg C) (Item[C], error) {
	if err := validateName(name); err != nil {
		return Item[C]{}, err
	}
	if d.Exists(name) {
		return Item[C]{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	return d.Put(name, cfg)
}

// Put creates or replaces an item.
func (d *Dir[C]) Put(name string, cfg C) (Item[C], error) {
	if err := validateName(name); err != nil {
		return Item[C]{}, err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Item[C]{}, fmt.Errorf("encode %s: %w", name, err)
	}

	path := d.itemPath(name)
	if err := writeFileAtomic(path, data); err != nil {
		return Item[C]{}, err
	}
	d.cache.Remove(name)
	return Item[C]{Name: name, Path: path, Config: cfg}, nil
}

// Delete removes the item, and the default marker when it points at it.
func (d *Dir[C]) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	d.cache.Remove(name)

	if err := os.Remove(d.itemPath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", d.notFound, name)
		}
		return err
	}

	if def, err := d.defaultName(); err == nil && def == name {
		if err := os.Remove(filepath.Join(d.path, defaultFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// SetDefault marks an existing item as the default.
func (d *Dir[C]) SetDefault(name string) error {
	if _, err := d.Get(name); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(d.path, defaultFile), []byte(name))
}

// Default returns the default item.
func (d *Dir[C]) Default() (Item[C], error) {
	name, err := d.defaultName()
	if err != nil {
		return Item[C]{}, err
	}
	return d.Get(name)
}

func (d *Dir[C]) defaultName() (string, error) {
	data, err := os.ReadFile(filepath.Join(d.path, defaultFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoDefault
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// writeFileAtomic replaces path so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
