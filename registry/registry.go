// Package registry keeps one JSON file per named buffer so tools can
// discover buffers without attaching to them. The query path never reads
// it; a missing or stale entry only affects listing.
package registry

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sugawarayuuta/sonnet"

	"tagring/constants"
	"tagring/debug"
	"tagring/ringstore"
	"tagring/tagerr"
	"tagring/timebase"
)

// Entry is the on-disk description of a buffer.
type Entry struct {
	Name           string  `json:"name"`
	Format         string  `json:"format"`
	Capacity       uint64  `json:"capacity"`
	Count          uint64  `json:"count"`
	Resolution     float64 `json:"resolution"`
	ClockPeriod    float64 `json:"clock period"`
	ChannelCount   int     `json:"#-channels"`
	ReferenceCount int64   `json:"reference_count"`
}

// EntryOf converts a live buffer description.
func EntryOf(info ringstore.Info) Entry {
	return Entry{
		Name:           info.Name,
		Format:         info.Format.String(),
		Capacity:       info.Capacity,
		Count:          info.Count,
		Resolution:     info.Resolution,
		ClockPeriod:    info.ClockPeriod,
		ChannelCount:   info.ChannelCount,
		ReferenceCount: info.ReferenceCount,
	}
}

// Config returns the creation parameters recorded in e.
func (e Entry) Config() (ringstore.Config, error) {
	f, err := timebase.ParseFormat(e.Format)
	if err != nil {
		return ringstore.Config{}, err
	}
	return ringstore.Config{
		Format:       f,
		Capacity:     e.Capacity,
		ChannelCount: e.ChannelCount,
		Resolution:   e.Resolution,
		ClockPeriod:  e.ClockPeriod,
	}, nil
}

// Registry is a directory of entry files.
type Registry struct {
	root string
}

// DefaultRoot is <user config dir>/tagring/buffers.
func DefaultRoot() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", tagerr.Wrap(tagerr.Resource, "registry.DefaultRoot", "", err)
	}
	return filepath.Join(base, constants.RegistryVendor, constants.RegistryDir), nil
}

// New opens (creating if needed) a registry rooted at root.
func New(root string) (*Registry, error) {
	if root == "" {
		return nil, tagerr.New(tagerr.Value, "registry.New", "", "empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, tagerr.Wrap(tagerr.Resource, "registry.New", root, err)
	}
	return &Registry{root: root}, nil
}

// Root is the directory holding the entry files.
func (r *Registry) Root() string { return r.root }

func (r *Registry) path(name string) string {
	return filepath.Join(r.root, url.PathEscape(name)+constants.RegistryExt)
}

// Put writes or replaces the entry for info.Name.
func (r *Registry) Put(info ringstore.Info) error {
	const op = "registry.Put"
	data, err := sonnet.Marshal(EntryOf(info))
	if err != nil {
		return tagerr.Wrap(tagerr.Value, op, info.Name, err)
	}
	tmp, err := os.CreateTemp(r.root, ".entry-*")
	if err != nil {
		return tagerr.Wrap(tagerr.Resource, op, info.Name, err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), r.path(info.Name))
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return tagerr.Wrap(tagerr.Resource, op, info.Name, werr)
	}
	return nil
}

// Remove deletes the entry for name. A missing entry is not an error.
func (r *Registry) Remove(name string) error {
	if err := os.Remove(r.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return tagerr.Wrap(tagerr.Resource, "registry.Remove", name, err)
	}
	return nil
}

// Load reads the entry for name.
func (r *Registry) Load(name string) (Entry, error) {
	return r.read(r.path(name), name)
}

func (r *Registry) read(path, name string) (Entry, error) {
	const op = "registry.Load"
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, tagerr.Wrap(tagerr.NotFound, op, name, err)
	}
	if err != nil {
		return Entry{}, tagerr.Wrap(tagerr.Resource, op, name, err)
	}
	var e Entry
	if err := sonnet.Unmarshal(data, &e); err != nil {
		return Entry{}, tagerr.Wrap(tagerr.Format, op, name, err)
	}
	return e, nil
}

// List returns every entry sorted by name. When exists is non-nil, entries
// whose segment it reports missing are deleted and left out. Unreadable
// files are skipped with a warning.
func (r *Registry) List(exists func(name string) bool) ([]Entry, error) {
	files, err := os.ReadDir(r.root)
	if err != nil {
		return nil, tagerr.Wrap(tagerr.Resource, "registry.List", r.root, err)
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), constants.RegistryExt) {
			continue
		}
		path := filepath.Join(r.root, f.Name())
		e, err := r.read(path, f.Name())
		if err != nil {
			debug.DropError("registry skip", err, "file", f.Name())
			continue
		}
		if exists != nil && !exists(e.Name) {
			debug.DropMessage("REGISTRY", "pruning stale entry", "name", e.Name)
			_ = os.Remove(path)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Purge calls remove for every listed entry and deletes the entry files.
// It is the recovery path after producers crashed without detaching.
func (r *Registry) Purge(remove func(name string) error) error {
	entries, err := r.List(nil)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if remove != nil {
			if err := remove(e.Name); err != nil && !tagerr.Is(err, tagerr.NotFound) {
				errs = append(errs, err)
			}
		}
		if err := r.Remove(e.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
