package vfolder

import (
	"os"
	"sort"
	"strings"
)

// EntryKind tags whether a materialised vfolder Entry is a file (leaf) or a
// subfolder (virtual directory), the other principal tagged-union case
// alongside Query (spec §9).
type EntryKind int

const (
	EntryKindFile EntryKind = iota
	EntryKindFolder
)

// Entry is one item in a Folder's materialised, sorted list: either a
// pool FileEntry or a subfolder presented as a virtual directory.
type Entry struct {
	Kind   EntryKind
	Name   string
	File   *FileEntry
	Folder *Folder
}

// Folder is a virtual directory: an includes list, an excludes set, an
// optional query over the pool, and a list of subfolders (spec §3, §4.8).
// Parent is a non-owning back-reference used only to walk up and clear
// up-to-date flags on invalidation (spec §9, "cyclic parent/child").
type Folder struct {
	Name            string
	DesktopFile     string // linked .directory file, absolute path; "" if none
	Includes        []string
	Excludes        map[string]bool
	Query           *Query
	Subfolders      []*Folder
	ReadOnly        bool
	DontShowIfEmpty bool
	Parent          *Folder

	upToDate bool
	sorted   bool
	cached   []Entry
	order    []string // persisted sort order read from DesktopFile, if any
}

// NewFolder returns an empty, not-yet-materialised Folder named name.
func NewFolder(name string) *Folder {
	return &Folder{Name: name, Excludes: make(map[string]bool)}
}

// Invalidate clears this folder's up-to-date flag and walks up through
// Parent clearing every ancestor's flag too (spec §4.8, "Invalidation
// rule"): any mutation of includes, excludes, subfolders, or query on a
// folder invalidates it and every folder above it, since an ancestor's
// cached list may itself include this folder as a virtual subfolder entry.
func (f *Folder) Invalidate() {
	for n := f; n != nil; n = n.Parent {
		n.upToDate = false
		n.sorted = false
	}
}

// pool is the narrow interface EnsureFolder needs from the backend's entry
// pool, so folder.go has no import-time dependency on how the pool is
// populated.
type pool interface {
	Get(basename string) *FileEntry
	Match(q *Query) []*FileEntry
}

// EnsureFolder materialises f.cached if it is not already up to date,
// following the five steps of spec §4.8's ensure_folder exactly: includes,
// then query matches, then subfolders prepended, then excludes removed.
func EnsureFolder(f *Folder, p pool) {
	if f.upToDate {
		return
	}
	seen := make(map[string]bool)
	var cached []Entry

	for _, sub := range f.Subfolders {
		cached = append(cached, Entry{Kind: EntryKindFolder, Name: sub.Name, Folder: sub})
		seen[sub.Name] = true
	}
	for _, basename := range f.Includes {
		if seen[basename] {
			continue
		}
		if e := p.Get(basename); e != nil {
			cached = append(cached, Entry{Kind: EntryKindFile, Name: basename, File: e})
			seen[basename] = true
		}
	}
	for _, e := range p.Match(f.Query) {
		if seen[e.Basename] {
			continue
		}
		cached = append(cached, Entry{Kind: EntryKindFile, Name: e.Basename, File: e})
		seen[e.Basename] = true
	}

	if len(f.Excludes) > 0 {
		filtered := cached[:0]
		for _, e := range cached {
			if !f.Excludes[e.Name] {
				filtered = append(filtered, e)
			}
		}
		cached = filtered
	}

	f.cached = cached
	f.upToDate = true
	f.sorted = false
}

// EnsureFolderSort orders f.cached per any persisted order list from its
// linked .directory file: named entries appear first, in that order;
// unnamed entries follow in their existing (insertion) order (spec §4.8,
// "Sorting").
func EnsureFolderSort(f *Folder) {
	if f.sorted {
		return
	}
	if len(f.order) == 0 && f.DesktopFile != "" {
		f.order = readOrderFile(f.DesktopFile)
	}
	if len(f.order) > 0 {
		rank := make(map[string]int, len(f.order))
		for i, name := range f.order {
			rank[name] = i
		}
		sort.SliceStable(f.cached, func(i, j int) bool {
			ri, oki := rank[f.cached[i].Name]
			rj, okj := rank[f.cached[j].Name]
			switch {
			case oki && okj:
				return ri < rj
			case oki:
				return true
			case okj:
				return false
			default:
				return false
			}
		})
	}
	f.sorted = true
}

// readOrderFile reads a "SortOrder" list from a linked .directory file: one
// basename per non-empty line under a bare `[Folder]`-less convention kept
// intentionally simple (the original's libxml sidecar parsing is
// out-of-scope detail per spec.md §1 "MIME/.desktop key parsing beyond
// what the vfolder backend requires").
func readOrderFile(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var order []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") || strings.Contains(line, "=") {
			continue
		}
		order = append(order, line)
	}
	return order
}

// FindSubfolder returns the direct child subfolder named name, or nil.
func (f *Folder) FindSubfolder(name string) *Folder {
	for _, sub := range f.Subfolders {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

// AddInclude adds basename to f's includes (removing any matching exclude)
// and invalidates f, matching spec §4.8's "Creating a file" step.
func (f *Folder) AddInclude(basename string) {
	delete(f.Excludes, basename)
	for _, b := range f.Includes {
		if b == basename {
			f.Invalidate()
			return
		}
	}
	f.Includes = append(f.Includes, basename)
	f.Invalidate()
}

// AddExclude adds basename to f's excludes (removing any matching include)
// and invalidates f, matching spec §4.8's "Deleting a file" step.
func (f *Folder) AddExclude(basename string) {
	out := f.Includes[:0]
	for _, b := range f.Includes {
		if b != basename {
			out = append(out, b)
		}
	}
	f.Includes = out
	f.Excludes[basename] = true
	f.Invalidate()
}

// IsEmpty reports whether f currently materialises to no entries at all -
// the precondition spec §4.8 requires for RemoveDirectory.
func (f *Folder) IsEmpty(p pool) bool {
	EnsureFolder(f, p)
	return len(f.cached) == 0
}
