package vfolder

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the caller-supplied configuration for one vfolder Backend
// instance: where to scan for .desktop entries, where user edits land, and
// which `OnlyShowIn` environment tags this backend recognises (spec Open
// Question, resolved per SPEC_FULL.md §4 item 6 as backend configuration
// rather than a hard-coded "GNOME" constant).
type Config struct {
	// ConfigPath is the user's configuration document path (§6); falls
	// back to SystemConfigPath if absent.
	ConfigPath       string
	SystemConfigPath string
	Environments     []string
}

// DefaultEnvironments matches the original's hard-coded OnlyShowIn set,
// kept as the default here for fidelity while remaining overridable
// (SPEC_FULL.md §4 item 6).
var DefaultEnvironments = []string{"GNOME", "X-GNOME"}

// document is the XML shape of §6's VFolderInfo grammar.
type document struct {
	XMLName        xml.Name   `xml:"VFolderInfo"`
	MergeDirs      []string   `xml:"MergeDir"`
	ItemDirs       []string   `xml:"ItemDir"`
	UserItemDir    string     `xml:"UserItemDir"`
	DesktopDir     string     `xml:"DesktopDir"`
	UserDesktopDir string     `xml:"UserDesktopDir"`
	ReadOnly       *struct{}  `xml:"ReadOnly"`
	Root           folderNode `xml:"Folder"`
}

// folderNode is the XML shape of one <Folder> element, including its
// recursive <Folder> children.
type folderNode struct {
	Name            string       `xml:"Name"`
	Desktop         string       `xml:"Desktop"`
	Include         []string     `xml:"Include"`
	Exclude         []string     `xml:"Exclude"`
	Query           *Query       `xml:"Query"`
	Folders         []folderNode `xml:"Folder"`
	ReadOnly        *struct{}    `xml:"ReadOnly"`
	DontShowIfEmpty *struct{}    `xml:"DontShowIfEmpty"`
}

// loaded bundles the parsed document with whether it came from the user
// path. Re-saves (Backend.persistConfig) always write the user path,
// whichever document was loaded.
type loaded struct {
	doc      document
	fromUser bool
}

// loadConfig reads the user document if present, else the system one
// (spec §6, "falling back to a system default"). expandHome substitutes a
// leading "~" with the caller's home directory, the UserItemDir
// "~"-substitution rule §6 calls out explicitly.
func loadConfig(cfg Config) (*loaded, error) {
	if cfg.ConfigPath != "" {
		if data, err := os.ReadFile(cfg.ConfigPath); err == nil {
			doc, err := parseDocument(data)
			if err != nil {
				return nil, fmt.Errorf("vfolder: parse %s: %w", cfg.ConfigPath, err)
			}
			return &loaded{doc: *doc, fromUser: true}, nil
		}
	}
	data, err := os.ReadFile(cfg.SystemConfigPath)
	if err != nil {
		return nil, fmt.Errorf("vfolder: read %s: %w", cfg.SystemConfigPath, err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("vfolder: parse %s: %w", cfg.SystemConfigPath, err)
	}
	return &loaded{doc: *doc, fromUser: false}, nil
}

func parseDocument(data []byte) (*document, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~") {
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// buildFolderTree converts the XML shape into the live Folder tree,
// wiring Parent back-references and the Excludes set.
func buildFolderTree(n folderNode, parent *Folder) *Folder {
	f := &Folder{
		Name:            n.Name,
		DesktopFile:     n.Desktop,
		Includes:        append([]string{}, n.Include...),
		Excludes:        make(map[string]bool, len(n.Exclude)),
		Query:           n.Query,
		ReadOnly:        n.ReadOnly != nil,
		DontShowIfEmpty: n.DontShowIfEmpty != nil,
		Parent:          parent,
	}
	for _, ex := range n.Exclude {
		f.Excludes[ex] = true
	}
	for _, child := range n.Folders {
		f.Subfolders = append(f.Subfolders, buildFolderTree(child, f))
	}
	return f
}

// flattenFolderTree is buildFolderTree's inverse, used by persistConfig.
func flattenFolderTree(f *Folder) folderNode {
	n := folderNode{
		Name:    f.Name,
		Desktop: f.DesktopFile,
		Include: append([]string{}, f.Includes...),
	}
	for ex := range f.Excludes {
		n.Exclude = append(n.Exclude, ex)
	}
	if f.Query != nil {
		n.Query = f.Query
	}
	if f.ReadOnly {
		n.ReadOnly = &struct{}{}
	}
	if f.DontShowIfEmpty {
		n.DontShowIfEmpty = &struct{}{}
	}
	for _, sub := range f.Subfolders {
		n.Folders = append(n.Folders, flattenFolderTree(sub))
	}
	return n
}

// persist writes the whole document to path, replacing any existing file,
// via write-temp-then-rename so a concurrent reader never observes a
// partially written document (spec §4.8, "Any mutation persists the entire
// configuration document atomically").
func persist(path string, doc *document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
