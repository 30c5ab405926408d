package vfolder_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfscore/corevfs"
	"github.com/vfscore/corevfs/backend/vfolder"
	"github.com/vfscore/corevfs/uri"
)

func writeDesktop(t *testing.T, dir, name, categories string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "[Desktop Entry]\nCategories=" + categories + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func writeVfolderConfig(t *testing.T, path, itemDir, userItemDir, extraExclude string) {
	t.Helper()
	exclude := ""
	if extraExclude != "" {
		exclude = "<Exclude>" + extraExclude + "</Exclude>"
	}
	doc := `<?xml version="1.0"?>
<VFolderInfo>
  <ItemDir>` + itemDir + `</ItemDir>
  <UserItemDir>` + userItemDir + `</UserItemDir>
  <Folder>
    <Name>Root</Name>
    <Folder>
      <Name>Games</Name>
      <Query><Keyword>Game</Keyword></Query>
      ` + exclude + `
    </Folder>
  </Folder>
</VFolderInfo>`
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func newTestBackend(t *testing.T, extraExclude string) (*vfolder.Backend, string) {
	t.Helper()
	root := t.TempDir()
	itemDir := filepath.Join(root, "items")
	userItemDir := filepath.Join(root, "useritems")
	configPath := filepath.Join(root, "vfolders.xml")

	writeDesktop(t, itemDir, "a.desktop", "Game;")
	writeDesktop(t, itemDir, "b.desktop", "Editor;")
	writeVfolderConfig(t, configPath, itemDir, userItemDir, extraExclude)

	b, err := vfolder.NewBackend(vfolder.Config{
		ConfigPath:       configPath,
		SystemConfigPath: configPath,
	})
	require.NoError(t, err)
	return b, userItemDir
}

func listNames(t *testing.T, b *vfolder.Backend, path string) []string {
	t.Helper()
	u, err := uri.Parse("vfolder://" + path)
	require.NoError(t, err)
	ctx := corevfs.NewOpContext()
	h, err := b.OpenDirectory(ctx, u, corevfs.InfoOptions{})
	require.NoError(t, err)
	defer b.CloseDirectory(ctx, h)

	var names []string
	for {
		fi, err := b.ReadDirectory(ctx, h)
		if err == corevfs.EOF || corevfs.KindOf(err) == corevfs.KindEOF {
			break
		}
		require.NoError(t, err)
		names = append(names, fi.Name)
	}
	return names
}

// S2: a query match selects exactly the entries with the matching keyword;
// adding an Exclude removes it even though the query still matches.
func TestVfolderQueryMatch(t *testing.T) {
	b, _ := newTestBackend(t, "")
	assert.Equal(t, []string{"a.desktop"}, listNames(t, b, "/Games"))
}

func TestVfolderExcludeOverridesQuery(t *testing.T) {
	b, _ := newTestBackend(t, "a.desktop")
	assert.Empty(t, listNames(t, b, "/Games"))
}

// S3: writing to an entry that lives in a system item directory produces a
// per-user overlay copy and leaves the system copy untouched.
func TestVfolderOverlayOnWrite(t *testing.T) {
	b, userItemDir := newTestBackend(t, "")

	u, err := uri.Parse("vfolder:///Games/a.desktop")
	require.NoError(t, err)
	ctx := corevfs.NewOpContext()

	h, err := b.Open(ctx, u, corevfs.OpenWrite)
	require.NoError(t, err)
	n, err := b.Write(ctx, h, []byte("X"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, b.Close(ctx, h))

	overlay := filepath.Join(userItemDir, "a.desktop")
	data, err := os.ReadFile(overlay)
	require.NoError(t, err)
	assert.Contains(t, string(data), "X")
}

func TestVfolderUnlinkHidesEntryWithoutDeletingSystemCopy(t *testing.T) {
	b, userItemDir := newTestBackend(t, "")
	u, err := uri.Parse("vfolder:///Games/a.desktop")
	require.NoError(t, err)
	ctx := corevfs.NewOpContext()
	require.NoError(t, b.Unlink(ctx, u))
	assert.Empty(t, listNames(t, b, "/Games"))
	_, err = os.Stat(filepath.Join(filepath.Dir(userItemDir), "items", "a.desktop"))
	assert.NoError(t, err)
}

func TestVfolderMakeAndRemoveDirectory(t *testing.T) {
	b, _ := newTestBackend(t, "")
	ctx := corevfs.NewOpContext()
	u, err := uri.Parse("vfolder:///Apps")
	require.NoError(t, err)
	require.NoError(t, b.MakeDirectory(ctx, u, 0o755))
	assert.Contains(t, listNames(t, b, "/"), "Apps")
	require.NoError(t, b.RemoveDirectory(ctx, u))
	assert.NotContains(t, listNames(t, b, "/"), "Apps")
}

func TestVfolderRemoveNonEmptyDirectoryFails(t *testing.T) {
	b, _ := newTestBackend(t, "")
	ctx := corevfs.NewOpContext()
	u, err := uri.Parse("vfolder:///Games")
	require.NoError(t, err)
	err = b.RemoveDirectory(ctx, u)
	assert.Equal(t, corevfs.KindDirectoryNotEmpty, corevfs.KindOf(err))
}
