// Package filesystem backs GET /api/filesystem/list: a directory listing
// used by clients to pick a project's repo_path, grounded on the teacher's
// afero-based ConfigFileSystem for the same "wrap afero.Fs, expose typed
// directory operations" shape.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// Entry is one item in a directory listing.
type Entry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// Lister lists directories on the host filesystem. It is a thin wrapper
// over afero.Fs rather than bare os calls so tests can substitute
// afero.NewMemMapFs(), matching the teacher's own rationale for wrapping
// afero throughout its config filesystem layer.
type Lister struct {
	fs afero.Fs
}

func NewLister(fs afero.Fs) *Lister {
	return &Lister{fs: fs}
}

// NewOSLister lists the real host filesystem.
func NewOSLister() *Lister {
	return NewLister(afero.NewOsFs())
}

// List implements GET /api/filesystem/list?path=: it returns the
// directories and files directly inside path, sorted with directories
// first then lexicographically, or an error if path does not name a
// directory. An empty path lists the user's home directory, so clients
// can start browsing without already knowing a project's repo_path.
func (l *Lister) List(path string) ([]Entry, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = home
	}

	info, err := l.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}

	files, err := afero.ReadDir(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, Entry{
			Name:    f.Name(),
			Path:    filepath.Join(path, f.Name()),
			IsDir:   f.IsDir(),
			Size:    f.Size(),
			ModTime: f.ModTime().Unix(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}

// IsGitRepo reports whether path names an existing git repository,
// the check create_project runs against a candidate repo_path.
func (l *Lister) IsGitRepo(path string) bool {
	info, err := l.fs.Stat(filepath.Join(path, ".git"))
	return err == nil && info != nil
}
