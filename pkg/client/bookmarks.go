package client

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Bookmark represents a saved server connection.
type Bookmark struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	LastUsed int64  `yaml:"last_used,omitempty"`
}

// BookmarkStore manages server bookmarks stored as YAML.
type BookmarkStore struct {
	fs        afero.Fs
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// NewBookmarkStore creates a bookmark store at path on fs. An empty path
// selects servers.yaml in the user config directory.
func NewBookmarkStore(fs afero.Fs, path string) *BookmarkStore {
	if path == "" {
		path = filepath.Join(configDir(), "servers.yaml")
	}
	return &BookmarkStore{fs: fs, path: path}
}

// Path returns the file the store reads and writes.
func (bs *BookmarkStore) Path() string { return bs.path }

// Load reads bookmarks from disk. Returns empty list if file doesn't exist.
func (bs *BookmarkStore) Load() error {
	data, err := afero.ReadFile(bs.fs, bs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	if err := bs.fs.MkdirAll(filepath.Dir(bs.path), 0o700); err != nil {
		return err
	}
	return afero.WriteFile(bs.fs, bs.path, data, 0o600)
}

// Add adds or updates a bookmark. Returns true if it was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.URL == b.URL && existing.Username == b.Username {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Touch updates LastUsed for an existing bookmark.
func (bs *BookmarkStore) Touch(url, username string, ts int64) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].URL == url && bs.Bookmarks[i].Username == username {
			bs.Bookmarks[i].LastUsed = ts
			return true
		}
	}
	return false
}

// Find returns the bookmark with the given name, or nil.
func (bs *BookmarkStore) Find(name string) *Bookmark {
	for _, b := range bs.Bookmarks {
		if b.Name == name {
			return &b
		}
	}
	return nil
}

// FindByURL returns a bookmark matching the given server URL, or nil.
func (bs *BookmarkStore) FindByURL(url string) *Bookmark {
	for _, b := range bs.Bookmarks {
		if b.URL == url {
			return &b
		}
	}
	return nil
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "parley")
}
