// Package fsutil holds the small filesystem helpers behind model discovery.
package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "home dir")
	}
	return filepath.Join(home, path[1:]), nil
}

// File is a regular file found by ListFiles.
type File struct {
	Name string
	Path string
	Size int64
}

// ListFiles returns the regular files directly under dir whose extension
// matches ext (case-insensitive), sorted by name. dir may start with '~'.
func ListFiles(dir, ext string) ([]File, error) {
	base, err := ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errors.Wrap(err, "abs path")
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, errors.Wrap(err, "read dir")
	}
	var out []File
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", e.Name())
		}
		out = append(out, File{Name: e.Name(), Path: filepath.Join(abs, e.Name()), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
