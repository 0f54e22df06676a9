package artifacts

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Entry is one file shown on the artifact index
type Entry struct {
	Dir     string    `json:"dir"`
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// List returns the regular files of every served directory, newest first.
// Directories that do not exist yet are skipped.
func (r *Resolver) List() ([]Entry, error) {
	var entries []Entry
	for _, dir := range r.servedDir {
		des, err := os.ReadDir(filepath.Join(r.root, dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, de := range des {
			if !de.Type().IsRegular() {
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue
			}
			entries = append(entries, Entry{
				Dir:     dir,
				Name:    de.Name(),
				URL:     "/" + url.PathEscape(dir) + "/" + url.PathEscape(de.Name()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].URL < entries[j].URL
		}
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}
