package artifacts

import (
	"os"
	"path"
	"path/filepath"

	"github.com/luckiday/dreamgaussian-api/pkg/variants"
)

// Extensions are the recognized artifact extensions in lookup order
var Extensions = []string{".obj", ".glb"}

// Resolver maps (variant, save path) to artifact locations under a root
// directory. Reported paths are slash-separated and relative to the root.
type Resolver struct {
	root      string
	allowed   map[string]bool
	servedDir []string
}

// NewResolver creates a resolver rooted at root. Every output directory of
// the registry is servable, plus any extra directories.
func NewResolver(root string, registry *variants.Registry, extraDirs ...string) *Resolver {
	if root == "" {
		root = "."
	}
	r := &Resolver{root: root, allowed: make(map[string]bool)}
	dirs := append(registry.OutputDirs(), extraDirs...)
	for _, d := range dirs {
		if !isSingleComponent(d) || r.allowed[d] {
			continue
		}
		r.allowed[d] = true
		r.servedDir = append(r.servedDir, d)
	}
	return r
}

// Root returns the directory artifacts are resolved against
func (r *Resolver) Root() string {
	return r.root
}

// Dirs returns the directories that may be listed and served
func (r *Resolver) Dirs() []string {
	return append([]string(nil), r.servedDir...)
}

// ObjectPath is the reported location of an artifact with the given extension
func ObjectPath(v variants.VariantConfig, savePath, ext string) string {
	return path.Join(v.OutputDir, savePath+ext)
}

// ExpectedPaths returns the candidate artifact locations in lookup order
func (r *Resolver) ExpectedPaths(v variants.VariantConfig, savePath string) []string {
	paths := make([]string, len(Extensions))
	for i, ext := range Extensions {
		paths[i] = ObjectPath(v, savePath, ext)
	}
	return paths
}

// Locate returns the first expected path that exists as a regular file
func (r *Resolver) Locate(v variants.VariantConfig, savePath string) (string, bool) {
	for _, p := range r.ExpectedPaths(v, savePath) {
		info, err := os.Stat(r.FullPath(p))
		if err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// FullPath converts a reported path to a filesystem path
func (r *Resolver) FullPath(objectPath string) string {
	return filepath.Join(r.root, filepath.FromSlash(objectPath))
}

// ServePath validates a (directory, file name) pair from a request and
// returns the filesystem path to serve.
func (r *Resolver) ServePath(dir, name string) (string, error) {
	if !r.allowed[dir] {
		return "", ErrUnsafePath
	}
	return SafeJoin(filepath.Join(r.root, dir), name)
}
