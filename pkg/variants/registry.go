package variants

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownVariant is returned by Resolve for ids not in the registry
var ErrUnknownVariant = errors.New("unknown variant")

// Placeholders substituted into stage argument vectors
const (
	PlaceholderPrompt    = "{prompt}"
	PlaceholderSavePath  = "{save_path}"
	PlaceholderConfig    = "{config}"
	PlaceholderOutputDir = "{output_dir}"
)

// VariantConfig describes how one generation variant is run
type VariantConfig struct {
	ID         string
	ConfigFile string
	OutputDir  string
	Stage1     []string
	Stage2     []string
}

// StageArgs returns the argument vector for stage 1 or 2 with placeholders
// replaced. Each placeholder is substituted inside a single argument and
// never splits or joins arguments.
func (v VariantConfig) StageArgs(stage int, prompt, savePath string) ([]string, error) {
	var tmpl []string
	switch stage {
	case 1:
		tmpl = v.Stage1
	case 2:
		tmpl = v.Stage2
	default:
		return nil, fmt.Errorf("variant %s has no stage %d", v.ID, stage)
	}

	r := strings.NewReplacer(
		PlaceholderPrompt, prompt,
		PlaceholderSavePath, savePath,
		PlaceholderConfig, v.ConfigFile,
		PlaceholderOutputDir, v.OutputDir,
	)
	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		args[i] = r.Replace(a)
	}
	return args, nil
}

// Registry is an immutable map of variant id to configuration
type Registry struct {
	variants   map[string]VariantConfig
	defaultID  string
	outputDirs []string
}

// NewRegistry validates the given variants and builds a registry.
// defaultID must name one of them.
func NewRegistry(defaultID string, configs ...VariantConfig) (*Registry, error) {
	if len(configs) == 0 {
		return nil, errors.New("no variants configured")
	}

	r := &Registry{
		variants:  make(map[string]VariantConfig, len(configs)),
		defaultID: defaultID,
	}
	seenDirs := make(map[string]bool)
	for _, c := range configs {
		if err := validate(c); err != nil {
			return nil, err
		}
		if _, dup := r.variants[c.ID]; dup {
			return nil, fmt.Errorf("duplicate variant %q", c.ID)
		}
		c.Stage1 = append([]string(nil), c.Stage1...)
		c.Stage2 = append([]string(nil), c.Stage2...)
		r.variants[c.ID] = c
		if !seenDirs[c.OutputDir] {
			seenDirs[c.OutputDir] = true
			r.outputDirs = append(r.outputDirs, c.OutputDir)
		}
	}
	if _, ok := r.variants[defaultID]; !ok {
		return nil, fmt.Errorf("default variant %q is not configured", defaultID)
	}
	sort.Strings(r.outputDirs)
	return r, nil
}

func validate(c VariantConfig) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("variant id is empty")
	}
	if c.OutputDir == "" || c.OutputDir == "." || c.OutputDir == ".." ||
		strings.ContainsAny(c.OutputDir, `/\`) {
		return fmt.Errorf("variant %s: output_dir %q must be a single directory name", c.ID, c.OutputDir)
	}
	if len(c.Stage1) == 0 || len(c.Stage2) == 0 {
		return fmt.Errorf("variant %s: both stages must have a command", c.ID)
	}
	return nil
}

// Resolve returns the configuration for id. An empty id resolves to the
// default variant.
func (r *Registry) Resolve(id string) (VariantConfig, error) {
	if id == "" {
		id = r.defaultID
	}
	c, ok := r.variants[id]
	if !ok {
		return VariantConfig{}, fmt.Errorf("%w: %s", ErrUnknownVariant, id)
	}
	return c, nil
}

// Default returns the id used when a request names no variant
func (r *Registry) Default() string {
	return r.defaultID
}

// IDs returns the configured variant ids in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.variants))
	for id := range r.variants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OutputDirs returns the distinct output directories of all variants
func (r *Registry) OutputDirs() []string {
	return append([]string(nil), r.outputDirs...)
}
