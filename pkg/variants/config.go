package variants

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk form of the registry
type FileConfig struct {
	Default  string                  `yaml:"default"`
	Variants map[string]VariantEntry `yaml:"variants"`
}

// VariantEntry defines one variant in the registry file
type VariantEntry struct {
	ConfigFile string   `yaml:"config_file"`
	OutputDir  string   `yaml:"output_dir"`
	Stage1     []string `yaml:"stage1"`
	Stage2     []string `yaml:"stage2"`
}

// LoadFile loads a registry from a YAML file
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variants file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes
func Parse(data []byte) (*Registry, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse variants file: %w", err)
	}

	configs := make([]VariantConfig, 0, len(fc.Variants))
	for id, e := range fc.Variants {
		c := VariantConfig{
			ID:         id,
			ConfigFile: e.ConfigFile,
			OutputDir:  e.OutputDir,
			Stage1:     e.Stage1,
			Stage2:     e.Stage2,
		}
		if c.OutputDir == "" {
			c.OutputDir = "logs_" + strings.ToLower(id)
		}
		if len(c.Stage1) == 0 {
			c.Stage1 = defaultStage1()
		}
		if len(c.Stage2) == 0 {
			c.Stage2 = defaultStage2()
		}
		configs = append(configs, c)
	}

	def := fc.Default
	if def == "" && len(configs) == 1 {
		def = configs[0].ID
	}
	return NewRegistry(def, configs...)
}

// Load returns the registry at path, or the built-in registry when path is empty
func Load(path string) (*Registry, error) {
	if path == "" {
		return Builtin(), nil
	}
	return LoadFile(path)
}

func defaultStage1() []string {
	return []string{"python", "main.py", "--config", PlaceholderConfig,
		"prompt=" + PlaceholderPrompt, "save_path=" + PlaceholderSavePath}
}

func defaultStage2() []string {
	return []string{"python", "main2.py", "--config", PlaceholderConfig,
		"prompt=" + PlaceholderPrompt, "save_path=" + PlaceholderSavePath}
}

// Builtin returns the DG, MV and VIV variants with their stock configs
func Builtin() *Registry {
	r, err := NewRegistry("DG",
		VariantConfig{ID: "DG", ConfigFile: "configs/text.yaml", OutputDir: "logs_dg",
			Stage1: defaultStage1(), Stage2: defaultStage2()},
		VariantConfig{ID: "MV", ConfigFile: "configs/text_mv.yaml", OutputDir: "logs_mv",
			Stage1: defaultStage1(), Stage2: defaultStage2()},
		VariantConfig{ID: "VIV", ConfigFile: "configs/text_viv.yaml", OutputDir: "logs_viv",
			Stage1: defaultStage1(), Stage2: defaultStage2()},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// ExampleConfig is printed by `dreamgen variants example`
const ExampleConfig = `# Generation variants
default: DG

variants:
  DG:
    config_file: configs/text.yaml
    output_dir: logs_dg
    stage1: [python, main.py, --config, "{config}", "prompt={prompt}", "save_path={save_path}"]
    stage2: [python, main2.py, --config, "{config}", "prompt={prompt}", "save_path={save_path}"]
  MV:
    config_file: configs/text_mv.yaml
    output_dir: logs_mv
  VIV:
    config_file: configs/text_viv.yaml
    output_dir: logs_viv
`
