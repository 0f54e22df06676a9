package variants

import (
	"errors"
	"reflect"
	"testing"
)

func TestBuiltinRegistry(t *testing.T) {
	r := Builtin()

	if r.Default() != "DG" {
		t.Errorf("Default() = %q, want DG", r.Default())
	}
	if got := r.IDs(); !reflect.DeepEqual(got, []string{"DG", "MV", "VIV"}) {
		t.Errorf("IDs() = %v", got)
	}
	if got := r.OutputDirs(); !reflect.DeepEqual(got, []string{"logs_dg", "logs_mv", "logs_viv"}) {
		t.Errorf("OutputDirs() = %v", got)
	}

	tests := []struct {
		id         string
		wantConfig string
		wantDir    string
	}{
		{"DG", "configs/text.yaml", "logs_dg"},
		{"MV", "configs/text_mv.yaml", "logs_mv"},
		{"VIV", "configs/text_viv.yaml", "logs_viv"},
		{"", "configs/text.yaml", "logs_dg"},
	}
	for _, tt := range tests {
		t.Run("resolve "+tt.id, func(t *testing.T) {
			c, err := r.Resolve(tt.id)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.id, err)
			}
			if c.ConfigFile != tt.wantConfig || c.OutputDir != tt.wantDir {
				t.Errorf("Resolve(%q) = %+v", tt.id, c)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	r := Builtin()
	for _, id := range []string{"dg", "XYZ", "DG "} {
		_, err := r.Resolve(id)
		if !errors.Is(err, ErrUnknownVariant) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnknownVariant", id, err)
		}
	}
}

func TestStageArgs(t *testing.T) {
	c, err := Builtin().Resolve("MV")
	if err != nil {
		t.Fatal(err)
	}

	args, err := c.StageArgs(1, "a cat; rm -rf /", "cat")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"python", "main.py", "--config", "configs/text_mv.yaml",
		"prompt=a cat; rm -rf /", "save_path=cat"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("stage 1 args = %q, want %q", args, want)
	}

	args, err = c.StageArgs(2, "{save_path}", "x")
	if err != nil {
		t.Fatal(err)
	}
	if args[1] != "main2.py" {
		t.Errorf("stage 2 script = %q", args[1])
	}
	// substituted values are not expanded a second time
	if args[4] != "prompt={save_path}" {
		t.Errorf("prompt arg = %q", args[4])
	}

	if _, err := c.StageArgs(3, "p", "s"); err == nil {
		t.Error("expected error for stage 3")
	}
}

func TestNewRegistryValidation(t *testing.T) {
	stage := []string{"true"}
	tests := []struct {
		name    string
		def     string
		configs []VariantConfig
	}{
		{"no variants", "DG", nil},
		{"empty id", "", []VariantConfig{{OutputDir: "a", Stage1: stage, Stage2: stage}}},
		{"nested output dir", "A", []VariantConfig{{ID: "A", OutputDir: "a/b", Stage1: stage, Stage2: stage}}},
		{"dot output dir", "A", []VariantConfig{{ID: "A", OutputDir: "..", Stage1: stage, Stage2: stage}}},
		{"missing stage 2", "A", []VariantConfig{{ID: "A", OutputDir: "a", Stage1: stage}}},
		{"unknown default", "B", []VariantConfig{{ID: "A", OutputDir: "a", Stage1: stage, Stage2: stage}}},
		{"duplicate", "A", []VariantConfig{
			{ID: "A", OutputDir: "a", Stage1: stage, Stage2: stage},
			{ID: "A", OutputDir: "b", Stage1: stage, Stage2: stage},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.def, tt.configs...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParse(t *testing.T) {
	r, err := Parse([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("Parse(ExampleConfig) error: %v", err)
	}
	if !reflect.DeepEqual(r.IDs(), Builtin().IDs()) {
		t.Errorf("IDs() = %v", r.IDs())
	}
	mv, _ := r.Resolve("MV")
	if mv.Stage2[1] != "main2.py" {
		t.Errorf("MV stage 2 should fall back to default command, got %v", mv.Stage2)
	}

	single, err := Parse([]byte("variants:\n  X:\n    stage1: [echo, one]\n    stage2: [echo, two]\n"))
	if err != nil {
		t.Fatal(err)
	}
	x, _ := single.Resolve("")
	if x.ID != "X" || x.OutputDir != "logs_x" {
		t.Errorf("single variant = %+v", x)
	}

	if _, err := Parse([]byte("variants: [")); err == nil {
		t.Error("expected YAML error")
	}
}

func TestLoadEmptyPathUsesBuiltin(t *testing.T) {
	r, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if r.Default() != "DG" {
		t.Errorf("Default() = %q", r.Default())
	}
	if _, err := Load("/nonexistent/variants.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
