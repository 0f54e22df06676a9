package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/luckiday/dreamgaussian-api/internal/config"
	"github.com/luckiday/dreamgaussian-api/pkg/variants"
)

// variantsCmd represents the variants command
var variantsCmd = &cobra.Command{
	Use:   "variants",
	Short: "Inspect generation variants",
}

// variantsListCmd represents the variants list command
var variantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the variants the server would load",
	Long: `List the variants from the configured variants file, or the built-in
DG, MV and VIV variants when no file is configured.`,
	RunE: runVariantsList,
}

// variantsValidateCmd represents the variants validate command
var variantsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a variants file",
	Args:  cobra.ExactArgs(1),
	RunE:  runVariantsValidate,
}

// variantsExampleCmd represents the variants example command
var variantsExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example variants file",
	Args:  cobra.NoArgs,
	RunE:  runVariantsExample,
}

func init() {
	rootCmd.AddCommand(variantsCmd)
	variantsCmd.AddCommand(variantsListCmd)
	variantsCmd.AddCommand(variantsValidateCmd)
	variantsCmd.AddCommand(variantsExampleCmd)
}

type variantView struct {
	ID         string   `json:"id"`
	Default    bool     `json:"default"`
	ConfigFile string   `json:"config_file"`
	OutputDir  string   `json:"output_dir"`
	Stage1     []string `json:"stage1"`
	Stage2     []string `json:"stage2"`
}

func runVariantsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	reg, err := variants.Load(cfg.Variants.File)
	if err != nil {
		return err
	}
	return printVariants(reg)
}

func runVariantsValidate(cmd *cobra.Command, args []string) error {
	reg, err := variants.LoadFile(args[0])
	if err != nil {
		return err
	}
	if !IsStructuredOutput() {
		fmt.Printf("%s: %d variants, default %s\n\n", args[0], len(reg.IDs()), reg.Default())
	}
	return printVariants(reg)
}

func runVariantsExample(cmd *cobra.Command, args []string) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), variants.ExampleConfig)
	return err
}

func printVariants(reg *variants.Registry) error {
	var views []variantView
	for _, id := range reg.IDs() {
		v, err := reg.Resolve(id)
		if err != nil {
			return err
		}
		views = append(views, variantView{
			ID:         v.ID,
			Default:    v.ID == reg.Default(),
			ConfigFile: v.ConfigFile,
			OutputDir:  v.OutputDir,
			Stage1:     v.Stage1,
			Stage2:     v.Stage2,
		})
	}

	if IsStructuredOutput() {
		return printStructured(views)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Variant", "Default", "Config", "Output Dir", "Stage 1", "Stage 2")
	for _, v := range views {
		def := ""
		if v.Default {
			def = "*"
		}
		table.Append(v.ID, def, v.ConfigFile, v.OutputDir, strings.Join(v.Stage1, " "), strings.Join(v.Stage2, " "))
	}
	table.Render()
	return nil
}
