package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a running server",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	h, err := c.Health(cmd.Context())
	if err != nil {
		return err
	}

	if IsStructuredOutput() {
		return printStructured(h)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Server", GetServerURL())
	table.Append("Status", h.Status)
	table.Append("Store", h.Store)
	table.Append("Variants", strings.Join(h.Variants, ", "))
	if h.Host != nil {
		table.Append("CPU", fmt.Sprintf("%.1f%%", h.Host.CPUPercent))
		table.Append("Memory", fmt.Sprintf("%.1f%%", h.Host.MemoryPercent))
		table.Append("Memory Available", fmt.Sprintf("%d MiB", h.Host.MemoryFree>>20))
	}
	table.Render()
	return nil
}
