package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/luckiday/dreamgaussian-api/pkg/api"
	"github.com/luckiday/dreamgaussian-api/pkg/client"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
)

var (
	// Job submit flags
	prompt   string
	savePath string
	model    string
	wait     bool

	// Job status flags
	followStatus bool
	pollEvery    time.Duration

	// Job list flags
	listState string
	listLimit int
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage generation tasks",
	Long:  `Commands for submitting generation tasks to a running server and following their status.`,
}

// jobsSubmitCmd represents the jobs submit command
var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new generation task",
	Long: `Submit a prompt for 3D generation. If the artifact for the save path already
exists the server answers with task id 0000 and no job is created.`,
	RunE: runJobsSubmit,
}

// jobsStatusCmd represents the jobs status command
var jobsStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Get task status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

// jobsListCmd represents the jobs list command
var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	RunE:  runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)

	jobsSubmitCmd.Flags().StringVar(&prompt, "prompt", "", "text prompt (required)")
	jobsSubmitCmd.Flags().StringVar(&savePath, "save-path", "", "output name (default from server)")
	jobsSubmitCmd.Flags().StringVar(&model, "model", "", "generation variant, e.g. DG, MV or VIV (default from server)")
	jobsSubmitCmd.Flags().BoolVar(&wait, "wait", false, "follow the task until it finishes")
	jobsSubmitCmd.Flags().DurationVar(&pollEvery, "interval", 2*time.Second, "poll interval for --wait and --follow")
	jobsSubmitCmd.MarkFlagRequired("prompt")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll task status until it finishes")
	jobsStatusCmd.Flags().DurationVar(&pollEvery, "interval", 2*time.Second, "poll interval for --follow")

	jobsListCmd.Flags().StringVar(&listState, "state", "", "filter by state (Pending, Running, Succeeded, Failed)")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of tasks")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	if wait {
		if err := validatePollInterval(pollEvery); err != nil {
			return err
		}
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := newClient()
	if err != nil {
		return err
	}
	resp, code, err := c.Submit(ctx, api.GenerateRequest{Prompt: prompt, SavePath: savePath, Model: model})
	if err != nil {
		return err
	}

	if IsStructuredOutput() && !wait {
		return printStructured(resp)
	}
	if !IsStructuredOutput() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Task ID", resp.TaskID)
		if resp.TaskID == models.SentinelJobID {
			table.Append("Message", resp.Message)
			table.Append("Object Path", resp.ObjectPath)
		}
		table.Append("HTTP Status", strconv.Itoa(code))
		table.Render()
	}

	if resp.TaskID == models.SentinelJobID {
		if !IsStructuredOutput() {
			fmt.Println("\nArtifact already exists, no task was created")
		}
		return nil
	}
	if !wait {
		fmt.Printf("\nTask submitted! Follow it with: dreamgen jobs status %s --follow\n", resp.TaskID)
		return nil
	}
	return followTask(ctx, c, resp.TaskID)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c, err := newClient()
	if err != nil {
		return err
	}
	taskID := args[0]
	if followStatus {
		if err := validatePollInterval(pollEvery); err != nil {
			return err
		}
		return followTask(ctx, c, taskID)
	}

	status, err := c.Status(ctx, taskID)
	if errors.Is(err, client.ErrTaskNotFound) {
		return fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return err
	}
	displayTaskStatus(status)
	return taskExitError(status)
}

func validatePollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("--interval must be positive, got %v", d)
	}
	return nil
}

func followTask(ctx context.Context, c *client.Client, taskID string) error {
	if !IsStructuredOutput() {
		fmt.Printf("Following task %s (press Ctrl+C to stop)...\n", taskID)
	}
	last := ""
	final, err := c.Wait(ctx, taskID, pollEvery, func(s *api.TaskStatusResponse) {
		if IsStructuredOutput() || s.Status == last {
			return
		}
		last = s.Status
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), s.Status)
	})
	if errors.Is(err, client.ErrTaskNotFound) {
		return fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return err
	}
	fmt.Println()
	displayTaskStatus(final)
	return taskExitError(final)
}

func displayTaskStatus(s *api.TaskStatusResponse) {
	if IsStructuredOutput() {
		_ = printStructured(s)
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Task ID", s.TaskID)
	if s.Message != "" {
		table.Append("Message", s.Message)
	}
	if s.State != "" {
		table.Append("State", s.State)
	}
	if s.Status != "" {
		table.Append("Status", s.Status)
	}
	if r := s.Result; r != nil {
		if r.Stage > 0 {
			table.Append("Stage", fmt.Sprintf("%d of 2", r.Stage))
		}
		if r.ObjectPath != "" {
			table.Append("Object Path", r.ObjectPath)
		}
	}
	if e := s.Error; e != nil {
		table.Append("Error", e.Message)
		table.Append("Details", e.Details)
		if e.Stage > 0 {
			table.Append("Failed Stage", strconv.Itoa(e.Stage))
		}
		if e.ExitCode != nil {
			table.Append("Exit Code", strconv.Itoa(*e.ExitCode))
		}
		if e.TimedOut {
			table.Append("Timed Out", "yes")
		}
	}
	table.Render()
}

// taskExitError makes a failed task fail the command
func taskExitError(s *api.TaskStatusResponse) error {
	if s.State == string(models.JobStatusFailed) {
		return fmt.Errorf("task %s failed", s.TaskID)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	result, err := c.List(cmd.Context(), listState, listLimit)
	if err != nil {
		return err
	}

	if IsStructuredOutput() {
		return printStructured(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task ID", "Variant", "Save Path", "State", "Stage", "Result", "Created")
	for _, job := range result.Jobs {
		stage := "-"
		if job.Stage > 0 {
			stage = strconv.Itoa(job.Stage)
		}
		outcome := "-"
		switch {
		case job.Result != nil:
			outcome = job.Result.ObjectPath
		case job.Error != "":
			outcome = truncate(job.Error, 48)
		}
		table.Append(
			job.ID,
			job.Variant,
			job.SavePath,
			string(job.Status),
			stage,
			outcome,
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	table.Render()
	fmt.Printf("\nTotal tasks: %d\n", result.Count)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
