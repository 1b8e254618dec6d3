package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kalambet/sopflow/internal/api"
	"github.com/kalambet/sopflow/internal/config"
	"github.com/kalambet/sopflow/internal/docimport"
	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/orchestrator"
	"github.com/kalambet/sopflow/internal/sop"
	"github.com/kalambet/sopflow/internal/storage"
)

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Document a process through conversation",
}

var processStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a process and start its conversation",
	Long: `Create a process and start its conversation.

Examples:
  sopflow process start --name "Invoice approval" --description "Monthly AP run"
  sopflow process start --name "Onboarding" --description-file ./onboarding.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		desc, _ := cmd.Flags().GetString("description")
		descFile, _ := cmd.Flags().GetString("description-file")
		dept, _ := cmd.Flags().GetString("department")
		formFile, _ := cmd.Flags().GetString("form-file")

		in, err := buildStartInput(name, desc, descFile, dept, formFile)
		if err != nil {
			return err
		}

		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/processes", in)
		if err != nil {
			return err
		}
		var started orchestrator.Started
		if err := decodeJSON(resp, &started); err != nil {
			return err
		}

		printSuccess("Created process %s", started.ProcessID)
		fmt.Println(started.Prompt)
		return nil
	},
}

func buildStartInput(name, desc, descFile, dept, formFile string) (orchestrator.StartInput, error) {
	if strings.TrimSpace(name) == "" {
		return orchestrator.StartInput{}, fmt.Errorf("--name is required")
	}
	if desc != "" && descFile != "" {
		return orchestrator.StartInput{}, fmt.Errorf("use either --description or --description-file, not both")
	}
	in := orchestrator.StartInput{Name: name, Description: desc, DepartmentID: dept}
	if descFile != "" {
		text, err := docimport.ReadFile(descFile)
		if err != nil {
			return orchestrator.StartInput{}, err
		}
		in.Description = text
	}
	if formFile != "" {
		data, err := os.ReadFile(formFile)
		if err != nil {
			return orchestrator.StartInput{}, fmt.Errorf("reading form file: %w", err)
		}
		if !json.Valid(data) {
			return orchestrator.StartInput{}, fmt.Errorf("form file %s is not valid JSON", formFile)
		}
		in.FormData = data
	}
	return in, nil
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/processes?limit="+strconv.Itoa(limit))
		if err != nil {
			return err
		}
		var list []api.ProcessView
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if asJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No processes.")
			return nil
		}
		tw := newTable(os.Stdout, table.Row{"ID", "Name", "Status", "Version", "Updated"})
		for _, p := range list {
			tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CurrentVersion, p.UpdatedAt.Format(time.DateTime)})
		}
		tw.Render()
		return nil
	},
}

var processShowCmd = &cobra.Command{
	Use:   "show <process-id>",
	Short: "Show a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/processes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p api.ProcessView
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

var processChatCmd = &cobra.Command{
	Use:   "chat <process-id> <message>",
	Short: "Send a message in the process conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")
		wait, _ := cmd.Flags().GetBool("wait")
		id := args[0]
		msg := strings.Join(args[1:], " ")

		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var jobID string
		if async {
			resp, err := client.post(ctx, "/processes/"+url.PathEscape(id)+"/turns/async", map[string]string{"message": msg})
			if err != nil {
				return err
			}
			var out map[string]string
			if err := decodeJSON(resp, &out); err != nil {
				return err
			}
			jobID = out["job_id"]
		} else {
			resp, err := client.post(ctx, "/processes/"+url.PathEscape(id)+"/turns", map[string]string{"message": msg})
			if err != nil {
				return err
			}
			var res orchestrator.TurnResult
			if err := decodeJSON(resp, &res); err != nil {
				return err
			}
			if res.JobID == "" {
				if res.UsedFallback {
					printWarning("answered by fallback model %s", res.Model)
				}
				fmt.Println(res.Reply)
				return nil
			}
			jobID = res.JobID
		}

		if !wait {
			printSuccess("Queued as job %s", jobID)
			return nil
		}
		printStep("Queued as job %s, waiting for the reply", jobID)
		job, err := waitForJob(ctx, client, jobID, 500*time.Millisecond)
		if err != nil {
			return err
		}
		return printJobResult(job)
	},
}

var processHistoryCmd = &cobra.Command{
	Use:   "history <process-id>",
	Short: "Show the process conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/processes/"+url.PathEscape(args[0])+"/conversation")
		if err != nil {
			return err
		}
		var out struct {
			Messages []api.MessageView `json:"messages"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		writeHistory(os.Stdout, out.Messages)
		return nil
	},
}

func writeHistory(w io.Writer, msgs []api.MessageView) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		label := colorize(colorBold, role+":")
		fmt.Fprintf(w, "%s %s\n\n", label, m.Content)
	}
}

var processClearCmd = &cobra.Command{
	Use:   "clear <process-id>",
	Short: "Delete the process conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/processes/"+url.PathEscape(args[0])+"/conversation")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Conversation cleared")
		return nil
	},
}

var processStepsCmd = &cobra.Command{
	Use:   "steps <process-id>",
	Short: "Extract the process steps from the conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/processes/"+url.PathEscape(args[0])+"/steps", nil)
		if err != nil {
			return err
		}
		var out struct {
			Steps []sop.Step `json:"steps"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if asJSON {
			return printJSON(out.Steps)
		}
		top, total := sop.Count(out.Steps)
		printSuccess("Extracted %d steps (%d including sub-steps), awaiting approval", top, total)
		writeSteps(os.Stdout, out.Steps)
		return nil
	},
}

var processAnalyzeCmd = &cobra.Command{
	Use:   "analyze <process-id>",
	Short: "Review the process steps for gaps and improvements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/processes/"+url.PathEscape(args[0])+"/analysis", nil)
		if err != nil {
			return err
		}
		var out struct {
			Analysis sop.Analysis `json:"analysis"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if asJSON {
			return printJSON(out.Analysis)
		}
		writeAnalysis(os.Stdout, out.Analysis)
		return nil
	},
}

var processSOPCmd = &cobra.Command{
	Use:   "sop <process-id>",
	Short: "Generate the next SOP version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")

		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/processes/"+url.PathEscape(args[0])+"/sop", nil)
		if err != nil {
			return err
		}
		var doc sop.Document
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		if outPath == "" {
			return writeDocument(os.Stdout, doc, format)
		}
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", outPath, err)
		}
		if err := writeDocument(f, doc, format); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		printSuccess("Wrote SOP version %d to %s", doc.Version, outPath)
		return nil
	},
}

func init() {
	processStartCmd.Flags().String("name", "", "process name")
	processStartCmd.Flags().String("description", "", "short description")
	processStartCmd.Flags().String("description-file", "", "read the description from a .pdf or text file")
	processStartCmd.Flags().String("department", "", "department id")
	processStartCmd.Flags().String("form-file", "", "JSON file with intake form data")

	processListCmd.Flags().Int("limit", 20, "maximum number of processes")
	processListCmd.Flags().Bool("json", false, "output JSON")

	processChatCmd.Flags().Bool("async", false, "always queue the turn")
	processChatCmd.Flags().Bool("wait", true, "wait for queued turns to finish")

	processStepsCmd.Flags().Bool("json", false, "output JSON")
	processAnalyzeCmd.Flags().Bool("json", false, "output JSON")

	processSOPCmd.Flags().String("format", "json", "output format: json, yaml or text")
	processSOPCmd.Flags().String("out", "", "write the SOP to a file")

	processCmd.AddCommand(processStartCmd)
	processCmd.AddCommand(processListCmd)
	processCmd.AddCommand(processShowCmd)
	processCmd.AddCommand(processChatCmd)
	processCmd.AddCommand(processHistoryCmd)
	processCmd.AddCommand(processClearCmd)
	processCmd.AddCommand(processStepsCmd)
	processCmd.AddCommand(processAnalyzeCmd)
	processCmd.AddCommand(processSOPCmd)
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show the status of a queued turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		client, err := newAPIClient(cmd, "")
		if err != nil {
			return err
		}
		if wait {
			job, err := waitForJob(cmd.Context(), client, args[0], 500*time.Millisecond)
			if err != nil {
				return err
			}
			return printJobResult(job)
		}
		job, err := getJob(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

func init() {
	jobCmd.Flags().Bool("wait", false, "wait until the job finishes")
}

func getJob(ctx context.Context, client *apiClient, id string) (api.JobView, error) {
	resp, err := client.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return api.JobView{}, err
	}
	var job api.JobView
	err = decodeJSON(resp, &job)
	return job, err
}

// waitForJob polls a job until it completes or fails.
func waitForJob(ctx context.Context, client *apiClient, id string, interval time.Duration) (api.JobView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := getJob(ctx, client, id)
		if err != nil {
			return api.JobView{}, err
		}
		if job.Status == storage.JobCompleted || job.Status == storage.JobFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJobResult(job api.JobView) error {
	if job.Status == storage.JobFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
	if job.UsedFallback {
		printWarning("answered by fallback model %s", job.Model)
	}
	fmt.Println(job.Result)
	return nil
}

// --- model ---

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage stored model configurations (admin)",
}

var modelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a model configuration",
	Long: `Store a model configuration. The API key is read from the environment
variable named by --api-key-env so it never appears in shell history.

Examples:
  sopflow model add --name default --primary gpt-4o --fallback gpt-4o-mini --activate
  OPENAI_KEY=sk-... sopflow model add --name team --primary gpt-4o --api-key-env OPENAI_KEY`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := modelRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd, orchestrator.RoleAdmin)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/ai-config", req)
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Stored model config %s", out["id"])
		return nil
	},
}

func modelRequestFromFlags(cmd *cobra.Command) (map[string]any, error) {
	name, _ := cmd.Flags().GetString("name")
	provider, _ := cmd.Flags().GetString("provider")
	primary, _ := cmd.Flags().GetString("primary")
	fallback, _ := cmd.Flags().GetString("fallback")
	promptFile, _ := cmd.Flags().GetString("system-prompt-file")
	temperature, _ := cmd.Flags().GetFloat64("temperature")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	keyEnv, _ := cmd.Flags().GetString("api-key-env")
	activate, _ := cmd.Flags().GetBool("activate")

	if name == "" || primary == "" {
		return nil, fmt.Errorf("--name and --primary are required")
	}
	req := map[string]any{
		"name":           name,
		"provider":       provider,
		"primary_model":  primary,
		"fallback_model": fallback,
		"temperature":    temperature,
		"max_tokens":     maxTokens,
		"activate":       activate,
	}
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return nil, fmt.Errorf("reading system prompt: %w", err)
		}
		req["system_prompt"] = string(data)
	}
	if keyEnv != "" {
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %s is empty", keyEnv)
		}
		req["api_key"] = key
	}
	return req, nil
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored model configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd, orchestrator.RoleAdmin)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/admin/ai-config")
		if err != nil {
			return err
		}
		var list []modelconfig.Summary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		writeModelTable(os.Stdout, list)
		return nil
	},
}

func writeModelTable(w io.Writer, list []modelconfig.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No stored model configs; the configured provider defaults are in use.")
		return
	}
	tw := newTable(w, table.Row{"", "ID", "Name", "Primary", "Fallback", "Temp", "Max tokens", "Key"})
	for _, s := range list {
		active := ""
		if s.IsActive {
			active = "*"
		}
		key := "no"
		if s.HasAPIKey {
			key = "yes"
		}
		tw.AppendRow(table.Row{active, s.ID, s.Name, s.PrimaryModel, s.FallbackModel, s.Temperature, s.MaxTokens, key})
	}
	tw.Render()
}

var modelActivateCmd = &cobra.Command{
	Use:   "activate <config-id>",
	Short: "Make a stored configuration active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd, orchestrator.RoleAdmin)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/admin/ai-config/"+url.PathEscape(args[0])+"/activate", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &map[string]string{}); err != nil {
			return err
		}
		printSuccess("Activated model config %s", args[0])
		return nil
	},
}

func init() {
	modelAddCmd.Flags().String("name", "", "configuration name")
	modelAddCmd.Flags().String("provider", modelconfig.DefaultProvider, "provider name")
	modelAddCmd.Flags().String("primary", "", "primary model id")
	modelAddCmd.Flags().String("fallback", "", "fallback model id")
	modelAddCmd.Flags().String("system-prompt-file", "", "file with the system prompt")
	modelAddCmd.Flags().Float64("temperature", modelconfig.DefaultTemperature, "sampling temperature (0-2)")
	modelAddCmd.Flags().Int("max-tokens", modelconfig.DefaultMaxTokens, "maximum reply tokens")
	modelAddCmd.Flags().String("api-key-env", "", "environment variable holding the provider API key")
	modelAddCmd.Flags().Bool("activate", false, "make this configuration active")

	modelCmd.AddCommand(modelAddCmd)
	modelCmd.AddCommand(modelListCmd)
	modelCmd.AddCommand(modelActivateCmd)
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not set; %s", config.SecretHint("auth.jwt_secret"))
		}
		user, role := userFlags(cmd, cfg.MCP.UserID)
		token, err := api.IssueToken(cfg.Auth.JWTSecret, user, role, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSecretCmd = &cobra.Command{
	Use:   "secret <key>",
	Short: "Store a secret read from stdin in the platform secret store",
	Long: "Store a secret read from stdin in the platform secret store.\n\nSecret keys: " +
		strings.Join(config.SecretKeys(), ", "),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if unset, _ := cmd.Flags().GetBool("unset"); unset {
			if err := config.UnsetSecret(args[0]); err != nil {
				return err
			}
			printSuccess("Removed %s", args[0])
			return nil
		}
		value, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSecretCmd)

	configSecretCmd.Flags().Bool("unset", false, "Remove the secret instead of storing one")
}
