package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/sopflow/internal/sop"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAMLTo(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	return tw
}

// writeSteps prints a numbered step tree, indenting sub-steps.
func writeSteps(w io.Writer, steps []sop.Step) {
	writeStepLevel(w, steps, "", 0)
}

func writeStepLevel(w io.Writer, steps []sop.Step, prefix string, depth int) {
	indent := strings.Repeat("   ", depth)
	for _, s := range steps {
		num := fmt.Sprintf("%s%d.", prefix, s.Order)
		fmt.Fprintf(w, "%s%s %s\n", indent, num, s.Title)
		if s.Description != "" {
			fmt.Fprintf(w, "%s   %s\n", indent, s.Description)
		}
		writeStepLevel(w, s.SubSteps, num, depth+1)
	}
}

// writeAnalysis prints the overall assessment followed by issue and
// suggestion tables.
func writeAnalysis(w io.Writer, a sop.Analysis) {
	fmt.Fprintln(w, a.Overall)
	if len(a.Issues) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w, table.Row{"Step", "Issue"})
		for _, i := range a.Issues {
			tw.AppendRow(table.Row{stepLabel(i.StepNumber), i.Issue})
		}
		tw.Render()
	}
	if len(a.Suggestions) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w, table.Row{"Step", "Suggestion"})
		for _, s := range a.Suggestions {
			tw.AppendRow(table.Row{stepLabel(s.StepNumber), s.Suggestion})
		}
		tw.Render()
	}
}

func stepLabel(n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

// writeDocument renders an SOP in the requested format: json, yaml or text.
func writeDocument(w io.Writer, doc sop.Document, format string) error {
	switch strings.ToLower(format) {
	case "", "json":
		return writeJSONTo(w, doc)
	case "yaml", "yml":
		return writeYAMLTo(w, doc)
	case "text":
		fmt.Fprintf(w, "%s (version %d)\n\n", doc.Title, doc.Version)
		if doc.Summary != "" {
			fmt.Fprintf(w, "%s\n\n", doc.Summary)
		}
		writeSteps(w, doc.Steps)
		if doc.TotalEstimatedMinutes > 0 {
			fmt.Fprintf(w, "\nTotal estimated time: %g min\n", doc.TotalEstimatedMinutes)
		}
		fmt.Fprintf(w, "Automation score: %g\n", doc.Automation.Score)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want json, yaml or text)", format)
	}
}
