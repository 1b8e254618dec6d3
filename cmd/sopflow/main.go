package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "sopflow",
	Short:         "Document business processes through guided AI conversations",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("user", "", "act as this user id (default: mcp.user_id)")
	rootCmd.PersistentFlags().String("role", "", "role claim for the issued token")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(jobCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// userFlags returns the --user and --role values, falling back to the
// configured operator id.
func userFlags(cmd *cobra.Command, defaultUser string) (string, string) {
	user, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")
	if user == "" {
		user = defaultUser
	}
	return user, role
}

func printJSON(v any) error {
	return writeJSONTo(os.Stdout, v)
}
