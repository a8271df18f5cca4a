package main

import (
	"fmt"
	"os"

	"github.com/mikey/llm-mail-responder/internal/di"
	"github.com/spf13/cobra"
)

var flags = &di.CLIFlags{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kb-indexer",
	Short: "Build and inspect the knowledge index used to answer inquiries",
	Long: `kb-indexer embeds a folder or S3 bucket of support documents into the
knowledge index, queries it, and previews how a saved email would be answered.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&flags.JSONLog, "json-log", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&flags.Provider, "provider", "", "LLM provider override (bedrock, gemini, openai)")
}

// invoke builds the CLI container and calls fn with its dependencies
func invoke(fn interface{}) error {
	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		return fmt.Errorf("failed to build dependency container: %w", err)
	}
	return container.Invoke(fn)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
