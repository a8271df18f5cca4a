package main

import (
	"context"
	"os"

	"github.com/mikey/llm-mail-responder/internal/adapters/mailbox"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(gmailAuthCmd)
}

var gmailAuthCmd = &cobra.Command{
	Use:   "gmail-auth",
	Short: "Authorise Gmail access and save the OAuth token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return invoke(func(cfg *config.Config) error {
			return mailbox.AuthorizeGmail(context.Background(), cfg.GetGmail(), os.Stdin, os.Stdout)
		})
	},
}
