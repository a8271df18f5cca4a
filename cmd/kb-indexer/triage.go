package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mikey/llm-mail-responder/internal/adapters/mailbox"
	"github.com/mikey/llm-mail-responder/internal/adapters/store"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/factory"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"github.com/mikey/llm-mail-responder/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(triageCmd)
}

var triageCmd = &cobra.Command{
	Use:   "triage [file.eml]",
	Short: "Preview the workflow outcome for a saved email without sending anything",
	Long: `triage classifies, drafts and verifies a saved RFC 5322 message (read from
stdin when no file is given) and prints the outcome. Nothing is sent or recorded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			raw []byte
			err error
		)
		if len(args) == 1 {
			raw, err = os.ReadFile(args[0])
		} else {
			raw, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("failed to read email: %w", err)
		}
		return invoke(func(
			cfg *config.Config,
			logger *zap.Logger,
			llmClient *resilience.LLMClient,
			index *knowledge.Index,
			retriever *knowledge.Retriever,
			wf *factory.WorkflowFactory,
			tp *utils.TextProcessor,
		) error {
			defer logger.Sync()
			defer index.Close()
			defer llmClient.Close()
			return runTriage(cfg, logger, raw, llmClient, retriever, wf, tp)
		})
	},
}

func runTriage(
	cfg *config.Config,
	logger *zap.Logger,
	raw []byte,
	llmClient core.LLMClient,
	retriever core.Retriever,
	wf *factory.WorkflowFactory,
	tp *utils.TextProcessor,
) error {
	msg, err := mailbox.ParseMessage(raw, time.Time{}, "")
	if err != nil {
		return err
	}

	// Print email summary
	fmt.Printf("\n=== Email Summary ===\n")
	fmt.Printf("Message-ID: %s\n", msg.ID)
	fmt.Printf("From: %s\n", msg.From)
	fmt.Printf("Subject: %s\n", msg.Subject)
	fmt.Printf("Body length: %d bytes\n", len(msg.Body))

	fmt.Printf("\n=== Analysis ===\n")
	fmt.Printf("Provider: %s\n", cfg.GetString("llm.provider"))

	startTime := time.Now()
	if !wf.CreateAllowlist().IsAllowed(msg.From) {
		fmt.Printf("\n=== Results ===\n")
		fmt.Printf("Outcome: %s (sender domain is not in the allowed list)\n", core.OutcomeSkipped)
		fmt.Printf("Processing time: %v\n", time.Since(startTime))
		return nil
	}

	engine := wf.CreateEngine(llmClient, retriever, nil, store.NewMemoryStore(logger), tp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := engine.Preview(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to triage email: %w", err)
	}

	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Category: %s\n", result.Category)
	fmt.Printf("Outcome: %s\n", result.Outcome)
	fmt.Printf("Drafts: %d\n", result.Attempts)
	if len(result.Reasons) > 0 {
		fmt.Printf("Reasons:\n  - %s\n", strings.Join(result.Reasons, "\n  - "))
	}
	for i, p := range result.Passages {
		fmt.Printf("Passage %d: %s (score %.4f)\n", i+1, p.ID, p.Score)
	}
	if result.Draft != "" {
		fmt.Printf("\n--- Draft ---\n%s\n", result.Draft)
	}
	fmt.Printf("\nProcessing time: %v\n", time.Since(startTime))
	return nil
}
