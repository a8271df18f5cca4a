package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
	"github.com/mikey/llm-mail-responder/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var queryTopK int

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of passages (default retrieval.top_k)")
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(infoCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Show the passages the index returns for a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		return invoke(func(
			cfg *config.Config,
			logger *zap.Logger,
			index *knowledge.Index,
			retriever *knowledge.Retriever,
			tp *utils.TextProcessor,
		) error {
			defer logger.Sync()
			defer index.Close()

			k := queryTopK
			if k <= 0 {
				k = cfg.GetRetrieval().TopK
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			passages, err := retriever.Retrieve(ctx, question, k)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Results for %q ===\n", question)
			if len(passages) == 0 {
				fmt.Printf("No passages scored above %.2f\n", cfg.GetRetrieval().MinScore)
				return nil
			}
			for i, p := range passages {
				fmt.Printf("\n[%d] %s (score %.4f)\n", i+1, p.ID, p.Score)
				fmt.Printf("%s\n", tp.TruncateText(p.Text, 400))
			}
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show how the index was built",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return invoke(func(cfg *config.Config, index *knowledge.Index) error {
			defer index.Close()

			info, err := index.Info()
			if err != nil {
				return err
			}
			fmt.Printf("Path: %s\n", cfg.GetKnowledge().IndexPath)
			if info.Chunks == 0 {
				fmt.Printf("The index is empty, run the build command first\n")
				return nil
			}
			fmt.Printf("Documents: %d\n", info.Documents)
			fmt.Printf("Chunks: %d\n", info.Chunks)
			fmt.Printf("Dimensions: %d\n", info.Dimensions)
			fmt.Printf("Built at: %s\n", info.BuiltAt.Format(time.RFC3339))
			return nil
		})
	},
}
