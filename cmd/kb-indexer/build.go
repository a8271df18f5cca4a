package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/factory"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	buildDir     string
	buildFromS3  bool
	buildAppend  bool
	buildTimeout time.Duration
)

func init() {
	buildCmd.Flags().StringVar(&buildDir, "dir", "", "directory of documents (default knowledge.source_dir)")
	buildCmd.Flags().BoolVar(&buildFromS3, "s3", false, "read documents from the configured S3 bucket")
	buildCmd.Flags().BoolVar(&buildAppend, "append", false, "add to the existing index instead of rebuilding it")
	buildCmd.Flags().DurationVar(&buildTimeout, "timeout", 30*time.Minute, "overall build timeout")
	rootCmd.AddCommand(buildCmd)
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed the knowledge documents into the index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return invoke(runBuild)
	},
}

func runBuild(
	cfg *config.Config,
	logger *zap.Logger,
	kf *factory.KnowledgeFactory,
	builder *knowledge.Builder,
	index *knowledge.Index,
	llmClient *resilience.LLMClient,
) error {
	defer logger.Sync()
	defer index.Close()
	defer llmClient.Close()

	if err := cfg.ValidateKnowledge(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	sources, err := kf.CreateSources(ctx, buildDir, buildFromS3)
	if err != nil {
		return err
	}

	start := time.Now()
	info, err := builder.Build(ctx, kf.BuildOptions(!buildAppend), sources...)
	if err != nil {
		return fmt.Errorf("failed to build knowledge index: %w", err)
	}

	fmt.Printf("\n=== Index Built ===\n")
	fmt.Printf("Path: %s\n", cfg.GetKnowledge().IndexPath)
	fmt.Printf("Documents: %d\n", info.Documents)
	fmt.Printf("Chunks: %d\n", info.Chunks)
	fmt.Printf("Dimensions: %d\n", info.Dimensions)
	fmt.Printf("Build time: %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}
