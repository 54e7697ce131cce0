// Package main provides the winnow command line tool. It reads a
// conversation from a JSON file, optimizes it against a token budget, and
// writes the selected window to stdout, which makes the engine easy to
// poke at from shell pipelines and test fixtures.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/winnowhq/winnow/pkg/config"
	"github.com/winnowhq/winnow/pkg/embedding"
	"github.com/winnowhq/winnow/pkg/optimizer"
	"github.com/winnowhq/winnow/pkg/tokenizer"
	"github.com/winnowhq/winnow/pkg/types"
)

const version = "0.1.0"

// cliConfig holds the parsed command line options.
type cliConfig struct {
	ConfigPath  string
	InputPath   string
	Query       string
	Budget      int
	ShowStats   bool
	ShowVersion bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("winnow v%s\n", version)
		return
	}

	if err := run(context.Background(), cli); err != nil {
		log.Fatalf("winnow: %v", err)
	}
}

func parseFlags() *cliConfig {
	cli := &cliConfig{}

	flag.StringVar(&cli.ConfigPath, "config", "", "Path to a YAML engine configuration (optional, defaults apply)")
	flag.StringVar(&cli.InputPath, "input", "-", "Path to a JSON array of conversation chunks, or - for stdin")
	flag.StringVar(&cli.Query, "query", "", "Relevance query text")
	flag.IntVar(&cli.Budget, "budget", 4096, "Token budget for the optimized window")
	flag.BoolVar(&cli.ShowStats, "stats", false, "Print optimization statistics to stderr")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "winnow - budget-constrained conversation context optimizer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: winnow [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY     Enables embedding-based relevance scoring\n")
		fmt.Fprintf(os.Stderr, "  OPENAI_BASE_URL    OpenAI API base URL (for compatible APIs)\n")
		fmt.Fprintf(os.Stderr, "  WINNOW_LOG_LEVEL   Log level for the session log (debug, info, warn, error)\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  winnow -input history.json -query \"database errors\" -budget 2048\n")
		fmt.Fprintf(os.Stderr, "  cat history.json | winnow -budget 1000 -stats\n")
		fmt.Fprintf(os.Stderr, "  winnow -config winnow.yaml -input history.json\n")
	}

	flag.Parse()
	return cli
}

func run(ctx context.Context, cli *cliConfig) error {
	cfg, err := loadConfig(cli.ConfigPath)
	if err != nil {
		return err
	}

	chunks, err := loadChunks(cli.InputPath)
	if err != nil {
		return err
	}

	opts := []optimizer.Option{}

	counter, err := tokenizer.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "winnow: tokenizer unavailable, using heuristic counts: %v\n", err)
	}
	opts = append(opts, optimizer.WithTokenCounter(counter))

	if cfg.EmbeddingEnabled && os.Getenv("OPENAI_API_KEY") != "" {
		provider, err := embedding.NewOpenAIProvider("")
		if err != nil {
			return fmt.Errorf("embedding provider: %w", err)
		}
		opts = append(opts, optimizer.WithEmbeddingProvider(provider))
	} else {
		cfg.EmbeddingEnabled = false
	}

	manager, err := optimizer.New(cfg, opts...)
	if err != nil {
		return err
	}
	manager.AddChunks(chunks)

	window := manager.OptimizeContext(ctx, types.RelevanceQuery{Text: cli.Query}, cli.Budget)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(window); err != nil {
		return fmt.Errorf("encoding window: %w", err)
	}

	if cli.ShowStats {
		if stats := manager.OptimizationStats(); stats != nil {
			fmt.Fprintf(os.Stderr, "%d -> %d chunks, %d -> %d tokens (%.1f%% reduction, %.2fms)\n",
				stats.OriginalChunks, stats.SelectedChunks,
				stats.OriginalTokens, stats.SelectedTokens,
				stats.ReductionPercentage, stats.ProcessingTimeMs)
		}
	}
	return nil
}

// loadConfig loads the YAML engine config, or the defaults when no path
// is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// loadChunks reads a JSON array of chunks from a file or stdin.
func loadChunks(path string) ([]*types.ConversationChunk, error) {
	var reader io.Reader
	if path == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		defer file.Close()
		reader = file
	}

	var chunks []*types.ConversationChunk
	if err := json.NewDecoder(reader).Decode(&chunks); err != nil {
		return nil, fmt.Errorf("decoding chunks: %w", err)
	}
	return chunks, nil
}
