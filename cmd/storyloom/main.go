package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/internal/pipeline"
	"storyloom/internal/provider"
	"storyloom/internal/quality"
	"storyloom/internal/scheduler"
	"storyloom/internal/story"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "storyloom",
	Short: "storyloom - quality-gated narrative generation pipeline",
	Long: `storyloom drives a long-form narrative generator against a rate-limited
text-generation provider.

Requests pass through a category-aware scheduler, responses through a
repairing JSON decoder, and drafts through a quality gate that regenerates
with corrective constraints until the draft clears thresholds or the
attempt budget runs out.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Debug = true
		}
		if err := logging.Initialize(cfg.Logging.Debug); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var (
	// generate flags
	outlineFlag string
	titleFlag   string
	povFlag     string
	styleFlag   string
	wordsFlag   int
	jsonFlag    bool
)

// generateCmd runs one quality-gated scene generation.
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one scene through the full pipeline",
	Long: `Runs a single scene generation session: schedule, call the provider,
decode the structured response, score it, and regenerate with corrective
constraints while the quality gate rejects and attempts remain.

Example:
  storyloom generate --title "The Lighthouse" --outline "Mara rows out at dusk..."`,
	RunE: runGenerate,
}

// limitsCmd prints the effective scheduler configuration.
var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Print the effective scheduler rate limits",
	RunE:  runLimits,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if outlineFlag == "" {
		return fmt.Errorf("--outline is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := buildProvider(ctx, cfg.Provider)
	if err != nil {
		return err
	}

	sched := scheduler.New(cfg.SchedulerConfig())
	defer sched.Stop()

	ctrl := &pipeline.Controller{
		Scheduler:    sched,
		Provider:     client,
		Scorer:       quality.NewHeuristicScorer(),
		Gate:         cfg.GateConfig(),
		SystemPrompt: systemPrompt,
		MaxTokens:    cfg.Provider.MaxTokens,
		Temperature:  cfg.Provider.Temperature,
		Progress: func(phase pipeline.Phase, detail string) {
			if verbose {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", phase, detail)
			}
		},
	}

	// Threshold changes on disk apply to the next attempt.
	if configPath != "" {
		if watcher, werr := config.NewWatcher(configPath, func(gate quality.GateConfig) {
			ctrl.Gate = gate
		}); werr == nil {
			if werr = watcher.Start(ctx); werr == nil {
				defer watcher.Stop()
			}
		}
	}

	result, err := ctrl.GenerateScene(ctx, story.SceneRequest{
		ProjectTitle:    titleFlag,
		SceneOutline:    outlineFlag,
		PointOfView:     povFlag,
		WritingStyle:    styleFlag,
		TargetWordCount: wordsFlag,
	})
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Println(result.Draft.Prose)
	fmt.Fprintf(os.Stderr, "\n%d attempt(s), success=%v, %s\n", result.Attempts, result.Success, result.Metrics)
	for _, adv := range result.Advisories {
		fmt.Fprintf(os.Stderr, "advisory: %s\n", adv)
	}
	if !result.Success {
		fmt.Fprintln(os.Stderr, "note: attempt budget exhausted, returning best-scoring draft")
	}
	return nil
}

func runLimits(cmd *cobra.Command, args []string) error {
	sc := cfg.SchedulerConfig()

	fmt.Printf("default: concurrent=%d min_delay=%v per_minute=%d\n",
		sc.Default.MaxConcurrent, sc.Default.MinDelay, sc.Default.PerMinute)

	names := make([]string, 0, len(sc.Categories))
	for cat := range sc.Categories {
		names = append(names, string(cat))
	}
	sort.Strings(names)
	for _, name := range names {
		l := sc.Categories[scheduler.Category(name)]
		fmt.Printf("%-10s concurrent=%d min_delay=%v per_minute=%d\n",
			name, l.MaxConcurrent, l.MinDelay, l.PerMinute)
	}
	return nil
}

func buildProvider(ctx context.Context, pc config.ProviderConfig) (provider.Client, error) {
	timeout, err := pc.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	switch pc.Kind {
	case "gemini":
		return provider.NewGeminiClient(ctx, pc.APIKey, pc.Model)
	default:
		hc := provider.DefaultHTTPConfig(pc.APIKey)
		if pc.Model != "" {
			hc.Model = pc.Model
		}
		if pc.BaseURL != "" {
			hc.BaseURL = pc.BaseURL
		}
		hc.Timeout = timeout
		return provider.NewHTTPClient(hc), nil
	}
}

const systemPrompt = `You are a fiction co-writer. Respond with a single JSON object:
{"prose": "<the scene text>", "analysis": {"summary": "<1-2 sentences>", "mood": "<one word>", "threads_advanced": ["<thread>", ...]}}
Write only the JSON object, no commentary.`

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "storyloom.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging and progress output")

	generateCmd.Flags().StringVar(&titleFlag, "title", "", "project title")
	generateCmd.Flags().StringVar(&outlineFlag, "outline", "", "scene outline (required)")
	generateCmd.Flags().StringVar(&povFlag, "pov", "third person limited", "point of view")
	generateCmd.Flags().StringVar(&styleFlag, "style", "", "writing style notes")
	generateCmd.Flags().IntVar(&wordsFlag, "words", 800, "target word count")
	generateCmd.Flags().BoolVar(&jsonFlag, "json", false, "emit the full session result as JSON")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(limitsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
