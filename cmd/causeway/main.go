package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"causeway/internal/config"
	"causeway/internal/embedding"
	"causeway/internal/evidence"
	"causeway/internal/graph"
	"causeway/internal/ingest"
	"causeway/internal/judge"
	"causeway/internal/logging"
	"causeway/internal/oracle"
	"causeway/internal/pairwise"
	"causeway/internal/pipeline"
	"causeway/internal/telemetry"
	"causeway/internal/verify"
)

var (
	// Global flags
	verbose    bool
	apiKey     string
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "causeway",
	Short: "causeway - evidence-grounded causal world-model builder",
	Long: `causeway builds a causal graph ("world model") from a document corpus.

It proposes candidate cause/effect edges by pairwise LLM questioning,
then puts every candidate through an evidence-grounded verification
loop: retrieve supporting chunks, judge the edge against them, refine
the query and retry within a bounded iteration budget. Only edges the
judge grounds in evidence make it into the final DAG.

Every run produces a telemetry artifact accounting for where time went
and where edges were lost.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	buildDocsDir  string
	buildVarsFile string
	buildOutPath  string
)

// buildCmd runs the full pipeline
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a causal world model from documents and variables",
	Long: `Runs the full pipeline: ingest documents, propose edges pairwise,
dedupe, attach mechanisms, verify each edge against retrieved evidence,
and assemble the grounded edges into a DAG.

Example:
  causeway build --docs ./corpus --vars variables.yaml --out run.json`,
	RunE: runBuild,
}

// telemetryCmd pretty-prints a dumped telemetry artifact
var telemetryCmd = &cobra.Command{
	Use:   "telemetry [artifact.json]",
	Short: "Pretty-print a telemetry dump artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  showTelemetry,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY env)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.causeway/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")

	buildCmd.Flags().StringVar(&buildDocsDir, "docs", "", "Directory of .txt/.md documents to ingest")
	buildCmd.Flags().StringVar(&buildVarsFile, "vars", "", "YAML file listing variables (required)")
	buildCmd.Flags().StringVar(&buildOutPath, "out", "", "Telemetry artifact path (default: <workspace>/.causeway/telemetry/run.json)")
	buildCmd.MarkFlagRequired("vars")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(telemetryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// variablesFile is the on-disk format of the --vars file.
type variablesFile struct {
	Variables []graph.Variable `yaml:"variables"`
}

func loadVariables(path string) ([]graph.Variable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables file: %w", err)
	}
	var vf variablesFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("failed to parse variables file: %w", err)
	}
	if len(vf.Variables) < 2 {
		return nil, fmt.Errorf("need at least 2 variables, got %d", len(vf.Variables))
	}
	for i := range vf.Variables {
		if vf.Variables[i].ID == "" {
			return nil, fmt.Errorf("variable %d (%q) has no id", i, vf.Variables[i].Name)
		}
	}
	return vf.Variables, nil
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	ws := resolveWorkspace()
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(ws, ".causeway", "config.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Initialize(ws); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()

	vars, err := loadVariables(buildVarsFile)
	if err != nil {
		return err
	}
	logger.Info("Starting build",
		zap.Int("variables", len(vars)),
		zap.String("docs", buildDocsDir),
		zap.String("model", cfg.LLM.Model))

	tel := telemetry.New()
	client := oracle.NewClient(cfg, tel)

	docEngine, err := embedding.NewGenAIEngine(cfg.LLM.APIKey, cfg.Embedding.Model, "RETRIEVAL_DOCUMENT")
	if err != nil {
		return fmt.Errorf("failed to create document embedding engine: %w", err)
	}
	defer docEngine.Close()
	queryEngine, err := embedding.NewGenAIEngine(cfg.LLM.APIKey, cfg.Embedding.Model, "RETRIEVAL_QUERY")
	if err != nil {
		return fmt.Errorf("failed to create query embedding engine: %w", err)
	}
	defer queryEngine.Close()

	store, err := evidence.NewStore(cfg.Retrieval.DatabasePath, docEngine)
	if err != nil {
		return fmt.Errorf("failed to open evidence store: %w", err)
	}
	defer store.Close()
	retriever := evidence.NewStoreRetriever(store, queryEngine)

	loop := verify.NewLoop(
		judge.New(client.ForModel(cfg.Verify.JudgeModel), tel),
		retriever, cfg.Verify, cfg.Retrieval.TopK, tel)

	outPath := buildOutPath
	if outPath == "" {
		outPath = filepath.Join(ws, ".causeway", "telemetry", "run.json")
	}

	pipe := pipeline.New(cfg, tel, pipeline.Deps{
		Loader:    ingest.New(store),
		Proposer:  pairwise.New(client, tel),
		Oracle:    client,
		Verifier:  loop,
		Retriever: retriever,
	})
	res, err := pipe.Run(ctx, buildDocsDir, vars, outPath)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(" Causal World Model "))
	fmt.Println()
	printEdges(res.Graph)
	printOutcomes(res.Outcomes)
	fmt.Println()
	fmt.Println(tel.PrintSummary())
	fmt.Println(mutedStyle.Render("Telemetry: " + res.DumpPath))
	return nil
}

func printEdges(g *graph.Graph) {
	edges := g.Edges()
	fmt.Println(sectionStyle.Render(fmt.Sprintf("Edges (%d)", len(edges))))
	if len(edges) == 0 {
		fmt.Println(mutedStyle.Render("  (none grounded)"))
		return
	}
	for _, e := range edges {
		fmt.Printf("  %s %s -> %s  (%.2f)\n",
			groundedStyle.Render("✓"), e.From, e.To, e.Confidence)
		if e.Mechanism != "" {
			fmt.Println(mutedStyle.Render("      " + e.Mechanism))
		}
	}
}

func printOutcomes(outcomes []verify.Outcome) {
	rejected := 0
	for _, o := range outcomes {
		if !o.Grounded {
			rejected++
		}
	}
	if rejected == 0 {
		return
	}
	fmt.Println()
	fmt.Println(sectionStyle.Render(fmt.Sprintf("Rejected (%d)", rejected)))
	for _, o := range outcomes {
		if o.Grounded {
			continue
		}
		fmt.Printf("  %s %s -> %s  [%s, %d iteration(s)]\n",
			rejectedStyle.Render("✗"), o.Edge.From, o.Edge.To,
			o.RejectionReason, o.IterationsUsed)
	}
}

// artifact mirrors the dump layout for display.
type artifact struct {
	Summary    telemetry.Summary         `json:"summary"`
	RawOutputs []telemetry.RawPairOutput `json:"pywhyllm_raw_outputs"`
	Events     []json.RawMessage         `json:"events"`
}

func showTelemetry(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("failed to parse artifact: %w", err)
	}

	s := a.Summary
	fmt.Println(titleStyle.Render(" Telemetry: " + filepath.Base(args[0]) + " "))
	fmt.Println()
	fmt.Printf("Run start:  %s\n", s.RunStartUTC)
	fmt.Printf("Duration:   %.1fs\n", s.TotalRunSeconds)
	fmt.Printf("Events:     %d\n", len(a.Events))
	fmt.Printf("Raw pairs:  %d retained\n", len(a.RawOutputs))

	fmt.Println()
	fmt.Println(sectionStyle.Render("Stage durations"))
	for stage, dur := range s.StageDurationsSeconds {
		fmt.Printf("  %-24s %8.1fs\n", stage, dur)
	}

	fmt.Println()
	fmt.Println(sectionStyle.Render("Edge dropout"))
	d := s.EdgeDropout
	fmt.Printf("  proposed %d → deduped %d → verified %s / %s → final %d\n",
		d.PairwiseProposed+d.ExtractorProposed, d.TotalAfterDedup,
		groundedStyle.Render(fmt.Sprintf("%d grounded", d.GroundedByVerification)),
		rejectedStyle.Render(fmt.Sprintf("%d rejected", d.RejectedByVerification)),
		d.FinalEdgesInGraph)

	fmt.Println()
	fmt.Println(sectionStyle.Render("LLM calls"))
	fmt.Printf("  total %d, retries %d, errors %d (quota %d), schema fallbacks %d\n",
		s.LLMCalls.Total, s.LLMCalls.Retries, s.LLMCalls.Errors,
		s.LLMCalls.QuotaErrors, s.LLMCalls.FallbacksToPromptInjection)
	fmt.Printf("  avg latency %.0fms\n", s.LLMCalls.AvgLatencyMs)

	if len(s.Verification.RejectionReasons) > 0 {
		fmt.Println()
		fmt.Println(sectionStyle.Render("Rejection reasons"))
		for _, rr := range s.Verification.RejectionReasons {
			fmt.Printf("  %s: %s (%d iterations)\n", rr.Edge, rr.Reason, rr.Iterations)
		}
	}
	return nil
}
