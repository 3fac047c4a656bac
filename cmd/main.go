package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/internal/logging"
	cfgPkg "github.com/xhad/policyqa/pkg/config"
	"github.com/xhad/policyqa/pkg/ingest"
	"github.com/xhad/policyqa/pkg/llm"
	"github.com/xhad/policyqa/pkg/pipeline"
	"github.com/xhad/policyqa/pkg/processor"
	"github.com/xhad/policyqa/pkg/retriever"
	"github.com/xhad/policyqa/pkg/store"
)

const usage = `usage: policyqa [serve|ingest|ask] [flags]

  serve    ingest policies if needed and start the web server (default)
  ingest   build the vector index from the data directory
  ask      answer one question in the terminal
`

type options struct {
	configPath string
	envPath    string
	logLevel   string
	dataDir    string
	query      string
	files      fileList
}

// fileList collects repeated -file flags.
type fileList []string

func (f *fileList) String() string     { return strings.Join(*f, ",") }
func (f *fileList) Set(v string) error { *f = append(*f, v); return nil }

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("policyqa failed")
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	opts, err := parseFlags(command, args)
	if err != nil {
		return err
	}

	if err := cfgPkg.LoadEnvFile(opts.envPath); err != nil {
		return err
	}
	config, err := cfgPkg.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		config.Log.Level = opts.logLevel
	}
	if opts.dataDir != "" {
		config.Ingest.DataDir = opts.dataDir
	}

	logging.Setup(config.Log.Level, config.Log.Pretty)

	if errs := config.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("invalid configuration: %d error(s)", len(errs))
	}

	ctx := context.Background()
	switch command {
	case "serve":
		return runServe(ctx, config)
	case "ingest":
		return runIngest(ctx, config)
	case "ask":
		return runAsk(ctx, config, opts.query, opts.files)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseFlags(command string, args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.envPath, "env", ".env", "Path to env file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override the log level")
	fs.StringVar(&opts.dataDir, "data-dir", "", "Directory of policy PDFs")
	if command == "ask" {
		fs.StringVar(&opts.query, "q", "", "Question to ask")
		fs.Var(&opts.files, "file", "PDF to attach (repeatable)")
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if command == "ask" && strings.TrimSpace(opts.query) == "" && len(opts.files) == 0 {
		return opts, errors.New("ask needs -q or -file")
	}
	return opts, nil
}

// app is the set of long-lived components shared by every command.
type app struct {
	config   *cfgPkg.Config
	index    store.Index
	embedder *llm.Embedder
	ingestor *ingest.Ingestor
	pipeline *pipeline.Pipeline
}

func newApp(ctx context.Context, config *cfgPkg.Config, withChat bool) (*app, error) {
	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Provider:  config.Embedder.Provider,
		BaseURL:   config.Embedder.BaseURL,
		APIKey:    config.Embedder.APIKey,
		Model:     config.Embedder.Model,
		Dimension: config.Embedder.Dimension,
		BatchSize: config.Embedder.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	index, err := store.Open(ctx, store.StoreConfig{
		Backend:    config.Store.Backend,
		URL:        config.Store.URL,
		IndexName:  config.Store.IndexName,
		ChromemDir: config.Store.ChromemDir,
		Dimension:  config.Embedder.Dimension,
		BatchSize:  config.Store.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	chunker := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    config.Ingest.ChunkSize,
		ChunkOverlap: config.Ingest.ChunkOverlap,
	})

	a := &app{
		config:   config,
		index:    index,
		embedder: embedder,
		ingestor: ingest.New(ingest.Config{
			DataDir:        config.Ingest.DataDir,
			EmbedBatchSize: config.Embedder.BatchSize,
		}, index, embedder, chunker),
	}

	if withChat {
		chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
			BaseURL:     config.LLM.BaseURL,
			APIKey:      config.LLM.APIKey,
			Model:       config.LLM.Model,
			Temperature: config.LLM.Temperature,
			MaxTokens:   config.LLM.MaxTokens,
			Timeout:     config.LLM.Timeout,
			MaxAttempts: config.LLM.MaxAttempts,
			RateLimit:   config.LLM.RateLimit,
		})
		if err != nil {
			index.Close()
			return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
		}
		a.pipeline = pipeline.New(chatEngine, retriever.New(index, embedder, config.Retriever.TopK))
	}

	return a, nil
}

func (a *app) Close() {
	a.index.Close()
}
