package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/embedding"
	"github.com/m-mizutani/keepr/pkg/extractor"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/relevance"
	"github.com/m-mizutani/keepr/pkg/repository"
	"github.com/m-mizutani/keepr/pkg/usecase/chat"
	"github.com/m-mizutani/keepr/pkg/usecase/memory"
	"github.com/m-mizutani/keepr/pkg/usecase/search"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// config holds configuration values
type config struct {
	configPath string
	logLevel   string
	logFormat  string

	// Repository
	backend    string
	project    string
	database   string
	collection string
	dataDir    string

	// Blob storage
	bucket       string
	bucketPrefix string

	// Adapters
	llm             string
	anthropicAPIKey string
	claudeModel     string
	geminiProject   string
	geminiLocation  string
	geminiAPIKey    string
	geminiModel     string
	embeddingModel  string

	// Overrides of the tunables file
	threshold float64
	timeout   time.Duration
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML file with tunables (thresholds, intervals, dimension)",
			Sources:     cli.EnvVars("KEEPR_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("KEEPR_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("KEEPR_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "Durable vector index (firestore, chromem, memory)",
			Value:       "chromem",
			Sources:     cli.EnvVars("KEEPR_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "collection",
			Usage:       "Firestore collection for memories",
			Value:       "memories",
			Sources:     cli.EnvVars("KEEPR_FIRESTORE_COLLECTION"),
			Destination: &cfg.collection,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Directory for the embedded index, uploaded images and conversation snapshots",
			Value:       ".keepr",
			Sources:     cli.EnvVars("KEEPR_DATA_DIR"),
			Destination: &cfg.dataDir,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for images and snapshots instead of the data directory",
			Sources:     cli.EnvVars("KEEPR_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bucket-prefix",
			Usage:       "Object name prefix in the bucket",
			Sources:     cli.EnvVars("KEEPR_BUCKET_PREFIX"),
			Destination: &cfg.bucketPrefix,
		},
		&cli.FloatFlag{
			Name:        "threshold",
			Usage:       "Minimum relevance score for every memory type",
			Value:       relevance.DefaultThreshold,
			Sources:     cli.EnvVars("KEEPR_THRESHOLD"),
			Destination: &cfg.threshold,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Timeout of each call to a model",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("KEEPR_TIMEOUT"),
			Destination: &cfg.timeout,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Generative model provider (auto, gemini, claude, none)",
			Value:       "auto",
			Sources:     cli.EnvVars("KEEPR_LLM"),
			Destination: &cfg.llm,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model for answers and extraction",
			Sources:     cli.EnvVars("KEEPR_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key, used when no Gemini project is set",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model for answers and extraction",
			Sources:     cli.EnvVars("KEEPR_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini embedding model",
			Sources:     cli.EnvVars("KEEPR_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
	}
}

// tunables are loaded from the --config file. Zero values keep the defaults.
type tunables struct {
	Thresholds struct {
		Default *float64 `yaml:"default"`
		Text    *float64 `yaml:"text"`
		Image   *float64 `yaml:"image"`
		Link    *float64 `yaml:"link"`
	} `yaml:"thresholds"`

	ContextWindow    int           `yaml:"context_window"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ChatTopK         int           `yaml:"chat_top_k"`
	SearchLimit      int           `yaml:"search_limit"`

	EmbeddingDimension int           `yaml:"embedding_dimension"`
	EmbeddingCacheSize int64         `yaml:"embedding_cache_size"`
	Timeout            time.Duration `yaml:"timeout"`
}

func defaultTunables() *tunables {
	return &tunables{
		ContextWindow:      chat.DefaultContextWindow,
		SessionTTL:         chat.DefaultSessionTTL,
		SnapshotInterval:   chat.DefaultSnapshotInterval,
		SweepInterval:      chat.DefaultSweepInterval,
		ChatTopK:           chat.DefaultTopK,
		SearchLimit:        search.DefaultLimit,
		EmbeddingDimension: embedding.DefaultDimension,
		Timeout:            30 * time.Second,
	}
}

// loadTunables reads the tunables file. A missing path gives the defaults.
func loadTunables(path string) (*tunables, error) {
	t := defaultTunables()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}

	defaults := defaultTunables()
	if t.ContextWindow <= 0 {
		t.ContextWindow = defaults.ContextWindow
	}
	if t.SessionTTL <= 0 {
		t.SessionTTL = defaults.SessionTTL
	}
	if t.SnapshotInterval <= 0 {
		t.SnapshotInterval = defaults.SnapshotInterval
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = defaults.SweepInterval
	}
	if t.ChatTopK <= 0 {
		t.ChatTopK = defaults.ChatTopK
	}
	if t.SearchLimit <= 0 {
		t.SearchLimit = defaults.SearchLimit
	}
	if t.EmbeddingDimension <= 0 {
		t.EmbeddingDimension = defaults.EmbeddingDimension
	}
	if t.Timeout <= 0 {
		t.Timeout = defaults.Timeout
	}
	return t, nil
}

// thresholds builds per type thresholds. An explicit --threshold replaces the
// default of the file.
func (t *tunables) thresholds(flagValue float64, flagSet bool) relevance.Thresholds {
	th := relevance.DefaultThresholds()
	if t.Thresholds.Default != nil {
		th.Default = *t.Thresholds.Default
		th.ByType[model.MemoryTypeLink] = *t.Thresholds.Default
	}
	if flagSet {
		th.Default = flagValue
		th.ByType[model.MemoryTypeLink] = flagValue
	}
	for typ, v := range map[model.MemoryType]*float64{
		model.MemoryTypeText:  t.Thresholds.Text,
		model.MemoryTypeImage: t.Thresholds.Image,
		model.MemoryTypeLink:  t.Thresholds.Link,
	} {
		if v != nil {
			th.ByType[typ] = *v
		}
	}
	return th
}

// setupLogger configures the process logger and attaches it to ctx
func (cfg *config) setupLogger(ctx context.Context) (context.Context, error) {
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return ctx, err
	}
	logger := logging.NewWithFormat(format, cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// newRepository creates the durable vector index selected by --backend. The
// in-process backend has no durable index and returns nil.
func (cfg *config) newRepository(ctx context.Context, dim int) (repository.Repository, func(), error) {
	switch cfg.backend {
	case "firestore":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required for firestore backend")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required for firestore backend")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database, repository.WithCollection(cfg.collection))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logging.From(ctx).Warn("failed to close firestore client", "error", err)
			}
		}, nil

	case "chromem":
		repo, err := repository.NewChromem(filepath.Join(cfg.dataDir, "index"), repository.WithDimension(dim))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, func() {}, nil

	case "memory", "":
		return nil, func() {}, nil

	default:
		return nil, nil, goerr.New("unknown backend",
			goerr.V("backend", cfg.backend),
			goerr.V("supported", []string{"firestore", "chromem", "memory"}))
	}
}

// newStorage creates blob storage for images and snapshots: the bucket when
// set, otherwise the data directory
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket != "" {
		storage, err := adapter.NewStorage(ctx, cfg.bucket, cfg.bucketPrefix)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		return storage, nil
	}

	storage, err := adapter.NewFileStorage(filepath.Join(cfg.dataDir, "blobs"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newGemini creates a Gemini client from a project or an API key
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}

	switch {
	case cfg.geminiProject != "":
		if cfg.geminiLocation == "" {
			return nil, goerr.New("gemini-location is required")
		}
		return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	case cfg.geminiAPIKey != "":
		return adapter.NewGeminiWithAPIKey(ctx, cfg.geminiAPIKey, opts...)
	default:
		return nil, goerr.New("gemini-project or gemini-api-key is required")
	}
}

// newClaude creates a new Claude adapter instance
func (cfg *config) newClaude() (*adapter.ClaudeClient, error) {
	if cfg.anthropicAPIKey == "" {
		return nil, goerr.New("anthropic-api-key is required")
	}
	var opts []adapter.ClaudeOption
	if cfg.claudeModel != "" {
		opts = append(opts, adapter.WithClaudeModel(cfg.claudeModel))
	}
	return adapter.NewClaude(cfg.anthropicAPIKey, opts...), nil
}

func (cfg *config) geminiConfigured() bool {
	return cfg.geminiProject != "" || cfg.geminiAPIKey != ""
}

// newModels returns the generative model selected by --llm and the embedding
// provider. Either may be nil, in which case the local fallbacks are used.
func (cfg *config) newModels(ctx context.Context) (adapter.LLM, adapter.Embedder, error) {
	var gemini *adapter.GeminiClient
	if cfg.geminiConfigured() {
		client, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create gemini client")
		}
		gemini = client
	}

	var embedder adapter.Embedder
	if gemini != nil {
		embedder = gemini
	}

	switch cfg.llm {
	case "none":
		return nil, embedder, nil
	case "gemini":
		if gemini == nil {
			return nil, nil, goerr.New("gemini-project or gemini-api-key is required for --llm gemini")
		}
		return gemini, embedder, nil
	case "claude":
		claude, err := cfg.newClaude()
		if err != nil {
			return nil, nil, err
		}
		return claude, embedder, nil
	case "auto", "":
		if gemini != nil {
			return gemini, embedder, nil
		}
		if cfg.anthropicAPIKey != "" {
			claude, err := cfg.newClaude()
			if err != nil {
				return nil, nil, err
			}
			return claude, embedder, nil
		}
		return nil, embedder, nil
	default:
		return nil, nil, goerr.New("unknown llm provider",
			goerr.V("llm", cfg.llm),
			goerr.V("supported", []string{"auto", "gemini", "claude", "none"}))
	}
}

// services is the wired application
type services struct {
	metrics  *metrics.Metrics
	repo     *repository.Fallback
	assets   adapter.Storage
	embedder *embedding.Service
	memory   *memory.UseCase
	search   *search.UseCase
	manager  *chat.Manager
	chat     *chat.UseCase
	closers  []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServices wires repositories, models and use cases from the configuration
func (cfg *config) newServices(ctx context.Context, c *cli.Command) (*services, error) {
	tun, err := loadTunables(cfg.configPath)
	if err != nil {
		return nil, err
	}
	timeout := tun.Timeout
	if c.IsSet("timeout") {
		timeout = cfg.timeout
	}
	thresholds := tun.thresholds(cfg.threshold, c.IsSet("threshold"))

	svc := &services{metrics: metrics.New()}

	primary, closeRepo, err := cfg.newRepository(ctx, tun.EmbeddingDimension)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, closeRepo)

	assets, err := cfg.newStorage(ctx)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.assets = assets

	llm, embedder, err := cfg.newModels(ctx)
	if err != nil {
		svc.Close()
		return nil, err
	}

	memOpts := []memory.Option{memory.WithAssets(assets)}
	embOpts := []embedding.Option{
		embedding.WithDimension(tun.EmbeddingDimension),
		embedding.WithTimeout(timeout),
		embedding.WithMetrics(svc.metrics),
	}
	if embedder != nil {
		embOpts = append(embOpts, embedding.WithEmbedder(embedder))
		memOpts = append(memOpts, memory.WithTimestampText())
	}
	if tun.EmbeddingCacheSize > 0 {
		embOpts = append(embOpts, embedding.WithCacheSize(tun.EmbeddingCacheSize))
	}
	svc.embedder, err = embedding.New(embOpts...)
	if err != nil {
		svc.Close()
		return nil, goerr.Wrap(err, "failed to create embedding service")
	}
	svc.closers = append(svc.closers, svc.embedder.Close)

	svc.repo = repository.NewFallback(primary,
		repository.WithAssets(assets),
		repository.WithMetrics(svc.metrics))

	searchOpts := []search.Option{
		search.WithThresholds(thresholds),
		search.WithDefaultLimit(tun.SearchLimit),
		search.WithTimeout(timeout),
		search.WithMetrics(svc.metrics),
	}
	chatOpts := []chat.Option{
		chat.WithThresholds(thresholds),
		chat.WithTopK(tun.ChatTopK),
		chat.WithTimeout(timeout),
		chat.WithMetrics(svc.metrics),
	}
	if llm != nil {
		memOpts = append(memOpts, memory.WithExtractor(extractor.New(llm,
			extractor.WithTimeout(timeout),
			extractor.WithMetrics(svc.metrics))))
		searchOpts = append(searchOpts, search.WithLLM(llm))
		chatOpts = append(chatOpts, chat.WithLLM(llm))
	}

	svc.memory = memory.New(svc.repo, svc.embedder, memOpts...)
	svc.search = search.New(svc.repo, svc.embedder, searchOpts...)
	svc.manager = chat.NewManager(
		chat.WithStorage(assets),
		chat.WithContextWindow(tun.ContextWindow),
		chat.WithSessionTTL(tun.SessionTTL),
		chat.WithSnapshotInterval(tun.SnapshotInterval),
		chat.WithSweepInterval(tun.SweepInterval),
		chat.WithManagerMetrics(svc.metrics),
	)
	svc.chat = chat.New(svc.manager, svc.repo, svc.embedder, chatOpts...)

	logging.From(ctx).Debug("services configured",
		"backend", svc.repo.Name(),
		"llm", llm != nil,
		"provider_embedding", embedder != nil,
		"dimension", tun.EmbeddingDimension)

	return svc, nil
}

// prepare sets up logging and wires the services for a command action
func (cfg *config) prepare(ctx context.Context, c *cli.Command) (context.Context, *services, error) {
	ctx, err := cfg.setupLogger(ctx)
	if err != nil {
		return ctx, nil, err
	}
	svc, err := cfg.newServices(ctx, c)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, svc, nil
}
