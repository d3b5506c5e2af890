// Package pipeline wires the adapters, gateway, library, orchestrator and
// chat store into one Service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/chat"
	"github.com/forPelevin/vidsum/internal/domain/highlights"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/library"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/media"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/vidsum/internal/ports/adapters/gemini"
	"github.com/forPelevin/vidsum/internal/ports/adapters/openai"
	"github.com/forPelevin/vidsum/internal/ports/adapters/openrouter"
	"github.com/forPelevin/vidsum/internal/ports/adapters/stub"
	"github.com/forPelevin/vidsum/internal/ports/adapters/whispercpp"
	"github.com/forPelevin/vidsum/internal/ports/adapters/ytdlp"
	"github.com/forPelevin/vidsum/internal/usecase"
)

type Config struct {
	Addr    string
	WorkDir string
	// DatabaseURL selects the Postgres library; empty keeps results in memory.
	DatabaseURL string

	Workers               int
	QueueSize             int
	TranscribeConcurrency int
	MediaConcurrency      int
	JobRetention          time.Duration

	FFmpegPath  string
	FFprobePath string
	YtDlpPath   string

	WhisperBin      string
	WhisperModelDir string
	WhisperModel    string
	WhisperLanguage string

	// AllowedHosts limits which remote URLs may be downloaded.
	AllowedHosts []string

	LLMProvider    string
	LLMMaxTokens   int
	LLMTemperature float32

	OpenRouterAPIKey       string
	OpenRouterModel        string
	OpenRouterBaseURL      string
	OpenRouterAllowedHosts []string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	GoogleAPIKey  string
	GoogleModel   string
	GoogleBaseURL string

	MinClip time.Duration
	MaxClip time.Duration

	DownloadTimeout   time.Duration
	ExtractTimeout    time.Duration
	TranscribeTimeout time.Duration
	CutTimeout        time.Duration

	LogLevel string
}

func Default() Config {
	return Config{
		Addr:                  ":8080",
		WorkDir:               ".vidsum",
		Workers:               2,
		QueueSize:             64,
		TranscribeConcurrency: 1,
		MediaConcurrency:      2,
		JobRetention:          24 * time.Hour,

		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		YtDlpPath:   "yt-dlp",

		WhisperBin:      "whisper-cli",
		WhisperModelDir: ".cache/models",
		WhisperModel:    "base",

		AllowedHosts: media.DefaultAllowedHosts,

		LLMMaxTokens:   4096,
		LLMTemperature: 0.3,

		OpenRouterModel:   "z-ai/glm-4.5-air:free",
		OpenRouterBaseURL: "https://openrouter.ai",
		OpenAIModel:       "gpt-4o-mini",
		GoogleModel:       gemini.DefaultModel,
		GoogleBaseURL:     gemini.DefaultBaseURL,

		MinClip: highlights.DefaultMinClip,
		MaxClip: highlights.DefaultMaxClip,

		DownloadTimeout:   30 * time.Minute,
		ExtractTimeout:    20 * time.Minute,
		TranscribeTimeout: time.Hour,
		CutTimeout:        15 * time.Minute,

		LogLevel: "info",
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work dir is empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be > 0"))
	}
	if c.TranscribeConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("transcribe concurrency must be > 0"))
	}
	if c.MediaConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("media concurrency must be > 0"))
	}
	if c.MinClip <= 0 {
		errs = append(errs, fmt.Errorf("min clip must be > 0"))
	}
	if c.MaxClip <= 0 {
		errs = append(errs, fmt.Errorf("max clip must be > 0"))
	}
	if c.MinClip > c.MaxClip {
		errs = append(errs, fmt.Errorf("min clip must be <= max clip"))
	}
	if c.WhisperModel == "" {
		errs = append(errs, fmt.Errorf("whisper model is required"))
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		errs = append(errs, fmt.Errorf("llm temperature must be within 0-2"))
	}
	switch c.LLMProvider {
	case "", stub.Name:
	case "openrouter":
		if c.OpenRouterAPIKey == "" {
			errs = append(errs, errors.New("OPENROUTER_API_KEY is required for the openrouter provider"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case gemini.Name:
		if c.GoogleAPIKey == "" {
			errs = append(errs, errors.New("GOOGLE_API_KEY is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q (want openrouter, openai, gemini or stub)", c.LLMProvider))
	}
	if c.OpenRouterAPIKey != "" {
		if err := openrouter.ValidateBaseURL(c.OpenRouterBaseURL, c.OpenRouterAllowedHosts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Service is the composition root shared by the HTTP server and the CLI.
type Service struct {
	Config  Config
	Log     *slog.Logger
	Jobs    *jobs.Orchestrator
	Chat    *chat.Store
	Usecase *usecase.Usecase
	Gateway *llm.Gateway
	Library library.Library

	closers []func()
}

func New(ctx context.Context, cfg Config, log *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, err
	}

	s := &Service{Config: cfg, Log: log}

	// adapters
	video := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath)
	asr := whispercpp.New(cfg.WhisperBin, cfg.WhisperModelDir, cfg.WhisperModel)
	dl := ytdlp.New(cfg.YtDlpPath)

	gw, err := newGateway(cfg, log)
	if err != nil {
		return nil, err
	}
	s.Gateway = gw

	if cfg.DatabaseURL != "" {
		pg, err := library.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.Library = pg
		s.closers = append(s.closers, pg.Close)
		log.Info("library: postgres")
	} else {
		s.Library = library.NewMemory()
		log.Info("library: memory")
	}

	mediaLim := media.NewLimiter("media_tool", cfg.MediaConcurrency)
	s.Usecase = usecase.New(usecase.Deps{
		Acquirer: media.NewAcquirer(media.AcquirerConfig{
			WorkDir:         cfg.WorkDir,
			AllowedHosts:    cfg.AllowedHosts,
			DownloadTimeout: cfg.DownloadTimeout,
		}, dl),
		Extractor:   media.NewExtractor(video, mediaLim, cfg.ExtractTimeout),
		Transcriber: media.NewTranscriber(asr, media.NewLimiter("transcription", cfg.TranscribeConcurrency), cfg.TranscribeTimeout),
		Cutter:      media.NewCutter(video, mediaLim, cfg.CutTimeout, log),
		LLM:         gw,
		Library:     s.Library,
		Log:         log,
		WorkDir:     cfg.WorkDir,
		Clip:        highlights.Bounds{Min: cfg.MinClip, Max: cfg.MaxClip},
	})

	s.Jobs = jobs.New(log, jobs.Options{Workers: cfg.Workers, QueueSize: cfg.QueueSize}, s.Usecase.Handlers())
	s.Jobs.Start()
	if cfg.JobRetention > 0 {
		cctx, cancel := context.WithCancel(context.Background())
		s.Jobs.StartCleanupLoop(cctx, cfg.JobRetention/4, cfg.JobRetention)
		s.closers = append(s.closers, cancel)
	}
	s.Chat = chat.NewStore(gw, log)
	return s, nil
}

func newGateway(cfg Config, log *slog.Logger) (*llm.Gateway, error) {
	var (
		providers []ports.LLMProvider
		models    = map[string]string{}
	)
	if cfg.OpenRouterAPIKey != "" {
		providers = append(providers, openrouter.New(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL))
		models["openrouter"] = cfg.OpenRouterModel
	}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
		models["openai"] = cfg.OpenAIModel
	}
	if cfg.GoogleAPIKey != "" {
		providers = append(providers, gemini.New(cfg.GoogleAPIKey, cfg.GoogleBaseURL))
		models[gemini.Name] = cfg.GoogleModel
	}
	// The stub answers with canned text, so it is only selectable when asked
	// for or when nothing else is configured.
	if cfg.LLMProvider == stub.Name || len(providers) == 0 {
		if cfg.LLMProvider != stub.Name {
			log.Warn("no llm api key configured, using the stub provider")
		}
		providers = append(providers, stub.New())
		models[stub.Name] = stub.Name
	}

	def := cfg.LLMProvider
	if def == "" {
		def = providers[0].Name()
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	log.Info("llm providers", "available", strings.Join(names, ","), "default", def)

	return llm.New(llm.Config{
		DefaultProvider: def,
		DefaultModels:   models,
		MaxTokens:       cfg.LLMMaxTokens,
		Temperature:     cfg.LLMTemperature,
	}, log, providers...)
}

// Close stops the workers and releases the library connection.
func (s *Service) Close(ctx context.Context) error {
	err := s.Jobs.Shutdown(ctx)
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	return err
}

// ensure adapters implement ports
var (
	_ ports.VideoTool   = (*ffmpeg.Adapter)(nil)
	_ ports.ASR         = (*whispercpp.Adapter)(nil)
	_ ports.Downloader  = (*ytdlp.Adapter)(nil)
	_ ports.LLMProvider = (*openrouter.Adapter)(nil)
	_ ports.LLMProvider = (*openai.Adapter)(nil)
	_ ports.LLMProvider = (*stub.Adapter)(nil)
)
