// Package config loads the service configuration from an optional YAML file
// and the process environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forPelevin/vidsum/internal/pipeline"
)

// File mirrors the YAML layout.
type File struct {
	Addr        string `yaml:"addr"`
	WorkDir     string `yaml:"work_dir"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	Jobs struct {
		Workers               int           `yaml:"workers"`
		QueueSize             int           `yaml:"queue_size"`
		TranscribeConcurrency int           `yaml:"transcribe_concurrency"`
		MediaConcurrency      int           `yaml:"media_concurrency"`
		Retention             time.Duration `yaml:"retention"`
	} `yaml:"jobs"`

	Tools struct {
		FFmpeg  string `yaml:"ffmpeg"`
		FFprobe string `yaml:"ffprobe"`
		YtDlp   string `yaml:"ytdlp"`
	} `yaml:"tools"`

	Whisper struct {
		Bin      string `yaml:"bin"`
		ModelDir string `yaml:"model_dir"`
		Model    string `yaml:"model"`
		Language string `yaml:"language"`
	} `yaml:"whisper"`

	Download struct {
		AllowedHosts []string `yaml:"allowed_hosts"`
	} `yaml:"download"`

	LLM struct {
		Provider    string  `yaml:"provider"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float32 `yaml:"temperature"`

		OpenRouter struct {
			APIKey       string   `yaml:"api_key"`
			Model        string   `yaml:"model"`
			BaseURL      string   `yaml:"base_url"`
			AllowedHosts []string `yaml:"allowed_hosts"`
		} `yaml:"openrouter"`

		OpenAI struct {
			APIKey  string `yaml:"api_key"`
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"openai"`

		Gemini struct {
			APIKey  string `yaml:"api_key"`
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"gemini"`
	} `yaml:"llm"`

	Clips struct {
		Min time.Duration `yaml:"min"`
		Max time.Duration `yaml:"max"`
	} `yaml:"clips"`

	Timeouts struct {
		Download   time.Duration `yaml:"download"`
		Extract    time.Duration `yaml:"extract"`
		Transcribe time.Duration `yaml:"transcribe"`
		Cut        time.Duration `yaml:"cut"`
	} `yaml:"timeouts"`
}

// Load reads path (skipped when empty) over the defaults and then applies
// environment overrides.
func Load(path string) (pipeline.Config, error) {
	f := fromConfig(pipeline.Default())
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &f); err != nil {
			return pipeline.Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := f.applyEnv(); err != nil {
		return pipeline.Config{}, err
	}
	return f.Config(), nil
}

func (f *File) applyEnv() error {
	var errs []error
	str := func(dst *string, key string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	list := func(dst *[]string, key string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str(&f.Addr, "VIDSUM_ADDR")
	str(&f.WorkDir, "VIDSUM_WORK_DIR")
	str(&f.DatabaseURL, "VIDSUM_DATABASE_URL")
	str(&f.LogLevel, "LOG_LEVEL")
	num(&f.Jobs.Workers, "VIDSUM_WORKERS")
	num(&f.Jobs.TranscribeConcurrency, "VIDSUM_TRANSCRIBE_CONCURRENCY")
	num(&f.Jobs.MediaConcurrency, "VIDSUM_MEDIA_CONCURRENCY")
	list(&f.Download.AllowedHosts, "VIDSUM_ALLOWED_HOSTS")

	str(&f.Tools.FFmpeg, "FFMPEG_PATH")
	str(&f.Tools.FFprobe, "FFPROBE_PATH")
	str(&f.Tools.YtDlp, "YTDLP_PATH")

	str(&f.Whisper.Bin, "WHISPER_BIN")
	str(&f.Whisper.ModelDir, "WHISPER_MODEL_DIR")
	str(&f.Whisper.Model, "WHISPER_MODEL")
	str(&f.Whisper.Language, "WHISPER_LANGUAGE")

	str(&f.LLM.Provider, "LLM_PROVIDER")
	num(&f.LLM.MaxTokens, "LLM_MAX_TOKENS")
	if v, ok := lookup("LLM_TEMPERATURE"); ok {
		t, err := strconv.ParseFloat(v, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("LLM_TEMPERATURE: %w", err))
		} else {
			f.LLM.Temperature = float32(t)
		}
	}
	str(&f.LLM.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	str(&f.LLM.OpenRouter.Model, "OPENROUTER_MODEL")
	str(&f.LLM.OpenRouter.BaseURL, "OPENROUTER_BASE_URL")
	list(&f.LLM.OpenRouter.AllowedHosts, "OPENROUTER_ALLOWED_HOSTS")
	str(&f.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	str(&f.LLM.OpenAI.Model, "OPENAI_MODEL")
	str(&f.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	str(&f.LLM.Gemini.APIKey, "GOOGLE_API_KEY")
	str(&f.LLM.Gemini.Model, "GOOGLE_MODEL")
	str(&f.LLM.Gemini.BaseURL, "GOOGLE_BASE_URL")

	return errors.Join(errs...)
}

// lookup ignores variables that are set but blank.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fromConfig(c pipeline.Config) File {
	var f File
	f.Addr = c.Addr
	f.WorkDir = c.WorkDir
	f.DatabaseURL = c.DatabaseURL
	f.LogLevel = c.LogLevel
	f.Jobs.Workers = c.Workers
	f.Jobs.QueueSize = c.QueueSize
	f.Jobs.TranscribeConcurrency = c.TranscribeConcurrency
	f.Jobs.MediaConcurrency = c.MediaConcurrency
	f.Jobs.Retention = c.JobRetention
	f.Tools.FFmpeg = c.FFmpegPath
	f.Tools.FFprobe = c.FFprobePath
	f.Tools.YtDlp = c.YtDlpPath
	f.Whisper.Bin = c.WhisperBin
	f.Whisper.ModelDir = c.WhisperModelDir
	f.Whisper.Model = c.WhisperModel
	f.Whisper.Language = c.WhisperLanguage
	f.Download.AllowedHosts = c.AllowedHosts
	f.LLM.Provider = c.LLMProvider
	f.LLM.MaxTokens = c.LLMMaxTokens
	f.LLM.Temperature = c.LLMTemperature
	f.LLM.OpenRouter.APIKey = c.OpenRouterAPIKey
	f.LLM.OpenRouter.Model = c.OpenRouterModel
	f.LLM.OpenRouter.BaseURL = c.OpenRouterBaseURL
	f.LLM.OpenRouter.AllowedHosts = c.OpenRouterAllowedHosts
	f.LLM.OpenAI.APIKey = c.OpenAIAPIKey
	f.LLM.OpenAI.Model = c.OpenAIModel
	f.LLM.OpenAI.BaseURL = c.OpenAIBaseURL
	f.LLM.Gemini.APIKey = c.GoogleAPIKey
	f.LLM.Gemini.Model = c.GoogleModel
	f.LLM.Gemini.BaseURL = c.GoogleBaseURL
	f.Clips.Min = c.MinClip
	f.Clips.Max = c.MaxClip
	f.Timeouts.Download = c.DownloadTimeout
	f.Timeouts.Extract = c.ExtractTimeout
	f.Timeouts.Transcribe = c.TranscribeTimeout
	f.Timeouts.Cut = c.CutTimeout
	return f
}

// Config converts f into the pipeline configuration.
func (f File) Config() pipeline.Config {
	return pipeline.Config{
		Addr:                   f.Addr,
		WorkDir:                f.WorkDir,
		DatabaseURL:            f.DatabaseURL,
		Workers:                f.Jobs.Workers,
		QueueSize:              f.Jobs.QueueSize,
		TranscribeConcurrency:  f.Jobs.TranscribeConcurrency,
		MediaConcurrency:       f.Jobs.MediaConcurrency,
		JobRetention:           f.Jobs.Retention,
		FFmpegPath:             f.Tools.FFmpeg,
		FFprobePath:            f.Tools.FFprobe,
		YtDlpPath:              f.Tools.YtDlp,
		WhisperBin:             f.Whisper.Bin,
		WhisperModelDir:        f.Whisper.ModelDir,
		WhisperModel:           f.Whisper.Model,
		WhisperLanguage:        f.Whisper.Language,
		AllowedHosts:           f.Download.AllowedHosts,
		LLMProvider:            f.LLM.Provider,
		LLMMaxTokens:           f.LLM.MaxTokens,
		LLMTemperature:         f.LLM.Temperature,
		OpenRouterAPIKey:       f.LLM.OpenRouter.APIKey,
		OpenRouterModel:        f.LLM.OpenRouter.Model,
		OpenRouterBaseURL:      f.LLM.OpenRouter.BaseURL,
		OpenRouterAllowedHosts: f.LLM.OpenRouter.AllowedHosts,
		OpenAIAPIKey:           f.LLM.OpenAI.APIKey,
		OpenAIModel:            f.LLM.OpenAI.Model,
		OpenAIBaseURL:          f.LLM.OpenAI.BaseURL,
		GoogleAPIKey:           f.LLM.Gemini.APIKey,
		GoogleModel:            f.LLM.Gemini.Model,
		GoogleBaseURL:          f.LLM.Gemini.BaseURL,
		MinClip:                f.Clips.Min,
		MaxClip:                f.Clips.Max,
		DownloadTimeout:        f.Timeouts.Download,
		ExtractTimeout:         f.Timeouts.Extract,
		TranscribeTimeout:      f.Timeouts.Transcribe,
		CutTimeout:             f.Timeouts.Cut,
		LogLevel:               f.LogLevel,
	}
}
