package server

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"flashback/cache"
	"flashback/config"
	"flashback/core/agent"
	"flashback/core/imagegen"
	"flashback/core/ingest"
	"flashback/core/pipeline"
	"flashback/core/speech"
	"flashback/core/transcribe"
	"flashback/core/video"
	"flashback/db"
	"flashback/logger"
	"flashback/repository"
	"flashback/storage"
)

// InitLogger configures the global logger from cfg.
func InitLogger(cfg *config.Config) {
	out := cfg.LogFile
	if cfg.LogStdoutOnly() {
		out = ""
	}
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: out,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})
}

// Components holds every long-lived client of the service.
type Components struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Tasks    repository.TaskRepository
	Progress *cache.ProgressCache
	Storage  *storage.MinioClient
	Mistral  *agent.MistralClient
	Ingest   *ingest.Service
	Pipeline *pipeline.Pipeline
}

// Close releases the connections opened by Wire or WireIngest.
func (c *Components) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Failed to close Redis", logger.ErrorField(err))
		}
	}
	if c.DB != nil {
		if err := db.CloseGormDB(c.DB); err != nil {
			logger.Warn("Failed to close database", logger.ErrorField(err))
		}
	}
}

// WireIngest opens the record store and builds the ingestion service. It is
// all the inbox watcher needs.
func WireIngest(cfg *config.Config) (*Components, error) {
	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.CloseGormDB(gdb)
		return nil, err
	}
	c := &Components{DB: gdb, Tasks: repository.NewGormTaskRepository(gdb)}

	if cfg.MistralAPIKey == "" {
		logger.Warn("MISTRAL_API_KEY is not set, text generation calls will fail")
	}
	c.Mistral = agent.NewMistralClient(agent.MistralConfig{
		APIBaseURL: cfg.MistralBaseURL,
		APIKey:     cfg.MistralAPIKey,
		Model:      cfg.MistralModel,
	})

	prompts, err := config.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		c.Close()
		return nil, err
	}
	var subjects ingest.SubjectLister
	if cfg.ChapterMode != ingest.ModeHeadings {
		subjects = agent.NewSubjectLister(c.Mistral, cfg.MistralModel, prompts.Subjects)
	}
	c.Ingest, err = ingest.NewService(ingest.Config{
		ArtifactsDir: cfg.ArtifactsDir,
		Mode:         cfg.ChapterMode,
		MaxBytes:     cfg.MaxUploadBytes(),
	}, c.Tasks, subjects)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Wire builds everything the HTTP service needs. Redis is optional: without
// it progress is only streamed, not kept.
func Wire(ctx context.Context, cfg *config.Config) (*Components, error) {
	c, err := WireIngest(cfg)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Components, error) {
		c.Close()
		return nil, err
	}

	if rdb, err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis unavailable, progress history disabled", logger.ErrorField(err))
	} else {
		c.Redis = rdb
		c.Progress = cache.NewProgressCache(rdb, cfg.ProgressTTL)
	}

	c.Storage, err = storage.NewMinioClient(storage.OptionsFromConfig(cfg))
	if err != nil {
		return fail(err)
	}
	if err := c.Storage.EnsureBucket(ctx, cfg.StorageRegion); err != nil {
		return fail(err)
	}

	prompts, err := config.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return fail(err)
	}
	policies := agent.DefaultPolicies(cfg.MistralScriptModel, cfg.Language)
	agent.ApplyOverrides(policies, prompts)
	scripts, err := agent.NewScriptWriter(c.Mistral, policies)
	if err != nil {
		return fail(err)
	}

	images, err := imagegen.NewGemini(ctx, imagegen.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiImageModel,
	})
	if err != nil {
		return fail(err)
	}

	assembler := video.NewAssembler(video.Settings{
		FFmpegPath:   cfg.FFmpegPath,
		FFprobePath:  cfg.FFprobePath,
		FontFile:     cfg.FontFile,
		Width:        cfg.VideoWidth,
		Height:       cfg.VideoHeight,
		FPS:          cfg.VideoFPS,
		AudioBitrate: cfg.AudioBitrate,
	}, video.ExecRunner{}, true)

	deps := pipeline.Deps{
		Store:   c.Tasks,
		Scripts: scripts,
		Speech: speech.NewElevenLabs(speech.ElevenLabsConfig{
			APIKey:  cfg.ElevenAPIKey,
			BaseURL: cfg.ElevenBaseURL,
			VoiceID: cfg.ElevenVoiceID,
			ModelID: cfg.ElevenModel,
		}),
		Transcriber: transcribe.NewGladia(transcribe.GladiaConfig{
			APIKey:  cfg.GladiaAPIKey,
			BaseURL: cfg.GladiaBaseURL,
		}),
		Poller:    transcribe.NewPoller(cfg.TranscribePollInterval, cfg.TranscribeMaxAttempts),
		Prompter:  agent.NewImagePrompter(c.Mistral, cfg.MistralImagePromptAgent, cfg.MistralScriptModel),
		Images:    images,
		Assembler: assembler,
		Uploader:  c.Storage,
	}
	if c.Progress != nil {
		deps.Recorder = c.Progress
	}

	c.Pipeline, err = pipeline.New(pipeline.Config{
		ArtifactsDir:     cfg.ArtifactsDir,
		Language:         cfg.Language,
		ImageConcurrency: cfg.ImageConcurrency,
		UploadVideos:     true,
	}, deps)
	if err != nil {
		return fail(fmt.Errorf("failed to build pipeline: %w", err))
	}
	return c, nil
}
