package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopmail/loopmail/config"
	"github.com/loopmail/loopmail/internal/database"
	"github.com/loopmail/loopmail/internal/domain"
	"github.com/loopmail/loopmail/internal/repository"
	"github.com/loopmail/loopmail/internal/service"
	"github.com/loopmail/loopmail/internal/service/queue"
	"github.com/loopmail/loopmail/pkg/cache"
	"github.com/loopmail/loopmail/pkg/logger"
	"github.com/loopmail/loopmail/pkg/mailer"
)

// App assembles the full worker: repositories over one Postgres pool,
// services on top, and the background loops that drive them.
type App struct {
	Config *config.Config
	Logger logger.Logger

	DB          *sql.DB
	Cache       cache.Cache
	redisClient *redis.Client

	WorkflowRepo  *repository.WorkflowRepository
	ExecutionRepo *repository.ExecutionRepository
	ContactRepo   *repository.ContactRepository
	EventRepo     *repository.EventRepository
	EmailRepo     *repository.EmailRepository
	CampaignRepo  *repository.CampaignRepository
	SegmentRepo   *repository.SegmentRepository
	TemplateRepo  *repository.TemplateRepository
	ActivityRepo  *repository.ActivityRepository
	JobRepo       *repository.JobRepository

	JobQueue        *service.PostgresJobQueue
	EmailSender     *service.EmailSenderService
	Runtime         *service.WorkflowRuntimeService
	EventRouter     *service.EventRouterService
	WorkflowService *service.WorkflowServiceImpl
	CampaignService *service.CampaignServiceImpl
	Dispatcher      *service.CampaignDispatcherService
	ActivityService *service.ActivityServiceImpl

	WorkerPool *queue.WorkerPool
	Scheduler  *service.CampaignScheduler
}

// New builds the application from configuration
func New(cfg *config.Config) (*App, error) {
	log := logger.NewLoggerWithLevel(cfg.LogLevel)

	db, err := database.Connect(&cfg.Database)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: log,
		DB:     db,
	}

	if cfg.Redis.Enabled {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Cache = cache.NewRedisCache(a.redisClient, "loopmail")
		log.WithField("addr", cfg.Redis.Addr).Info("Using Redis cache")
	} else {
		a.Cache = cache.NewInMemoryCache(time.Minute)
		log.Info("Using in-memory cache")
	}

	a.WorkflowRepo = repository.NewWorkflowRepository(db)
	a.ExecutionRepo = repository.NewExecutionRepository(db)
	a.ContactRepo = repository.NewContactRepository(db)
	a.EventRepo = repository.NewEventRepository(db)
	a.EmailRepo = repository.NewEmailRepository(db)
	a.CampaignRepo = repository.NewCampaignRepository(db)
	a.SegmentRepo = repository.NewSegmentRepository(db)
	a.TemplateRepo = repository.NewTemplateRepository(db)
	a.ActivityRepo = repository.NewActivityRepository(db)
	a.JobRepo = repository.NewJobRepository(db)

	clock := domain.NewRealClock()
	a.JobQueue = service.NewPostgresJobQueue(a.JobRepo, cfg.Queue.MaxAttempts, log)

	smtpMailer := mailer.NewSMTPMailer(&mailer.Config{
		SMTPHost:     cfg.SMTP.Host,
		SMTPPort:     cfg.SMTP.Port,
		SMTPUsername: cfg.SMTP.Username,
		SMTPPassword: cfg.SMTP.Password,
		FromEmail:    cfg.SMTP.FromEmail,
		FromName:     cfg.SMTP.FromName,
	})

	a.EmailSender = service.NewEmailSenderService(a.TemplateRepo, a.EmailRepo,
		a.JobQueue, smtpMailer, clock, log)

	registry := service.NewStepExecutorRegistry(a.EmailSender, a.ContactRepo,
		&http.Client{Timeout: 30 * time.Second}, log)
	a.Runtime = service.NewWorkflowRuntimeService(a.WorkflowRepo, a.ExecutionRepo,
		a.ContactRepo, a.JobQueue, registry, clock, log)

	a.EventRouter = service.NewEventRouterService(a.EventRepo, a.WorkflowRepo,
		a.ExecutionRepo, a.ContactRepo, a.EmailRepo, a.CampaignRepo,
		a.Runtime, a.Cache, clock, log)

	a.WorkflowService = service.NewWorkflowService(a.WorkflowRepo,
		a.EventRouter.InvalidateTriggerCache, log)

	a.Dispatcher = service.NewCampaignDispatcherService(a.CampaignRepo, a.ContactRepo,
		a.SegmentRepo, a.EmailSender, a.JobQueue, clock, log,
		cfg.Campaign.BatchSize, cfg.Campaign.SendConcurrency)

	a.CampaignService = service.NewCampaignService(a.CampaignRepo, a.TemplateRepo,
		a.ContactRepo, a.SegmentRepo, a.Dispatcher, a.JobQueue, clock, log)

	a.ActivityService = service.NewActivityService(a.EventRepo, a.EmailRepo,
		a.ExecutionRepo, a.ActivityRepo, a.Cache, clock, log)

	handlers := service.NewJobHandlers(a.Runtime, a.Dispatcher, a.EmailSender, a.EmailRepo)
	a.WorkerPool = queue.NewWorkerPool(a.JobRepo, handlers, clock, log, queue.WorkerPoolConfig{
		PollInterval: cfg.Queue.PollInterval,
		WorkerCount:  cfg.Queue.WorkerCount,
		BatchSize:    cfg.Queue.BatchSize,
		MaxAttempts:  cfg.Queue.MaxAttempts,
	})

	a.Scheduler = service.NewCampaignScheduler(a.CampaignRepo, a.JobQueue, clock, log, time.Minute)

	return a, nil
}

// Start launches the background loops
func (a *App) Start() {
	a.WorkerPool.Start()
	a.Scheduler.Start()
	a.Logger.WithField("version", a.Config.Version).Info("Application started")
}

// Stop drains the loops and closes connections
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.WorkerPool.Stop()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.WithField("error", err.Error()).Warn("Failed to close redis client")
		}
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.WithField("error", err.Error()).Warn("Failed to close database")
	}

	a.Logger.Info("Application stopped")
}
