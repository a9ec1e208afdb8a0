package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/campaign-call-manager/internal/admission"
	"github.com/acme/campaign-call-manager/internal/config"
	"github.com/acme/campaign-call-manager/internal/engine"
	"github.com/acme/campaign-call-manager/internal/infra/db"
	"github.com/acme/campaign-call-manager/internal/infra/redis"
	"github.com/acme/campaign-call-manager/internal/policy"
	"github.com/acme/campaign-call-manager/internal/queue"
	"github.com/acme/campaign-call-manager/internal/repository"
	pgrepo "github.com/acme/campaign-call-manager/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-call-manager/internal/repository/scylla"
	campaignsvc "github.com/acme/campaign-call-manager/internal/service/campaign"
	"github.com/acme/campaign-call-manager/internal/telephony"
	"github.com/acme/campaign-call-manager/internal/telephony/bridge"
	telephonymock "github.com/acme/campaign-call-manager/internal/telephony/mock"
	"github.com/acme/campaign-call-manager/internal/worker/dlq"
	"github.com/acme/campaign-call-manager/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	Policies *policy.Store

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		publishers   *publishers
		services     *services
		providers    *providers
		admission    *admission.Controller
		deadLetters  *dlq.Sink
	}
}

type repositories struct {
	Campaigns   repository.CampaignRepository
	Targets     repository.TargetRepository
	Calls       repository.CallRepository
	DeadLetters repository.DeadLetterRepository
	Metrics     repository.MetricsRepository
	Transitions repository.TransitionLog
}

type publishers struct {
	Intents     *queue.IntentDispatcher
	Callbacks   *queue.CallbackPublisher
	Transitions *queue.TransitionPublisher
	DeadLetters *queue.DeadLetterPublisher
}

type services struct {
	Campaign *campaignsvc.Service
	Engine   *engine.Engine
}

type providers struct {
	Telephony telephony.Provider
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	policies := policy.NewStore(cfg.Policy.RulesPath, lg)
	if cfg.Policy.RulesPath != "" {
		if err := policies.Load(); err != nil {
			return nil, fmt.Errorf("bootstrap policy: %w", err)
		}
		if cfg.Policy.Watch {
			policies.Watch()
		}
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}
	if err := pg.InitSchema(ctx); err != nil {
		return nil, err
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Policies: policies,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Campaigns:   pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Targets:     pgrepo.NewTargetRepository(c.Postgres.DB()),
			Calls:       pgrepo.NewCallRepository(c.Postgres.DB()),
			DeadLetters: pgrepo.NewDeadLetterRepository(c.Postgres.DB()),
			Metrics:     pgrepo.NewMetricsRepository(c.Postgres.DB()),
			Transitions: scyllarepo.NewTransitionLog(c.Scylla.Session()),
		}

		pubs := &publishers{
			Intents:     queue.NewIntentDispatcher(c.Kafka, c.Config.Kafka.IntentTopic),
			Callbacks:   queue.NewCallbackPublisher(c.Kafka, c.Config.Kafka.CallbackTopic),
			Transitions: queue.NewTransitionPublisher(c.Kafka, c.Config.Kafka.TransitionTopic),
			DeadLetters: queue.NewDeadLetterPublisher(c.Kafka, c.Config.Kafka.DeadLetterTopic),
		}

		ctrl := admission.NewController(c.Redis.Inner(), admission.Config{
			MaxConcurrent:   c.Config.Admission.MaxConcurrent,
			DuplicateWindow: c.Config.Admission.DuplicateWindow,
			SlotTTL:         c.Config.Admission.SlotTTL,
			KeyPrefix:       c.Config.Admission.KeyPrefix,
		})

		prov := &providers{}
		switch c.Config.Provider.Name {
		case "bridge":
			prov.Telephony = bridge.NewProvider(c.Config.Provider)
		default:
			prov.Telephony = telephonymock.NewProvider(pubs.Callbacks, c.Logger)
		}

		svcs := &services{
			Campaign: campaignsvc.NewService(repos.Campaigns, repos.Targets),
			Engine: engine.New(
				repos.Calls,
				repos.Campaigns,
				repos.Transitions,
				ctrl,
				pubs.Intents,
				pubs.Transitions,
				c.Policies,
				c.Logger,
			),
		}

		var mirror dlq.Publisher
		if c.Config.Kafka.DeadLetterTopic != "" {
			mirror = pubs.DeadLetters
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
		c.components.providers = prov
		c.components.admission = ctrl
		c.components.deadLetters = dlq.NewSink(repos.DeadLetters, mirror, c.Logger)
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Admission exposes the admission controller.
func (c *Container) Admission() *admission.Controller {
	c.initComponents()
	return c.components.admission
}

// DeadLetterSink exposes the shared dead letter sink.
func (c *Container) DeadLetterSink() *dlq.Sink {
	c.initComponents()
	return c.components.deadLetters
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.Intents.Close(); err != nil {
			errs = append(errs, fmt.Errorf("intent dispatcher close: %w", err))
		}
		if err := p.Callbacks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("callback publisher close: %w", err))
		}
		if err := p.Transitions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transition publisher close: %w", err))
		}
		if err := p.DeadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{
		c.Config.Kafka.IntentTopic,
		c.Config.Kafka.CallbackTopic,
		c.Config.Kafka.TransitionTopic,
	}
	if err := c.Kafka.EnsureTopics(ctx, topics, 48, 1); err != nil {
		return err
	}

	if c.Config.Kafka.DeadLetterTopic != "" {
		if err := c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.DeadLetterTopic}, 12, 1); err != nil {
			return err
		}
	}

	return nil
}
