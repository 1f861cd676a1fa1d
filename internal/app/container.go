package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/dispatch"
	"github.com/acme/campaign-dispatch/internal/dispatch/ratelimit"
	"github.com/acme/campaign-dispatch/internal/dispatch/slots"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/engine"
	"github.com/acme/campaign-dispatch/internal/infra/db"
	"github.com/acme/campaign-dispatch/internal/infra/redis"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	pgrepo "github.com/acme/campaign-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-dispatch/internal/repository/scylla"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	"github.com/acme/campaign-dispatch/internal/telephony"
	"github.com/acme/campaign-dispatch/internal/telephony/callbridge"
	"github.com/acme/campaign-dispatch/internal/telephony/mock"
	"github.com/acme/campaign-dispatch/internal/telephony/relayvoice"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		telephony    *telephonyComponents
		publisher    *queue.CompletionPublisher
		campaignSvc  *campaignsvc.Service
		manager      *engine.QueueManager
		reconciler   *engine.Reconciler
	}
}

type repositories struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Attempts   repository.AttemptStore
}

type telephonyComponents struct {
	Selector *telephony.Selector
	Adapters map[string]telephony.Adapter
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

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
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
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			Campaigns:  pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Recipients: pgrepo.NewRecipientRepository(c.Postgres.DB()),
			Attempts:   scyllarepo.NewAttemptStore(c.Scylla.Session()),
		}

		providersCfg := cfg.Providers
		var primary telephony.Adapter = callbridge.NewProvider(providersCfg.Primary)
		if providersCfg.Primary.APIKey == "" && cfg.App.Env != "production" {
			// No vendor credentials in dev environments: dial nobody.
			primary = mock.NewProvider(0.9, 150*time.Millisecond)
			providersCfg.Primary.APIKey = "mock"
		}
		fallback := relayvoice.NewProvider(providersCfg.Fallback)

		tel := &telephonyComponents{
			Selector: telephony.NewSelector(primary, fallback, providersCfg),
			Adapters: map[string]telephony.Adapter{
				primary.Name():  primary,
				fallback.Name(): fallback,
			},
		}

		limiter := ratelimit.New(cfg.Dispatch.CallsPerSecond, cfg.Dispatch.RateBurst)
		slotRes := slots.NewReservation(c.Redis.Inner(), cfg.Dispatch.GlobalConcurrency, cfg.Dispatch.SlotTTL)

		dispatcher := dispatch.NewDispatcher(
			limiter,
			slotRes,
			repos.Recipients,
			repos.Attempts,
			c.Logger.Logger,
			dispatch.Options{
				Concurrency:       cfg.Dispatch.DefaultPerCampaign,
				HoursRecheckEvery: cfg.Dispatch.HoursRecheckEvery,
			},
		)

		manager := engine.NewQueueManager(
			repos.Campaigns,
			repos.Recipients,
			tel.Selector,
			dispatcher,
			cfg.Dispatch,
			c.Logger.Logger,
		)

		c.components.repositories = repos
		c.components.telephony = tel
		c.components.publisher = queue.NewCompletionPublisher(c.Kafka, cfg.Kafka.CompletionTopic)
		c.components.campaignSvc = campaignsvc.NewService(
			repos.Campaigns,
			repos.Recipients,
			cfg.Dispatch.DefaultPerCampaign,
			domain.RetryPolicy{
				MaxRetries:   cfg.Retry.MaxRetries,
				InitialDelay: cfg.Retry.InitialDelay,
				MaxDelay:     cfg.Retry.MaxDelay,
			},
		)
		c.components.manager = manager
		c.components.reconciler = engine.NewReconciler(
			repos.Campaigns,
			repos.Recipients,
			slotRes,
			manager,
			c.Logger.Logger,
		)
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Telephony exposes the vendor selector and the adapters keyed by name.
func (c *Container) Telephony() *telephonyComponents {
	c.initComponents()
	return c.components.telephony
}

// CampaignService exposes campaign authoring and lifecycle operations.
func (c *Container) CampaignService() *campaignsvc.Service {
	c.initComponents()
	return c.components.campaignSvc
}

// CompletionPublisher exposes the Kafka publisher for completion events.
func (c *Container) CompletionPublisher() *queue.CompletionPublisher {
	c.initComponents()
	return c.components.publisher
}

// QueueManager exposes the dispatch queue manager.
func (c *Container) QueueManager() *engine.QueueManager {
	c.initComponents()
	return c.components.manager
}

// Reconciler exposes the completion reconciler.
func (c *Container) Reconciler() *engine.Reconciler {
	c.initComponents()
	return c.components.reconciler
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.publisher != nil {
		if err := c.components.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("completion publisher close: %w", err))
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
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.CompletionTopic}, 12, 1)
}
