package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"mailpilot_worker/adapter/in/worker"
	"mailpilot_worker/adapter/out/alert"
	"mailpilot_worker/adapter/out/graph"
	"mailpilot_worker/adapter/out/memory"
	"mailpilot_worker/adapter/out/messaging"
	"mailpilot_worker/adapter/out/mongodb"
	"mailpilot_worker/adapter/out/persistence"
	"mailpilot_worker/adapter/out/provider"
	"mailpilot_worker/config"
	"mailpilot_worker/core/agent/llm"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/core/service/autoreply"
	"mailpilot_worker/core/service/classification"
	"mailpilot_worker/core/service/ingest"
	"mailpilot_worker/core/service/mailbox"
	"mailpilot_worker/core/service/monitoring"
	"mailpilot_worker/core/service/notification"
	"mailpilot_worker/core/service/registry"
	"mailpilot_worker/infra/database"
	"mailpilot_worker/pkg/crypto"
	"mailpilot_worker/pkg/logger"
)

// connectionStore is a repository that can also persist refreshed OAuth tokens.
type connectionStore interface {
	out.ConnectionRepository
	out.TokenSaver
}

// Dependencies holds every backend and service the worker runs on. Optional
// backends are nil when not configured; in-memory stores take their place.
type Dependencies struct {
	Config *config.Config

	// Backends
	SQL      *sqlx.DB
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Mongo    *mongo.Client
	MongoDB  *mongo.Database
	Neo4j    neo4j.DriverWithContext
	LLM      *llm.Client
	RedisPub *messaging.RedisPublisher

	// Stores
	Connections   connectionStore
	Messages      out.MessageRepository
	Outcomes      out.OutcomeRepository
	Notifications out.NotificationRepository
	SentHistory   out.SentHistoryRepository
	MonitoringLog out.MonitoringLogRepository
	Senders       out.SenderHistoryStore

	// Services
	Providers    *provider.Registry
	Registry     *registry.Registry
	Scheduler    *worker.PollScheduler
	Notifier     *notification.Service
	Monitor      *monitoring.Monitor
	Mailbox      *mailbox.Service
	StaleWatcher *worker.StalenessWatcher
}

// NewDependencies connects the configured backends and assembles the
// services. The returned cleanup closes everything that was opened.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	d := &Dependencies{Config: cfg}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		e, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return fail(fmt.Errorf("encryption key: %w", err))
		}
		enc = e
	} else {
		logger.Warn("ENCRYPTION_KEY not set, credentials are stored unencrypted")
	}

	// SQL: connections, messages, outcomes, notifications
	if cfg.DatabaseURL != "" {
		db, err := database.NewSQL(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, nil)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { db.Close() })
		if err := persistence.Migrate(ctx, db); err != nil {
			return fail(fmt.Errorf("migrate: %w", err))
		}
		d.SQL = db
		d.Connections = persistence.NewConnectionAdapter(db, enc)
		d.Messages = persistence.NewMessageAdapter(db)
		d.Outcomes = persistence.NewOutcomeAdapter(db)
		d.Notifications = persistence.NewNotificationAdapter(db)
		logger.Info("SQL store ready (driver=%s)", cfg.DatabaseDriver)

		if cfg.DatabaseDriver != "sqlite3" {
			pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, nil)
			if err != nil {
				logger.WithError(err).Warn("pgx pool unavailable, readiness will use the sql handle")
			} else {
				d.PgPool = pool
				closers = append(closers, pool.Close)
			}
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		d.Connections = memory.NewConnectionStore()
		d.Messages = memory.NewMessageStore()
		d.Outcomes = memory.NewOutcomeStore()
		d.Notifications = memory.NewNotificationStore()
	}

	// MongoDB: sent history and monitoring log
	if cfg.MongoDBURL != "" {
		client, err := mongodb.NewClient(ctx, cfg.MongoDBURL)
		if err != nil {
			return fail(fmt.Errorf("mongodb: %w", err))
		}
		closers = append(closers, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		})
		d.Mongo = client
		d.MongoDB = client.Database(cfg.MongoDBName)

		sent := mongodb.NewSentHistoryAdapter(d.MongoDB)
		monLog := mongodb.NewMonitoringLogAdapter(d.MongoDB)
		if err := sent.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("failed to create sent history indexes")
		}
		if err := monLog.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("failed to create monitoring indexes")
		}
		d.SentHistory = sent
		d.MonitoringLog = monLog
	} else {
		d.SentHistory = memory.NewSentHistoryStore()
		d.MonitoringLog = memory.NewMonitoringLog()
	}

	// Neo4j: sender history graph
	if cfg.Neo4jURL != "" {
		driver, err := graph.NewDriver(ctx, cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			return fail(fmt.Errorf("neo4j: %w", err))
		}
		closers = append(closers, func() { _ = driver.Close(context.Background()) })
		d.Neo4j = driver
		senders := graph.NewSenderHistoryAdapter(driver, "")
		if err := senders.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("failed to create sender graph constraints")
		}
		d.Senders = senders
	} else {
		d.Senders = memory.NewSenderHistory()
	}

	// Redis: events, poll status, command stream, token blacklist
	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, nil)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })
		d.Redis = client
		d.RedisPub = messaging.NewRedisPublisher(client)
	}

	if cfg.OpenAIAPIKey != "" {
		d.LLM = llm.NewClient(llm.ClientConfig{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.LLMModel,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: cfg.LLMTemperature,
		})
	} else {
		logger.Warn("OPENAI_API_KEY not set, automated responses are disabled")
	}

	sinks, err := alertSinks(cfg)
	if err != nil {
		return fail(err)
	}

	d.Providers = provider.NewRegistry(
		provider.NewGmailAdapter(&provider.GmailConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, d.Connections),
		provider.NewOutlookAdapter(&provider.OutlookConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			TenantID:     cfg.MicrosoftTenantID,
		}, d.Connections),
		provider.NewIMAPAdapter(provider.IMAPConfig{
			DialTimeout: cfg.IMAPDialTimeout,
			Plaintext:   cfg.IMAPPlaintext,
		}),
	)

	d.Notifier = notification.NewService(d.Notifications, sinks...)
	d.Monitor = monitoring.NewMonitor(monitoring.Config{
		HistorySize:         cfg.MonitorHistorySize,
		TransientEscalation: cfg.TransientEscalation,
		StaleAfter:          cfg.StaleAfter,
	}, d.MonitoringLog, d.Connections, d.Notifier)

	// without a generator every message is skipped as policy-disabled
	var generator out.ReplyGenerator
	if d.LLM != nil {
		generator = llm.NewReplyGenerator(d.LLM)
	}
	responder := autoreply.NewEngine(generator, d.Outcomes, d.SentHistory, cfg.LLMTimeout)

	d.Registry = registry.New()
	// the poll func is bound once the mailbox service exists
	d.Scheduler = worker.NewPollScheduler(nil, cfg.PollInterval)

	deps := mailbox.Deps{
		Connections: d.Connections,
		Messages:    d.Messages,
		Senders:     d.Senders,
		Providers:   d.Providers,
		Registry:    d.Registry,
		Scheduler:   d.Scheduler,
		Ingest:      ingest.NewService(d.Messages),
		Classifier:  classification.NewEngine(),
		Responder:   responder,
		Monitor:     d.Monitor,
		Notifier:    d.Notifier,
	}
	if d.RedisPub != nil {
		deps.Events = d.RedisPub
	}
	d.Mailbox = mailbox.NewService(mailbox.Config{
		PollInterval:     cfg.PollInterval,
		AdapterTimeout:   cfg.AdapterTimeout,
		SchedulerEnabled: cfg.SchedulerEnabled,
	}, deps)
	d.Scheduler.SetPollFunc(d.Mailbox.Poll)
	d.StaleWatcher = worker.NewStalenessWatcher(d.Mailbox, cfg.StaleCheckInterval)

	return d, cleanup, nil
}

func alertSinks(cfg *config.Config) ([]out.AlertSink, error) {
	var sinks []out.AlertSink
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramAlertChatID != 0 {
		tg, err := alert.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramAlertChatID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	return sinks, nil
}
