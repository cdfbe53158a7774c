package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"alumniportal/internal/ai"
	appsvc "alumniportal/internal/app"
	"alumniportal/internal/cache"
	"alumniportal/internal/config"
	"alumniportal/internal/model"
	mysqlClient "alumniportal/internal/platform/mysql"
	rabbitmqClient "alumniportal/internal/platform/rabbitmq"
	redisClient "alumniportal/internal/platform/redis"
	"alumniportal/internal/repository"
	"alumniportal/internal/storage"
	"alumniportal/internal/vectorstore/qdrant"
	"alumniportal/internal/worker"
)

// App wires every collaborator once and owns their lifecycles. The HTTP
// layer only reads from it.
type App struct {
	Config *config.Config
	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection
	Qdrant *qdrant.Store

	AuthService     *appsvc.AuthService
	DocumentService *appsvc.DocumentService
	ChatService     *appsvc.ChatService
	IngestWorker    *worker.IngestWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Document{},
		&model.DocumentChunk{},
		&model.ChatSession{},
		&model.ChatMessage{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.IngestQueue)
	if err != nil {
		return nil, err
	}

	qdrantStore := qdrant.NewStore(qdrant.Config{
		URL:        cfg.Qdrant.URL,
		APIKey:     cfg.Qdrant.APIKey,
		Collection: cfg.Qdrant.Collection,
		Dimension:  cfg.Embedding.Dimension,
	})
	if err := qdrantStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init qdrant collection failed: %w", err)
	}

	fileStore, err := storage.NewLocalStore(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}

	embedder, err := ai.NewEmbeddingProvider(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("build embedding provider failed: %w", err)
	}

	userRepo := repository.NewUserRepository(mysqlDB)
	docRepo := repository.NewDocumentRepository(mysqlDB)
	chunkRepo := repository.NewChunkRepository(mysqlDB)
	sessionRepo := repository.NewChatSessionRepository(mysqlDB)
	messageRepo := repository.NewChatMessageRepository(mysqlDB)

	publisher := rabbitmqClient.NewIngestPublisher(mqConn, cfg.RabbitMQ.IngestQueue)
	docService := appsvc.NewDocumentService(
		docRepo,
		chunkRepo,
		userRepo,
		fileStore,
		embedder,
		qdrantStore,
		publisher,
		cfg.Ingest.ChunkSize,
		cfg.Ingest.ChunkOverlap,
		cfg.Ingest.BatchSize,
	)

	ingestWorker := worker.NewIngestWorker(mqConn, docService, cfg.RabbitMQ.IngestQueue, cfg.Ingest.Workers)
	if err := ingestWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start ingest worker failed: %w", err)
	}

	historyCache := cache.NewHistoryCache(
		redisCli,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	chatService := appsvc.NewChatService(
		sessionRepo,
		messageRepo,
		userRepo,
		docRepo,
		embedder,
		qdrantStore,
		ai.NewOpenAICompatibleClient(),
		ai.ChatConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		},
		historyCache,
	)

	authService := appsvc.NewAuthService(
		userRepo,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)

	return &App{
		Config:          cfg,
		MySQL:           mysqlDB,
		Redis:           redisCli,
		MQConn:          mqConn,
		Qdrant:          qdrantStore,
		AuthService:     authService,
		DocumentService: docService,
		ChatService:     chatService,
		IngestWorker:    ingestWorker,
		StartedAt:       time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
