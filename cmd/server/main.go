// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"morphik-go/internal/config"
	"morphik-go/internal/handler"
	"morphik-go/internal/middleware"
	"morphik-go/internal/model"
	"morphik-go/internal/pipeline"
	"morphik-go/internal/repository"
	"morphik-go/internal/service"
	"morphik-go/internal/vectorstore"
	"morphik-go/pkg/ann"
	"morphik-go/pkg/database"
	"morphik-go/pkg/embedding"
	"morphik-go/pkg/es"
	"morphik-go/pkg/fde"
	"morphik-go/pkg/kafka"
	"morphik-go/pkg/log"
	"morphik-go/pkg/rerank"
	"morphik-go/pkg/storage"
	"morphik-go/pkg/tika"
	"morphik-go/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库、Redis 与对象存储
	db, err := database.OpenMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatal("MySQL 初始化失败", err)
	}
	if err := db.AutoMigrate(&model.Document{}); err != nil {
		log.Fatal("documents 表迁移失败", err)
	}
	rdb, err := database.OpenRedis(ctx, cfg.Database.Redis)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}
	defer rdb.Close()
	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("对象存储初始化失败", err)
	}

	// 4. 初始化 Repository
	documentRepo := repository.NewDocumentRepository(db)
	appIDCache := repository.NewAppIDCache(rdb, documentRepo, cfg.Database.Redis.CacheTTL)

	// 5. 初始化向量存储
	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatal("Elasticsearch 初始化失败", err)
	}
	denseStore := vectorstore.NewElasticsearchStore(esClient, cfg.Elasticsearch.IndexName, cfg.Elasticsearch.Dimensions)
	if err := denseStore.Initialize(ctx); err != nil {
		log.Fatal("稠密存储初始化失败", err)
	}

	multiStore, closeMulti, err := buildMultiVectorStore(ctx, cfg, objects, appIDCache)
	if err != nil {
		log.Fatal("多向量存储初始化失败", err)
	}
	defer closeMulti()
	if err := multiStore.Initialize(ctx); err != nil {
		log.Fatal("多向量存储初始化失败", err)
	}

	// 6. 初始化 Service (依赖注入)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	multiEmbeddingClient := embedding.NewMultiVectorClient(cfg.ColPali)
	var reranker rerank.Reranker
	if cfg.Reranker.Enabled {
		reranker = rerank.NewCohereClient(cfg.Reranker)
	}
	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()

	retrievalService := service.NewRetrievalService(service.RetrievalDeps{
		Dense:         denseStore,
		MultiVector:   multiStore,
		Embedder:      embeddingClient,
		MultiEmbedder: multiEmbeddingClient,
		Documents:     documentRepo,
		Objects:       objects,
		Fusion:        service.NewFusionEngine(reranker),
	}, cfg.Retrieval)
	documentService := service.NewDocumentService(documentRepo, objects, cfg.Storage.Bucket, producer, denseStore, multiStore, appIDCache)

	// 7. 初始化文件处理管道并启动后台 Kafka 消费者
	processor := pipeline.NewProcessor(
		objects,
		tika.NewClient(cfg.Tika),
		embeddingClient,
		multiEmbeddingClient,
		denseStore,
		multiStore,
		documentRepo,
	)
	consumer := kafka.NewConsumer(cfg.Kafka, processor, kafka.NewAttemptCounter(rdb))
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	// 8. 创建路由引擎并注册路由
	jwtManager := token.NewJWTManager(cfg.Auth.JWTSecret, 24*time.Hour)
	r := handler.NewEngine(cfg.Server.Mode)
	handler.RegisterRoutes(r,
		middleware.AuthMiddleware(jwtManager, cfg.Auth),
		handler.NewRetrievalHandler(retrievalService),
		handler.NewDocumentHandler(documentService),
	)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	<-consumerDone
	log.Info("服务已优雅关闭")
}

// buildMultiVectorStore 按 multivector.backend 选择多向量存储实现。
// 返回的 close 函数释放底层连接。
func buildMultiVectorStore(ctx context.Context, cfg *config.Config, objects storage.ObjectStore, apps *repository.AppIDCache) (vectorstore.VectorStore, func(), error) {
	var (
		closers []func()
		slow    vectorstore.VectorStore
		fast    vectorstore.VectorStore
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	backend := cfg.MultiVector.Backend
	if backend == config.MultiVectorBackendRelational || backend == config.MultiVectorBackendDual {
		pool, err := database.OpenPostgres(ctx, cfg.Database.Postgres)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, pool.Close)
		slow = vectorstore.NewRelationalStore(pool, cfg.MultiVector.Dimension, cfg.Database.Postgres)
	}
	if backend == config.MultiVectorBackendFast || backend == config.MultiVectorBackendDual {
		index, err := ann.NewQdrantIndex(cfg.Qdrant)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = index.Close() })
		f := cfg.MultiVector.FDE
		store, err := vectorstore.NewFastStore(index, objects, apps, vectorstore.FastStoreConfig{
			ContentBucket:     cfg.Storage.Bucket,
			MultiVectorBucket: cfg.Storage.MultiVectorBucket,
			MaxCandidates:     cfg.MultiVector.MaxCandidates,
			FDE: fde.Config{
				Dimension:           cfg.MultiVector.Dimension,
				Repetitions:         f.Repetitions,
				SimHashProjections:  f.SimHashProjections,
				ProjectionDimension: f.ProjectionDimension,
				ProjectionType:      f.ProjectionType,
				FillEmptyPartitions: f.FillEmptyPartitions,
				Seed:                f.Seed,
			},
		})
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		fast = store
	}

	log.Infof("多向量存储后端: %s, dual_ingestion: %t", backend, cfg.MultiVector.EnableDualIngestion)
	switch backend {
	case config.MultiVectorBackendRelational:
		return slow, closeAll, nil
	case config.MultiVectorBackendFast:
		return fast, closeAll, nil
	default:
		return vectorstore.NewDualStore(slow, fast, cfg.MultiVector.EnableDualIngestion), closeAll, nil
	}
}

