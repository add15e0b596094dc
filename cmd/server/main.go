// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cvforge-go/internal/config"
	"cvforge-go/internal/handler"
	"cvforge-go/internal/middleware"
	"cvforge-go/internal/model"
	"cvforge-go/internal/pipeline"
	"cvforge-go/internal/repository"
	"cvforge-go/internal/service"
	"cvforge-go/pkg/database"
	"cvforge-go/pkg/embedding"
	"cvforge-go/pkg/es"
	"cvforge-go/pkg/kafka"
	"cvforge-go/pkg/llm"
	"cvforge-go/pkg/log"
	"cvforge-go/pkg/storage"
	"cvforge-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与向量索引
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err := database.DB.AutoMigrate(&model.User{}, &model.Profile{}); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	profileRepository := repository.NewProfileRepository(database.DB)
	chunkRepository := repository.NewChunkRepository(es.ESClient, cfg.Elasticsearch.IndexName)
	conversationRepository := repository.NewConversationRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)

	userService := service.NewUserService(userRepository, jwtManager)
	conversationService := service.NewConversationService(conversationRepository)
	retrievalService := service.NewRetrievalService(profileRepository, chunkRepository, embeddingClient)
	scoreService := service.NewScoreService(retrievalService, llmClient)
	generationService := service.NewGenerationService(retrievalService, llmClient)
	profileService := service.NewProfileService(profileRepository, retrievalService)
	agentService := service.NewAgentService(
		conversationService,
		retrievalService,
		generationService,
		scoreService,
		llmClient,
		&minioArchiver{bucketName: cfg.MinIO.BucketName},
	)

	// 6. 初始化画像索引管道并启动后台 Kafka 消费者
	processor := pipeline.NewProcessor(retrievalService)
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	agentHandler := handler.NewAgentHandler(agentService, conversationService, jwtManager)
	profileHandler := handler.NewProfileHandler(profileService)
	userHandler := handler.NewUserHandler(userService)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", handler.NewAuthHandler(userService).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetMe)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// Profile 路由组，需要认证
		profiles := apiV1.Group("/profile")
		profiles.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			profiles.GET("", profileHandler.Get)
			profiles.PUT("", profileHandler.Save)
			profiles.POST("/reindex", profileHandler.Reindex)
			profiles.POST("/reindex/async", profileHandler.ReindexAsync)
		}

		// Agent 路由组，需要认证
		agent := apiV1.Group("/agent")
		agent.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			agent.POST("/chat", agentHandler.Chat)
			agent.GET("/conversations", agentHandler.ListConversations)
			agent.GET("/conversations/:id", agentHandler.GetConversation)
		}
	}

	// Agent WebSocket 路由，token 在路径中
	r.GET("/agent/chat/:token", agentHandler.HandleWS)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// minioArchiver 把简历快照写入 MinIO。
type minioArchiver struct {
	bucketName string
}

func (a *minioArchiver) Archive(ctx context.Context, userID, conversationID string, resumeJSON []byte) error {
	return storage.ArchiveResumeSnapshot(ctx, a.bucketName, userID, conversationID, resumeJSON)
}
