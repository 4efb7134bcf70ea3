package server

import (
	"context"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/config"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/handlers"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/kafka"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/limiter"
	custommiddleware "github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/middleware"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/models"
	appredis "github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/redis"
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/services"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Server struct {
	Echo                 *echo.Echo
	DB                   *gorm.DB
	Config               *config.Config
	AuthHandler          *handlers.AuthHandler
	ConversationHandler  *handlers.ConversationHandler
	MessageHandler       *handlers.MessageHandler
	ChatWebSocketHandler *handlers.ChatWebSocketHandler
	Scheduler            *services.SchedulerService
}

func NewServer() *Server {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		log.Fatal("Failed to auto-migrate database:", err)
	}

	redisClient, err := appredis.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to redis:", err)
	}
	undoCache := appredis.NewUndoCache(redisClient)

	// 初始化 Echo
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"http://localhost:5173"},
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.PATCH},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		MaxAge:           86400,
	}))

	authService := services.NewAuthService(db, &cfg.Auth)
	bookingService := services.NewBookingService(db)
	policy := services.NewVisibilityPolicy(cfg.Session.RecallWindowMinutes)
	messageService := services.NewMessageService(db, policy, undoCache, &cfg.Session)
	conversationService := services.NewConversationService(db, &cfg.Session, bookingService, messageService)
	scheduler := services.NewSchedulerService(db, conversationService, &cfg.Session)
	conversationService.SetDeadlineIndexer(scheduler)

	// Kafka 通知生产者（未配置 broker 时跳过，通知是 fire-and-forget）
	if len(cfg.Kafka.Brokers) > 0 {
		saramaCfg, err := kafka.NewSaramaConfig(&cfg.Kafka)
		if err != nil {
			log.Fatal("Failed to build kafka config:", err)
		}
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic, saramaCfg)
		if err != nil {
			log.Fatal("Failed to create kafka producer:", err)
		}
		conversationService.SetNotifier(kafka.NewNotifier(producer))
	}

	limiterManager := limiter.NewManager(redisClient.Client, &limiter.FixedWindowStrategy{})

	authHandler := handlers.NewAuthHandler(authService)
	conversationHandler := handlers.NewConversationHandler(conversationService)
	messageHandler := handlers.NewMessageHandler(messageService)
	chatWebSocketHandler := handlers.NewChatWebSocketHandler(redisClient.Client, conversationService, messageService, limiterManager)

	// 房间管理器注入为生命周期事件的广播出口
	conversationService.SetBroadcaster(chatWebSocketHandler.RoomManager())

	if err := scheduler.RebuildFromDB(); err != nil {
		log.Fatal("Failed to rebuild scheduler index:", err)
	}

	s := &Server{
		Echo:                 e,
		DB:                   db,
		Config:               &cfg,
		AuthHandler:          authHandler,
		ConversationHandler:  conversationHandler,
		MessageHandler:       messageHandler,
		ChatWebSocketHandler: chatWebSocketHandler,
		Scheduler:            scheduler,
	}

	// --- 设置路由 ---
	authMiddleware := custommiddleware.AuthMiddleware(authService)
	adminMiddleware := custommiddleware.AdminAuthMiddleware()
	rateLimitMiddleware := custommiddleware.NewRateLimitMiddleware(limiterManager, custommiddleware.RateLimitConfig{
		Limit:  60,
		Window: time.Minute,
		KeyFunc: func(c echo.Context) string {
			if user, ok := c.Get("user").(*models.User); ok {
				return "user:" + user.Username
			}
			return ""
		},
	})
	s.SetupRoutes(authMiddleware, adminMiddleware, rateLimitMiddleware)
	return s
}

func (s *Server) Start(addr string) {
	s.Scheduler.Start(context.Background())
	defer s.Scheduler.Stop()
	log.Fatal(s.Echo.Start(addr))
}
