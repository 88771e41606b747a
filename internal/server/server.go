package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castrelay/castrelay/internal/config"
	"github.com/castrelay/castrelay/internal/models"
	"github.com/castrelay/castrelay/internal/queue"
	"github.com/castrelay/castrelay/internal/service"
	"github.com/castrelay/castrelay/internal/service/discord"
	"github.com/castrelay/castrelay/internal/service/publisher"
	"github.com/castrelay/castrelay/internal/service/publisher/imagefeed"
	"github.com/castrelay/castrelay/internal/service/publisher/livestream"
	"github.com/castrelay/castrelay/internal/service/publisher/microblog"
	"github.com/castrelay/castrelay/internal/service/publisher/video"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Store        service.Store
	PublishQueue queue.Queue
	SyncQueue    queue.Queue
	Producer     *service.Producer
	Worker       *service.PublishWorker
	Reconciler   *service.Reconciler
	SyncWorker   *service.SyncWorker
	Sweep        *service.SweepService
	Listener     *service.EventListener
	Monitoring   *service.MonitoringService
	Auth         *service.AuthService
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := service.NewGormStore(db)

	publishQueue, err := queue.NewAMQPQueue(cfg.Queue.URL, cfg.Queue.PublishQueue, cfg.Workers.PublishConcurrency, db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize publish queue: %w", err)
	}
	syncQueue, err := queue.NewAMQPQueue(cfg.Queue.URL, cfg.Queue.SyncQueue, cfg.Workers.SyncConcurrency, db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync queue: %w", err)
	}

	// Initialize services
	monitoring := service.NewMonitoringService(db, logger)
	lock := service.NewLockService(db, logger)
	tokens := service.NewTokenService(store, &cfg.Platforms, logger)

	manager := publisher.NewPublishManager(logger)
	registerPublishers(manager, cfg, logger)

	events := discord.NewClient(cfg.Sync.APIBase, cfg.Sync.BotToken, logger)
	reconciler := service.NewReconciler(&cfg.Sync, store, lock, events, syncQueue, logger)

	srv := &Server{
		Config:       cfg,
		DB:           db,
		Router:       gin.New(),
		Logger:       logger,
		Store:        store,
		PublishQueue: publishQueue,
		SyncQueue:    syncQueue,
		Producer:     service.NewProducer(&cfg.Producer, store, publishQueue, logger),
		Worker:       service.NewPublishWorker(&cfg.Workers, store, publishQueue, tokens, manager, monitoring, reconciler, logger),
		Reconciler:   reconciler,
		SyncWorker:   service.NewSyncWorker(&cfg.Workers, reconciler, syncQueue, logger),
		Sweep:        service.NewSweepService(&cfg.Sync, store, reconciler, logger),
		Listener:     service.NewEventListener(store, logger),
		Monitoring:   monitoring,
		Auth:         service.NewAuthService(logger, cfg.Auth.TOTPSecret),
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func registerPublishers(manager *publisher.Manager, cfg *config.Config, logger *zap.Logger) {
	register := func(pub publisher.Publisher, pcfg config.PlatformConfig) {
		if !pcfg.Enabled {
			return
		}
		if err := manager.RegisterPublisher(pub); err != nil {
			logger.Error("Failed to register publisher",
				zap.String("platform", pub.GetPlatformName()),
				zap.Error(err))
			return
		}
		manager.SetPlatformConfig(pub.GetPlatformName(), publisher.PublishConfig{
			PlatformName: pub.GetPlatformName(),
			Enabled:      pcfg.Enabled,
			Config: map[string]string{
				"api_base":  pcfg.APIBase,
				"client_id": pcfg.ClientID,
			},
		})
		logger.Info("Publisher registered and configured",
			zap.String("platform", pub.GetPlatformName()))
	}

	register(microblog.NewMicroblogPublisher(logger), cfg.Platforms.Microblog)
	register(livestream.NewLivestreamPublisher(logger), cfg.Platforms.Livestream)
	register(video.NewVideoPublisher(logger), cfg.Platforms.Video)
	register(imagefeed.NewImageFeedPublisher(logger), cfg.Platforms.ImageFeed)
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	if s.Config.Auth.TOTPSecret != "" {
		s.Router.Use(s.Auth.Middleware())
	}
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	{
		api.POST("/auth/login", s.handleLogin)

		content := api.Group("/content")
		{
			content.POST("", s.handleCreateContent)
			content.GET("/:id", s.handleGetContent)
			content.PUT("/:id", s.handleUpdateContent)
			content.DELETE("/:id", s.handleDeleteContent)
			content.GET("/:id/targets", s.handleGetTargets)
		}

		api.POST("/sync/:id", s.handleTriggerSync)
		api.GET("/errors", s.handleRecentErrors)

		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/discord/events", s.handleDiscordEvent)
		}
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if !s.Auth.ValidateToken(req.Code) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid code"})
		return
	}

	token := s.Auth.CreateSession()
	c.SetCookie("auth_token", token, int((12 * time.Hour).Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "Login successful"})
}

type contentRequest struct {
	UserID       uint               `json:"user_id"`
	Title        *string            `json:"title"`
	Body         *string            `json:"body"`
	ContentType  *string            `json:"content_type"`
	Hashtags     []string           `json:"hashtags"`
	Mentions     []string           `json:"mentions"`
	Files        []string           `json:"files"`
	Platforms    []string           `json:"platforms"`
	Location     *string            `json:"location"`
	ScheduledFor *time.Time         `json:"scheduled_for"`
	EventEndTime *time.Time         `json:"event_end_time"`
	EventDates   []models.EventDate `json:"event_dates"`
	Status       *string            `json:"status"`
}

func (s *Server) handleCreateContent(c *gin.Context) {
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.Title == nil || req.ScheduledFor == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and scheduled_for are required"})
		return
	}

	item := &models.ContentItem{
		UserID:       req.UserID,
		Title:        *req.Title,
		ContentType:  "text",
		Status:       models.ContentStatusScheduled,
		ScheduledFor: *req.ScheduledFor,
		EventEndTime: req.EventEndTime,
		Hashtags:     models.StringArray(req.Hashtags),
		Mentions:     models.StringArray(req.Mentions),
		Files:        models.StringArray(req.Files),
		Platforms:    models.StringArray(req.Platforms),
		EventDates:   models.EventDateList(req.EventDates),
		LocalVersion: 1,
	}
	if req.Body != nil {
		item.Body = *req.Body
	}
	if req.ContentType != nil {
		item.ContentType = *req.ContentType
	}
	if req.Location != nil {
		item.Location = *req.Location
	}
	if req.Status != nil {
		item.Status = *req.Status
	}

	if err := s.Store.SaveContent(c.Request.Context(), item); err != nil {
		s.Logger.Error("Failed to create content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create content"})
		return
	}

	s.maybeEnqueueSync(c.Request.Context(), item)

	c.JSON(http.StatusCreated, gin.H{"id": item.ID, "message": "Content scheduled successfully"})
}

func (s *Server) handleGetContent(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	item, err := s.Store.GetContent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Content not found"})
		return
	}

	c.JSON(http.StatusOK, item)
}

// handleUpdateContent applies a partial edit and bumps the local version so
// the reconciler picks the change up.
func (s *Server) handleUpdateContent(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	item, err := s.Store.GetContent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Content not found"})
		return
	}

	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if req.Title != nil {
		item.Title = *req.Title
	}
	if req.Body != nil {
		item.Body = *req.Body
	}
	if req.ContentType != nil {
		item.ContentType = *req.ContentType
	}
	if req.Location != nil {
		item.Location = *req.Location
	}
	if req.ScheduledFor != nil {
		item.ScheduledFor = *req.ScheduledFor
	}
	if req.EventEndTime != nil {
		item.EventEndTime = req.EventEndTime
	}
	if req.Hashtags != nil {
		item.Hashtags = models.StringArray(req.Hashtags)
	}
	if req.Mentions != nil {
		item.Mentions = models.StringArray(req.Mentions)
	}
	if req.Files != nil {
		item.Files = models.StringArray(req.Files)
	}
	if req.Platforms != nil {
		item.Platforms = models.StringArray(req.Platforms)
	}
	if req.EventDates != nil {
		item.EventDates = models.EventDateList(req.EventDates)
	}
	if req.Status != nil {
		item.Status = *req.Status
	}

	item.LocalVersion++

	if err := s.Store.SaveContent(c.Request.Context(), item); err != nil {
		s.Logger.Error("Failed to update content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update content"})
		return
	}

	s.maybeEnqueueSync(c.Request.Context(), item)

	c.JSON(http.StatusOK, gin.H{"message": "Content updated successfully"})
}

// handleDeleteContent soft-deletes so the reconciler can issue the remote
// delete before the row is purged by retention.
func (s *Server) handleDeleteContent(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	item, err := s.Store.GetContent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Content not found"})
		return
	}

	if err := s.Store.SoftDeleteContent(c.Request.Context(), id); err != nil {
		s.Logger.Error("Failed to delete content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete content"})
		return
	}

	s.maybeEnqueueSync(c.Request.Context(), item)

	c.JSON(http.StatusOK, gin.H{"message": "Content deleted successfully"})
}

func (s *Server) handleGetTargets(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	targets, err := s.Store.TargetsForContent(c.Request.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to get targets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get targets"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (s *Server) handleTriggerSync(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	if err := s.Reconciler.EnqueueSync(c.Request.Context(), id); err != nil {
		s.Logger.Error("Failed to enqueue sync", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue sync"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Sync enqueued"})
}

func (s *Server) handleRecentErrors(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := s.Monitoring.RecentErrors(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get errors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": logs})
}

type discordEventNotification struct {
	Type  string `json:"type" binding:"required"`
	Event struct {
		ID          string     `json:"id"`
		Name        string     `json:"name"`
		Description string     `json:"description"`
		StartTime   *time.Time `json:"scheduled_start_time"`
		EndTime     *time.Time `json:"scheduled_end_time"`
		Location    string     `json:"location"`
	} `json:"event"`
}

func (s *Server) handleDiscordEvent(c *gin.Context) {
	var notif discordEventNotification
	if err := c.ShouldBindJSON(&notif); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification"})
		return
	}

	var err error
	switch notif.Type {
	case "updated":
		err = s.Listener.HandleEventUpdated(c.Request.Context(), &service.RemoteEventUpdate{
			EventID:     notif.Event.ID,
			Name:        notif.Event.Name,
			Description: notif.Event.Description,
			StartTime:   notif.Event.StartTime,
			EndTime:     notif.Event.EndTime,
			Location:    notif.Event.Location,
		})
	case "deleted":
		err = s.Listener.HandleEventDeleted(c.Request.Context(), notif.Event.ID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown notification type"})
		return
	}

	if err != nil {
		s.Logger.Error("Failed to handle remote event notification",
			zap.String("type", notif.Type),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to handle notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notification processed"})
}

func (s *Server) maybeEnqueueSync(ctx context.Context, item *models.ContentItem) {
	if item.ContentType != models.ContentTypeEvent && !item.TargetsPlatform(service.EventPlatform) {
		return
	}
	if err := s.Reconciler.EnqueueSync(ctx, item.ID); err != nil {
		s.Logger.Warn("Failed to enqueue sync after edit",
			zap.Uint("content_id", item.ID),
			zap.Error(err))
	}
}

func (s *Server) pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) Start(ctx context.Context) error {
	// Start background pipeline
	if err := s.Producer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start producer: %w", err)
	}
	s.Worker.Start(ctx)
	s.SyncWorker.Start(ctx)
	if err := s.Sweep.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweep: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop background pipeline first
	s.Producer.Stop()
	s.Sweep.Stop()
	s.PublishQueue.Close()
	s.SyncQueue.Close()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}
