// Package main provides the AgentFlow server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentflow/api/handlers"
	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/internal/server"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/factory"
	"github.com/BaSui01/agentflow/llm/history"
	"github.com/BaSui01/agentflow/llm/idempotency"
	"github.com/BaSui01/agentflow/llm/retry"
	"github.com/BaSui01/agentflow/llm/router"
	"github.com/BaSui01/agentflow/llm/shutdown"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构（重构版）
// =============================================================================

// Server 是 AgentFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler
	wsHandler     *handlers.WSHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	// defaultProvider is the connector the chat/ws handlers dispatch to.
	// The model registry (C2) and router (C4) pick it per request in the
	// chain-engine path; direct /v1/chat/completions calls use it as the
	// configured default provider.
	defaultProvider llm.Provider

	// router is the C4 strategy router, holding the single registered
	// Entry for the default provider's model. Its breaker state is kept
	// live by the C3 circuit breaker via router.BindBreaker.
	router *router.Router

	// historyStore backs per-session conversation recall for the chat
	// handler, built from the `memory` config section (memory/file/redis).
	historyStore history.Store

	// shutdownCoordinator is the process-wide C6 broadcast/barrier.
	shutdownCoordinator *shutdown.Coordinator
	httpShutdownAck     func()

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 0. 初始化关闭协调器 (C6)
	s.shutdownCoordinator = shutdown.NewCoordinator(s.logger)
	_, s.httpShutdownAck = s.shutdownCoordinator.Subscribe()

	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("agentflow", s.logger)

	// 2. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() error {
	// 健康检查 handler
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	provider, err := s.buildDefaultProvider()
	if err != nil {
		return fmt.Errorf("build default provider: %w", err)
	}
	s.defaultProvider = provider

	store, err := history.NewStore(s.cfg.History, s.logger)
	if err != nil {
		return fmt.Errorf("build history store: %w", err)
	}
	s.historyStore = store

	executor := llm.NewExecutor(nil, nil, s.logger)
	s.chatHandler = handlers.NewChatHandler(provider, s.logger).
		WithHistory(store).
		WithExecutor(executor, s.shutdownCancelSignal())
	s.wsHandler = handlers.NewWSHandler(provider, s.logger)

	s.healthHandler.RegisterCheck(providerHealthCheck{provider: provider})
	s.healthHandler.RegisterCheck(shutdownHealthCheck{coordinator: func() *shutdown.Coordinator { return s.shutdownCoordinator }})

	s.logger.Info("Handlers initialized", zap.String("default_provider", s.cfg.ModelRegistry.DefaultProvider))
	return nil
}

// providerHealthCheck adapts the default connector's HealthCheck into the
// handlers.HealthCheck interface so GET /ready and /health/readiness fold the
// default provider's reachability into the overall readiness verdict.
type providerHealthCheck struct {
	provider llm.Provider
}

func (c providerHealthCheck) Name() string { return "default_provider" }

func (c providerHealthCheck) Check(ctx context.Context) error {
	status, err := c.provider.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if !status.Healthy {
		return fmt.Errorf("default provider reported unhealthy")
	}
	return nil
}

// shutdownHealthCheck fails readiness once shutdown has been broadcast,
// matching the "readiness returns 503 while shutting down" invariant.
// The coordinator is read lazily because it is assigned after
// RegisterCheck is called during Start.
type shutdownHealthCheck struct {
	coordinator func() *shutdown.Coordinator
}

func (c shutdownHealthCheck) Name() string { return "shutdown" }

func (c shutdownHealthCheck) Check(_ context.Context) error {
	coord := c.coordinator()
	if coord != nil && coord.IsShuttingDown() {
		return fmt.Errorf("service is shutting down")
	}
	return nil
}

// buildDefaultProvider resolves model_registry.default_provider against
// its matching entry in model_registry.providers, constructs the
// connector via the shared factory, registers it with the C4 router
// (so /v1/chat/completions's default dispatch path and a future
// multi-provider Route() call see the same Entry), and wraps it in the
// C3 resilience decorator bound to that entry's breaker state.
func (s *Server) buildDefaultProvider() (llm.Provider, error) {
	reg := s.cfg.ModelRegistry
	for _, p := range reg.Providers {
		if p.Name != reg.DefaultProvider {
			continue
		}
		apiKey := envOrEmpty(p.APIKeyEnv)
		base, err := factory.NewProviderFromConfig(p.Name, factory.ProviderConfig{
			APIKey:  apiKey,
			BaseURL: p.Endpoint,
			Model:   p.DefaultModel,
			Timeout: time.Duration(p.TimeoutSecs) * time.Second,
		}, s.logger)
		if err != nil {
			return nil, err
		}

		s.router = router.NewRouter(router.StrategyName(s.cfg.Router.DefaultStrategy), nil, nil, s.logger)
		entry := &router.Entry{
			ModelID:      p.DefaultModel,
			ProviderName: p.Name,
			Endpoint:     p.Endpoint,
			Available:    true,
			Capabilities: router.Capabilities{Streaming: true},
		}
		s.router.Register(entry)

		breakerCfg := circuitbreaker.DefaultConfig()
		s.router.BindBreaker(p.DefaultModel, breakerCfg)
		breaker := circuitbreaker.NewCircuitBreaker(breakerCfg, s.logger)
		retryer := retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), s.logger)
		idempotencyMgr := idempotency.NewMemoryManager(s.logger)

		resilient := llm.NewResilientProvider(base, retryer, idempotencyMgr, breaker, &llm.ResilientProviderConfig{
			EnableRetry:          true,
			RetryPolicy:          retry.DefaultRetryPolicy(),
			EnableIdempotency:    true,
			IdempotencyTTL:       time.Hour,
			EnableCircuitBreaker: true,
			CircuitBreakerConfig: breakerCfg,
		}, s.logger)
		return resilient, nil
	}
	return nil, fmt.Errorf("default_provider %q not found among model_registry.providers", reg.DefaultProvider)
}

// shutdownCancelSignal subscribes to the shutdown coordinator and returns a
// channel that closes the moment a shutdown broadcast fires, so an
// in-flight chat completion racing it via llm.Executor.ExecuteWithCancellation
// aborts within one RTT instead of running to its own ctx deadline (P5).
func (s *Server) shutdownCancelSignal() <-chan struct{} {
	sub, ack := s.shutdownCoordinator.Subscribe()
	done := make(chan struct{})
	go func() {
		<-sub
		close(done)
		ack()
	}()
	return done
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器（使用新的 handlers）
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点（使用新的 HealthHandler）
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/health/readiness", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// API 路由
	// ========================================
	mux.HandleFunc("/v1/chat/completions", s.withBackpressure(s.chatHandler.HandleCompletion))
	mux.HandleFunc("/v1/chat/completions/stream", s.withBackpressure(s.chatHandler.HandleStream))
	mux.HandleFunc("/v1/chat/completions/ws", s.withBackpressure(s.wsHandler.HandleWebSocket))

	// ========================================
	// 配置管理 API
	// ========================================
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/health/readiness", "/version", "/metrics"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestLogger(s.logger),
	}
	if s.cfg.GatewayTelemetry.TracingEnabled {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares,
		CORS(s.cfg.GatewayServer.CORSAllowedOrigins),
		RateLimiter(context.Background(), float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)
	if s.cfg.Auth.AuthEnabled && s.cfg.Auth.AuthMethod == "jwt" {
		middlewares = append(middlewares, JWTAuth(config.JWTConfig{
			Secret: s.cfg.Auth.JWTSecret,
		}, skipAuthPaths, s.logger))
	} else if s.cfg.Auth.AuthEnabled {
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, false, s.logger))
	}
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,   // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                        // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// withBackpressure enforces the ingress backpressure rule: once shutdown
// has been broadcast, every new request gets 503 with the standard
// service_unavailable envelope; max_connections is enforced by the
// in-flight counter regardless of shutdown state.
func (s *Server) withBackpressure(next http.HandlerFunc) http.HandlerFunc {
	var inFlight int64
	return func(w http.ResponseWriter, r *http.Request) {
		if s.shutdownCoordinator != nil && s.shutdownCoordinator.IsShuttingDown() {
			writeServiceUnavailable(w, "Service is shutting down")
			return
		}
		max := int64(s.cfg.GatewayServer.MaxConnections)
		if max > 0 {
			n := atomic.AddInt64(&inFlight, 1)
			defer atomic.AddInt64(&inFlight, -1)
			if n > max {
				writeServiceUnavailable(w, "Service is at capacity")
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

func writeServiceUnavailable(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, `{"error":{"type":"service_unavailable","message":%q}}`, message)
}

func envOrEmpty(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 广播关闭信号，新请求立即收到 503 (C6)
	if s.shutdownCoordinator != nil {
		deadline := time.Now().Add(s.cfg.Server.ShutdownTimeout)
		_ = s.shutdownCoordinator.Broadcast(shutdown.Graceful, deadline)
	}

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 等待所有 goroutine 完成
	s.wg.Wait()

	// 5. 确认本组件已完成关闭，并等待所有订阅者的完成应答
	if s.shutdownCoordinator != nil {
		if s.httpShutdownAck != nil {
			s.httpShutdownAck()
		}
		if err := s.shutdownCoordinator.WaitForCompletion(ctx, s.cfg.Server.ShutdownTimeout); err != nil {
			s.logger.Warn("shutdown completion wait timed out", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
