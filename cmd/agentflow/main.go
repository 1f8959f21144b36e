// =============================================================================
// AgentFlow 主入口
// =============================================================================
// 完整服务入口点，包含 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	agentflow serve                       # 启动服务
//	agentflow serve --config config.yaml  # 指定配置文件
//	agentflow version                     # 显示版本信息
//	agentflow health                      # 健康检查
//	agentflow migrate up                  # 运行数据库迁移
//	agentflow migrate down                # 回滚最后一次迁移
//	agentflow migrate status              # 查看迁移状态
// =============================================================================

// @title AgentFlow API
// @version 1.0.0
// @description AgentFlow is a production-ready Go framework for building AI agents with multi-provider LLM support.
// @description
// @description ## Features
// @description - Multi-provider LLM routing (OpenAI, Claude, Gemini, DeepSeek, etc.)
// @description - Runtime config management API (hot reload, history, rollback)
// @description - Streaming responses via SSE
// @description - Health monitoring and metrics

// @contact.name AgentFlow Team
// @contact.url https://github.com/BaSui01/agentflow

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/telemetry"
	"github.com/BaSui01/agentflow/llm"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

// Exit codes for the role-aware CLI surface.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStartupError  = 2
	exitValidationErr = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfigError)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitConfigError)
	}
}

// role names IntelliRouter's original cli.rs exposed via --role; agentflow
// currently only implements the "all" role end to end (the ingress gateway
// with every C1-C6 component wired), but the flag is accepted and the other
// names are recognized so existing deployment scripts keep working.
var validRoles = map[string]bool{
	"llm-proxy":     true,
	"router":        true,
	"chain-engine":  true,
	"rag-manager":   true,
	"persona-layer": true,
	"audit":         true,
	"all":           true,
}

// runArgs mirrors cli.rs's RunArgs. Fields hold plain values; whether a
// flag was set on the command line is read from the FlagSet by
// applyRunArgsToConfig, which is what lets a flag override survive
// alongside a loaded config file.
type runArgs struct {
	role                string
	host                string
	port                int
	maxConnections      int
	requestTimeout      int
	corsEnabled         bool
	corsAllowedOrigins  string
	memoryBackend       string
	redisURL            string
	filePath            string
	defaultProvider     string
	authEnabled         bool
	authMethod          string
	ragEnabled          bool
	vectorDBURL         string
	personaEnabled      bool
	defaultPersona      string
	pluginsEnabled      bool
}

// runRun implements the `run` subcommand: load config, apply CLI overrides
// in the same precedence order as the original cli.rs::apply_run_args_to_config,
// then start the server and block until shutdown.
func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	environment := fs.String("environment", "", "Environment (development, testing, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warning, error)")

	var ra runArgs
	fs.StringVar(&ra.role, "role", "all", "Role to assume (llm-proxy, router, chain-engine, rag-manager, persona-layer, audit, all)")
	fs.StringVar(&ra.host, "host", "", "Host address to bind to")
	fs.IntVar(&ra.port, "port", 0, "Port to listen on")
	fs.IntVar(&ra.maxConnections, "max-connections", 0, "Maximum number of concurrent connections")
	fs.IntVar(&ra.requestTimeout, "request-timeout", 0, "Request timeout in seconds")
	fs.BoolVar(&ra.corsEnabled, "cors-enabled", false, "Enable CORS")
	fs.StringVar(&ra.corsAllowedOrigins, "cors-allowed-origins", "", "CORS allowed origins (comma-separated)")
	fs.StringVar(&ra.memoryBackend, "memory-backend", "", "Memory backend type (memory, redis, file)")
	fs.StringVar(&ra.redisURL, "redis-url", "", "Redis URL for memory backend")
	fs.StringVar(&ra.filePath, "file-path", "", "File path for memory backend")
	fs.StringVar(&ra.defaultProvider, "default-provider", "", "Default LLM provider")
	fs.BoolVar(&ra.authEnabled, "auth-enabled", false, "Enable authentication")
	fs.StringVar(&ra.authMethod, "auth-method", "", "Authentication method (jwt, api_key)")
	fs.BoolVar(&ra.ragEnabled, "rag-enabled", false, "Enable RAG")
	fs.StringVar(&ra.vectorDBURL, "vector-db-url", "", "Vector database URL for RAG")
	fs.BoolVar(&ra.personaEnabled, "persona-enabled", false, "Enable persona layer")
	fs.StringVar(&ra.defaultPersona, "default-persona", "", "Default persona")
	fs.BoolVar(&ra.pluginsEnabled, "plugins-enabled", false, "Enable plugins")
	fs.Parse(args)

	if !validRoles[ra.role] {
		fmt.Fprintf(os.Stderr, "Invalid role: %s\n", ra.role)
		os.Exit(exitConfigError)
	}

	cfg, err := loadBaseConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	if *environment != "" {
		switch config.AppEnvironment(*environment) {
		case config.EnvDevelopment, config.EnvTesting, config.EnvProduction:
			cfg.Environment = config.AppEnvironment(*environment)
		default:
			fmt.Fprintf(os.Stderr, "Invalid environment: %s\n", *environment)
			os.Exit(exitConfigError)
		}
	}
	if *logLevel != "" {
		cfg.GatewayTelemetry.LogLevel = *logLevel
		cfg.Log.Level = *logLevel
	}

	applyRunArgsToConfig(cfg, fs, &ra)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting AgentFlow gateway",
		zap.String("role", ra.role),
		zap.String("version", Version),
	)

	server := NewServer(cfg, *configPath, logger)
	if err := server.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		os.Exit(exitStartupError)
	}

	server.WaitForShutdown()
	logger.Info("AgentFlow gateway stopped")
}

// applyRunArgsToConfig overrides cfg in place with every flag the user
// actually set on the command line, mirroring cli.rs's
// apply_run_args_to_config: flags that were left at their zero value and
// were never visited by fs.Parse do not clobber the loaded config.
func applyRunArgsToConfig(cfg *config.Config, fs *flag.FlagSet, ra *runArgs) {
	visited := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { visited[f.Name] = true })

	if visited["host"] {
		cfg.GatewayServer.Host = ra.host
	}
	if visited["port"] {
		cfg.GatewayServer.Port = uint16(ra.port)
	}
	if visited["max-connections"] {
		cfg.GatewayServer.MaxConnections = ra.maxConnections
	}
	if visited["request-timeout"] {
		cfg.GatewayServer.RequestTimeoutSecs = ra.requestTimeout
	}
	if visited["cors-enabled"] {
		cfg.GatewayServer.CORSEnabled = ra.corsEnabled
	}
	if visited["cors-allowed-origins"] {
		cfg.GatewayServer.CORSAllowedOrigins = strings.Split(ra.corsAllowedOrigins, ",")
	}
	if visited["memory-backend"] {
		cfg.History.BackendType = ra.memoryBackend
	}
	if visited["redis-url"] {
		cfg.History.RedisURL = ra.redisURL
	}
	if visited["file-path"] {
		cfg.History.FilePath = ra.filePath
	}
	if visited["default-provider"] {
		cfg.ModelRegistry.DefaultProvider = ra.defaultProvider
	}
	if visited["auth-enabled"] {
		cfg.Auth.AuthEnabled = ra.authEnabled
	}
	if visited["auth-method"] {
		cfg.Auth.AuthMethod = ra.authMethod
	}
	if visited["rag-enabled"] {
		cfg.Rag.Enabled = ra.ragEnabled
	}
	if visited["vector-db-url"] {
		cfg.Rag.VectorDBURL = ra.vectorDBURL
	}
	if visited["persona-enabled"] {
		cfg.PersonaLayer.Enabled = ra.personaEnabled
	}
	if visited["default-persona"] {
		cfg.PersonaLayer.DefaultPersona = ra.defaultPersona
	}
	if visited["plugins-enabled"] {
		cfg.PluginSDK.Enabled = ra.pluginsEnabled
	}
}

// loadBaseConfig loads from the given path if set, otherwise from the
// layered default/env sources, matching cli.rs::parse_args's two branches.
func loadBaseConfig(configPath string) (*config.Config, error) {
	loader := config.NewLoader().WithEnvSeparator("__")
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	return loader.Load()
}

// runInit writes a default configuration file to disk, refusing to
// overwrite an existing one unless --force is given.
func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Force overwrite of existing configuration files")
	out := fs.String("output", "config.yaml", "Path to write the generated config file")
	fs.Parse(args)

	if _, err := os.Stat(*out); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Configuration file %s already exists; use --force to overwrite\n", *out)
		os.Exit(exitConfigError)
	}

	cfg := config.DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render default configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write configuration file: %v\n", err)
		os.Exit(exitConfigError)
	}

	fmt.Printf("Wrote default configuration to %s\n", *out)
}

// runValidate loads and validates a configuration file without starting
// the server, printing every section it checked when --verbose is set.
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	cfg, err := loadBaseConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration is invalid: %v\n", err)
		os.Exit(exitValidationErr)
	}

	if *verbose {
		fmt.Println("Configuration sections checked:")
		fmt.Printf("  environment:     %s\n", cfg.Environment)
		fmt.Printf("  gateway_server:  %s (max_connections=%d)\n", cfg.GatewayServer.SocketAddr(), cfg.GatewayServer.MaxConnections)
		fmt.Printf("  model_registry:  default=%s providers=%d\n", cfg.ModelRegistry.DefaultProvider, len(cfg.ModelRegistry.Providers))
		fmt.Printf("  router:          default_strategy=%s\n", cfg.Router.DefaultStrategy)
		fmt.Printf("  memory:          backend=%s\n", cfg.History.BackendType)
		fmt.Printf("  auth:            enabled=%v method=%s\n", cfg.Auth.AuthEnabled, cfg.Auth.AuthMethod)
		fmt.Printf("  rag:             enabled=%v\n", cfg.Rag.Enabled)
		fmt.Printf("  chain_engine:    max_chain_length=%d\n", cfg.ChainEngine.MaxChainLength)
		fmt.Printf("  persona_layer:   enabled=%v default=%s\n", cfg.PersonaLayer.Enabled, cfg.PersonaLayer.DefaultPersona)
		fmt.Printf("  plugin_sdk:      enabled=%v\n", cfg.PluginSDK.Enabled)
	}

	fmt.Println("Configuration is valid")
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	// 解析命令行参数
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting AgentFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// Initialize OpenTelemetry
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else if otelProviders != nil {
		defer otelProviders.Shutdown(context.Background())
	}

	// 初始化数据库连接
	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Warn("Database not available, API key management disabled", zap.Error(err))
	} else {
		// AutoMigrate 确保表结构最新（包括新增的 base_url 列）
		if migrateErr := llm.InitDatabase(db); migrateErr != nil {
			logger.Error("Database auto-migrate failed", zap.Error(migrateErr))
		}
	}

	// 创建服务器（传入配置文件路径以支持热更新）
	server := NewServer(cfg, *configPath, logger)

	// 启动服务器
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// 等待关闭信号
	server.WaitForShutdown()

	logger.Info("AgentFlow stopped")
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("AgentFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentFlow - Multi-role LLM orchestration gateway

Usage:
  agentflow <command> [options]

Commands:
  run       Run the gateway in a given role (default: all)
  init      Write a default configuration file
  validate  Validate a configuration file without starting the gateway
  serve     Start the AgentFlow server (legacy alias for 'run --role all')
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'run':
  --role <name>       Role to assume: llm-proxy, router, chain-engine,
                       rag-manager, persona-layer, audit, all (default: all)
  --config <path>     Path to configuration file
  --environment <env> Environment: development, testing, production
  --log-level <level> Log level: debug, info, warning, error
  --host/--port/--max-connections/--request-timeout/--cors-enabled/
  --cors-allowed-origins/--memory-backend/--redis-url/--file-path/
  --default-provider/--auth-enabled/--auth-method/--rag-enabled/
  --vector-db-url/--persona-enabled/--default-persona/--plugins-enabled
                       Override the matching configuration field

Options for 'init':
  --force             Overwrite an existing configuration file
  --output <path>     Where to write the generated config (default: config.yaml)

Options for 'validate':
  --config <path>     Path to configuration file
  --verbose           Print every configuration section checked

Exit codes:
  0  success
  1  configuration error (missing/invalid config, bad flags)
  2  startup error (server failed to bind or initialize)
  3  validation error ('validate' found the config invalid)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  agentflow run --role all --config config.yaml
  agentflow init --output config.yaml
  agentflow validate --config config.yaml --verbose
  agentflow migrate up
  agentflow health --addr http://localhost:8080
  agentflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	// 构建 logger
	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}

// openDatabase 根据配置打开数据库连接
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if dbCfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres)", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("Database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}
