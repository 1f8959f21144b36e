// Package config — gateway-specific configuration sections.
//
// These sections correspond to the schema the orchestration gateway
// loads at startup: environment, model_registry, router, memory (the
// gateway's conversation-history backend, distinct from AgentConfig's
// per-agent MemoryConfig), auth, rag, chain_engine, persona_layer and
// plugin_sdk. They are additive to the existing Config struct so the
// agent/RAG/migration subsystems that already depend on
// AgentConfig/RedisConfig/DatabaseConfig/QdrantConfig/LLMConfig are
// untouched.
package config

// AppEnvironment names the deployment environment a process runs under.
type AppEnvironment string

const (
	EnvDevelopment AppEnvironment = "development"
	EnvTesting     AppEnvironment = "testing"
	EnvProduction  AppEnvironment = "production"
)

// GatewayServerConfig is the ingress surface's own server configuration,
// distinct from ServerConfig's HTTP/gRPC/metrics port trio which the
// rest of the framework already uses.
type GatewayServerConfig struct {
	Host               string   `yaml:"host" env:"HOST"`
	Port               uint16   `yaml:"port" env:"PORT"`
	MaxConnections     int      `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" env:"REQUEST_TIMEOUT_SECS"`
	CORSEnabled        bool     `yaml:"cors_enabled" env:"CORS_ENABLED"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// SocketAddr renders host:port for net.Listen.
func (s GatewayServerConfig) SocketAddr() string {
	if s.Host == "" {
		return ":0"
	}
	return s.Host + ":" + itoa(int(s.Port))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// LlmProviderConfig describes one upstream provider entry as registered
// with the model registry (C2).
type LlmProviderConfig struct {
	Name            string            `yaml:"name" env:"NAME"`
	APIKeyEnv       string            `yaml:"api_key_env" env:"API_KEY_ENV"`
	Endpoint        string            `yaml:"endpoint" env:"ENDPOINT"`
	DefaultModel    string            `yaml:"default_model" env:"DEFAULT_MODEL"`
	AvailableModels []string          `yaml:"available_models" env:"AVAILABLE_MODELS"`
	TimeoutSecs     int               `yaml:"timeout_secs" env:"TIMEOUT_SECS"`
	MaxRetries      int               `yaml:"max_retries" env:"MAX_RETRIES"`
	Settings        map[string]string `yaml:"settings" env:"-"`
}

// ModelRegistryConfig is the `model_registry` top-level config section (C2).
type ModelRegistryConfig struct {
	DefaultProvider string              `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	Providers       []LlmProviderConfig `yaml:"providers" env:"-"`
	CacheTTLSecs    int                 `yaml:"cache_ttl_secs" env:"CACHE_TTL_SECS"`
}

// RouterConfig is the `router` top-level config section (C4).
type RouterConfig struct {
	DefaultStrategy     string            `yaml:"default_strategy" env:"DEFAULT_STRATEGY"`
	AvailableStrategies []string          `yaml:"available_strategies" env:"AVAILABLE_STRATEGIES"`
	Rules               map[string]string `yaml:"rules" env:"-"`
}

// HistoryMemoryConfig is the gateway's `memory` top-level config section —
// the conversation-history backend consumed by ChainEngine/RagManager
// roles, not the per-agent buffer/summary/vector memory in AgentConfig.
type HistoryMemoryConfig struct {
	BackendType       string `yaml:"backend_type" env:"BACKEND_TYPE"`
	RedisURL          string `yaml:"redis_url" env:"REDIS_URL"`
	FilePath          string `yaml:"file_path" env:"FILE_PATH"`
	MaxHistoryLength  int    `yaml:"max_history_length" env:"MAX_HISTORY_LENGTH"`
	HistoryTTLSecs    int    `yaml:"history_ttl_secs" env:"HISTORY_TTL_SECS"`
}

// GatewayTelemetryConfig is the `telemetry` top-level config section.
type GatewayTelemetryConfig struct {
	LogLevel        string  `yaml:"log_level" env:"LOG_LEVEL"`
	MetricsEnabled  bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	TracingEnabled  bool    `yaml:"tracing_enabled" env:"TRACING_ENABLED"`
	MetricsEndpoint string  `yaml:"metrics_endpoint" env:"METRICS_ENDPOINT"`
	TracingEndpoint string  `yaml:"tracing_endpoint" env:"TRACING_ENDPOINT"`
}

// AuthConfig is the `auth` top-level config section.
type AuthConfig struct {
	AuthEnabled       bool          `yaml:"auth_enabled" env:"AUTH_ENABLED"`
	AuthMethod        string        `yaml:"auth_method" env:"AUTH_METHOD"` // "api_key" or "jwt"
	JWTSecret         string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTExpirationSecs int           `yaml:"jwt_expiration_secs" env:"JWT_EXPIRATION_SECS"`
	APIKeyHeader      string        `yaml:"api_key_header" env:"API_KEY_HEADER"`
	APIKeys           []string      `yaml:"api_keys" env:"API_KEYS"`
}

// RagConfig is the `rag` top-level config section.
type RagConfig struct {
	Enabled               bool   `yaml:"enabled" env:"ENABLED"`
	VectorDBURL           string `yaml:"vector_db_url" env:"VECTOR_DB_URL"`
	DefaultEmbeddingModel string `yaml:"default_embedding_model" env:"DEFAULT_EMBEDDING_MODEL"`
	ChunkSize             int    `yaml:"chunk_size" env:"CHUNK_SIZE"`
	ChunkOverlap          int    `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
}

// ChainEngineConfig is the `chain_engine` top-level config section.
type ChainEngineConfig struct {
	MaxChainLength      int  `yaml:"max_chain_length" env:"MAX_CHAIN_LENGTH"`
	MaxExecutionTimeSecs int `yaml:"max_execution_time_secs" env:"MAX_EXECUTION_TIME_SECS"`
	EnableCaching       bool `yaml:"enable_caching" env:"ENABLE_CACHING"`
	CacheTTLSecs        int  `yaml:"cache_ttl_secs" env:"CACHE_TTL_SECS"`
}

// PersonaLayerConfig is the `persona_layer` top-level config section.
type PersonaLayerConfig struct {
	Enabled        bool   `yaml:"enabled" env:"ENABLED"`
	DefaultPersona string `yaml:"default_persona" env:"DEFAULT_PERSONA"`
	PersonasDir    string `yaml:"personas_dir" env:"PERSONAS_DIR"`
}

// PluginSdkConfig is the `plugin_sdk` top-level config section.
type PluginSdkConfig struct {
	Enabled      bool     `yaml:"enabled" env:"ENABLED"`
	PluginsDir   string   `yaml:"plugins_dir" env:"PLUGINS_DIR"`
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS"`
	TimeoutSecs  int      `yaml:"timeout_secs" env:"TIMEOUT_SECS"`
}

// JWTConfig is the structured view of AuthConfig consumed by the JWTAuth
// middleware: HMAC secret for HS256, an optional PEM-encoded RSA public
// key for RS256, and optional issuer/audience claim checks.
type JWTConfig struct {
	Secret   string
	PublicKey string
	Issuer   string
	Audience string
}

// DefaultGatewayServerConfig mirrors the Rust original's Default impl.
func DefaultGatewayServerConfig() GatewayServerConfig {
	return GatewayServerConfig{
		Host:               "127.0.0.1",
		Port:               8080,
		MaxConnections:     1000,
		RequestTimeoutSecs: 30,
		CORSEnabled:        false,
	}
}

// DefaultModelRegistryConfig ships the openai+anthropic entries the
// original defaults to, so a freshly `init`ed config is runnable.
func DefaultModelRegistryConfig() ModelRegistryConfig {
	return ModelRegistryConfig{
		DefaultProvider: "openai",
		CacheTTLSecs:    300,
		Providers: []LlmProviderConfig{
			{
				Name:            "openai",
				APIKeyEnv:       "OPENAI_API_KEY",
				Endpoint:        "https://api.openai.com/v1",
				DefaultModel:    "gpt-3.5-turbo",
				AvailableModels: []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo"},
				TimeoutSecs:     30,
				MaxRetries:      3,
			},
			{
				Name:            "anthropic",
				APIKeyEnv:       "ANTHROPIC_API_KEY",
				Endpoint:        "https://api.anthropic.com",
				DefaultModel:    "claude-3-5-sonnet-20241022",
				AvailableModels: []string{"claude-3-5-sonnet-20241022", "claude-3-opus-20240229"},
				TimeoutSecs:     60,
				MaxRetries:      3,
			},
		},
	}
}

// DefaultRouterConfig matches the original's four built-in strategy names.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		DefaultStrategy:     "cost-optimized",
		AvailableStrategies: []string{"cost-optimized", "performance-optimized", "round-robin", "fallback"},
		Rules:               map[string]string{},
	}
}

func DefaultHistoryMemoryConfig() HistoryMemoryConfig {
	return HistoryMemoryConfig{
		BackendType:      "memory",
		MaxHistoryLength: 100,
		HistoryTTLSecs:   86400,
	}
}

func DefaultGatewayTelemetryConfig() GatewayTelemetryConfig {
	return GatewayTelemetryConfig{
		LogLevel:       "info",
		MetricsEnabled: true,
		TracingEnabled: true,
	}
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		AuthEnabled:       false,
		AuthMethod:        "api_key",
		JWTExpirationSecs: 3600,
		APIKeyHeader:      "X-API-Key",
	}
}

func DefaultRagConfig() RagConfig {
	return RagConfig{
		Enabled:               false,
		DefaultEmbeddingModel: "text-embedding-3-small",
		ChunkSize:             1000,
		ChunkOverlap:          200,
	}
}

func DefaultChainEngineConfig() ChainEngineConfig {
	return ChainEngineConfig{
		MaxChainLength:       10,
		MaxExecutionTimeSecs: 300,
		EnableCaching:        true,
		CacheTTLSecs:         3600,
	}
}

func DefaultPersonaLayerConfig() PersonaLayerConfig {
	return PersonaLayerConfig{
		Enabled:        true,
		DefaultPersona: "default",
		PersonasDir:    "config/personas",
	}
}

func DefaultPluginSdkConfig() PluginSdkConfig {
	return PluginSdkConfig{
		Enabled:     false,
		PluginsDir:  "plugins",
		TimeoutSecs: 30,
	}
}
