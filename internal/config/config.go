// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 存储提供方
const (
	StorageProviderLocal = "local"
	StorageProviderMinIO = "minio"
)

// 多向量存储后端
const (
	MultiVectorBackendRelational = "relational"
	MultiVectorBackendFast       = "fast"
	MultiVectorBackendDual       = "dual"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
// 由 main 构造一次，按需把子配置注入各组件的构造函数。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Qdrant        QdrantConfig        `mapstructure:"qdrant"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	ColPali       ColPaliConfig       `mapstructure:"colpali"`
	Reranker      RerankerConfig      `mapstructure:"reranker"`
	MultiVector   MultiVectorConfig   `mapstructure:"multivector"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// AuthConfig 存储 JWT 认证相关的配置。
// DevMode 打开时跳过 token 校验，直接使用 DevEntityID / DevAppID。
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	DevMode     bool   `mapstructure:"dev_mode"`
	DevEntityID string `mapstructure:"dev_entity_id"`
	DevAppID    string `mapstructure:"dev_app_id"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// MySQLConfig 存储文档元数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PostgresConfig 存储关系型多向量存储的配置。
type PostgresConfig struct {
	DSN           string        `mapstructure:"dsn"`
	MaxConns      int32         `mapstructure:"max_conns"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储稠密向量索引的配置。
type ElasticsearchConfig struct {
	Addresses  string `mapstructure:"addresses"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	IndexName  string `mapstructure:"index_name"`
	Dimensions int    `mapstructure:"dimensions"`
}

// QdrantConfig 存储 FDE ANN 索引的配置。
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
}

// StorageConfig 存储对象存储的配置。
type StorageConfig struct {
	Provider          string      `mapstructure:"provider"`
	LocalPath         string      `mapstructure:"local_path"`
	Bucket            string      `mapstructure:"bucket"`
	MultiVectorBucket string      `mapstructure:"multivector_bucket"`
	MinIO             MinIOConfig `mapstructure:"minio"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// EmbeddingConfig 存储稠密 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// ColPaliConfig 存储多向量 Embedding 服务的配置。
type ColPaliConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RerankerConfig 存储 Cohere 兼容重排服务的配置。
type RerankerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MultiVectorConfig 存储多向量检索的配置。
type MultiVectorConfig struct {
	Backend             string    `mapstructure:"backend"`
	EnableDualIngestion bool      `mapstructure:"enable_dual_ingestion"`
	Dimension           int       `mapstructure:"dimension"`
	MaxCandidates       int       `mapstructure:"max_candidates"`
	FDE                 FDEConfig `mapstructure:"fde"`
}

// FDEConfig 存储固定维度编码的参数。
type FDEConfig struct {
	Repetitions         int    `mapstructure:"repetitions"`
	SimHashProjections  int    `mapstructure:"simhash_projections"`
	ProjectionDimension int    `mapstructure:"projection_dimension"`
	ProjectionType      string `mapstructure:"projection_type"`
	FillEmptyPartitions bool   `mapstructure:"fill_empty_partitions"`
	Seed                uint64 `mapstructure:"seed"`
}

// RetrievalConfig 存储检索的默认参数。
type RetrievalConfig struct {
	DefaultK       int `mapstructure:"default_k"`
	DefaultPadding int `mapstructure:"default_padding"`
}

// Load 从指定路径读取 YAML 文件，叠加 MORPHIK_ 前缀的环境变量后解析为 Config。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MORPHIK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.postgres.max_conns", 20)
	v.SetDefault("database.postgres.retry_attempts", 3)
	v.SetDefault("database.postgres.retry_backoff", time.Second)
	v.SetDefault("database.redis.cache_ttl", time.Hour)
	v.SetDefault("kafka.group_id", "morphik-ingestion")
	v.SetDefault("elasticsearch.index_name", "document_chunks")
	v.SetDefault("elasticsearch.dimensions", 1536)
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "multi_vector_fde")
	v.SetDefault("storage.provider", StorageProviderLocal)
	v.SetDefault("storage.local_path", "./storage")
	v.SetDefault("storage.bucket", "morphik")
	v.SetDefault("storage.multivector_bucket", "morphik-multivectors")
	v.SetDefault("colpali.timeout", 60*time.Second)
	v.SetDefault("reranker.timeout", 6*time.Second)
	v.SetDefault("multivector.backend", MultiVectorBackendRelational)
	v.SetDefault("multivector.dimension", 128)
	v.SetDefault("multivector.max_candidates", 75)
	v.SetDefault("multivector.fde.repetitions", 20)
	v.SetDefault("multivector.fde.simhash_projections", 5)
	v.SetDefault("multivector.fde.projection_dimension", 16)
	v.SetDefault("multivector.fde.projection_type", "ams_sketch")
	v.SetDefault("multivector.fde.fill_empty_partitions", true)
	v.SetDefault("multivector.fde.seed", 42)
	v.SetDefault("retrieval.default_k", 4)
	v.SetDefault("retrieval.default_padding", 0)
}

// Validate 校验无法在运行时纠正的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case StorageProviderLocal, StorageProviderMinIO:
	default:
		return fmt.Errorf("不支持的存储提供方: %q", c.Storage.Provider)
	}
	switch c.MultiVector.Backend {
	case MultiVectorBackendRelational, MultiVectorBackendFast, MultiVectorBackendDual:
	default:
		return fmt.Errorf("不支持的多向量存储后端: %q", c.MultiVector.Backend)
	}
	if c.MultiVector.Dimension <= 0 {
		return errors.New("multivector.dimension 必须为正数")
	}
	if !c.Auth.DevMode && c.Auth.JWTSecret == "" {
		return errors.New("非开发模式下必须配置 auth.jwt_secret")
	}
	return nil
}
