// Package config 加载附件同步服务的配置
// 配置来源优先级: 环境变量(ATTACHSYNC_*) > 配置文件 > 默认值，启动前会先加载 .env
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/weiwangfds/attachsync/internal/logger"
	"github.com/weiwangfds/attachsync/internal/transport"
)

const (
	// MiB 1兆字节
	MiB int64 = 1 << 20

	minChunkSize = 256 << 10
	maxChunkSize = 64 << 20
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      logger.Config  `mapstructure:"log"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"`          // gin 运行模式: debug, release, test
	EnableHTTPS  bool   `mapstructure:"enable_https"`
	EnableHTTP2  bool   `mapstructure:"enable_http2"`
	TLSCertFile  string `mapstructure:"tls_cert_file"`
	TLSKeyFile   string `mapstructure:"tls_key_file"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // 秒
	WriteTimeout int    `mapstructure:"write_timeout"` // 秒
}

// DatabaseConfig 元数据库配置
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, mysql
	Path   string `mapstructure:"path"`   // sqlite 文件路径
	DSN    string `mapstructure:"dsn"`    // postgres/mysql 连接串
}

// RemoteConfig 远程工作项服务配置
type RemoteConfig struct {
	BaseURL     string           `mapstructure:"base_url"`
	Collection  string           `mapstructure:"collection"`
	Project     string           `mapstructure:"project"`
	APIVersions []string         `mapstructure:"api_versions"`
	Token       string           `mapstructure:"token"`
	AuthScheme  string           `mapstructure:"auth_scheme"` // basic(PAT) 或 bearer
	Timeout     time.Duration    `mapstructure:"timeout"`
	RateLimit   float64          `mapstructure:"rate_limit"` // 每秒请求数，<=0 不限速
	RateBurst   int              `mapstructure:"rate_burst"`
	Retry       transport.Config `mapstructure:"retry"`
}

// UploadConfig 上传配置
type UploadConfig struct {
	MaxSizeBytes        int64         `mapstructure:"max_size_bytes"`
	ChunkThresholdBytes int64         `mapstructure:"chunk_threshold_bytes"`
	ChunkSizeBytes      int64         `mapstructure:"chunk_size_bytes"`
	SessionTTL          time.Duration `mapstructure:"session_ttl"`
	SpoolDir            string        `mapstructure:"spool_dir"` // 上传暂存目录，空为系统临时目录
}

// SyncConfig 入站同步配置
type SyncConfig struct {
	ReconcileConcurrency  int  `mapstructure:"reconcile_concurrency"`
	DetectRemoteDeletions bool `mapstructure:"detect_remote_deletions"`
}

// WebhookConfig Webhook配置
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// JobsConfig 后台任务配置
type JobsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// BlobConfig 附件副本存储配置
type BlobConfig struct {
	Provider string        `mapstructure:"provider"` // local, aliyun, tencent, qiniu, s3
	Local    LocalBlob     `mapstructure:"local"`
	Aliyun   AliyunBlob    `mapstructure:"aliyun"`
	Tencent  TencentBlob   `mapstructure:"tencent"`
	Qiniu    QiniuBlob     `mapstructure:"qiniu"`
	S3       S3Blob        `mapstructure:"s3"`
}

// LocalBlob 本地磁盘存储
type LocalBlob struct {
	Root string `mapstructure:"root"`
}

// AliyunBlob 阿里云OSS
type AliyunBlob struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
}

// TencentBlob 腾讯云COS
type TencentBlob struct {
	BucketURL string `mapstructure:"bucket_url"` // https://<bucket>.cos.<region>.myqcloud.com
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
}

// QiniuBlob 七牛云Kodo
type QiniuBlob struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Domain    string `mapstructure:"domain"`
	UseHTTPS  bool   `mapstructure:"use_https"`
}

// S3Blob S3兼容存储
type S3Blob struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// RedisConfig 分布式锁使用的Redis，Addr为空时使用进程内锁
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// setDefaults 注册全部默认值，AutomaticEnv 只对已知键生效
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.enable_https", false)
	v.SetDefault("server.enable_http2", true)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.read_timeout", 60)
	v.SetDefault("server.write_timeout", 300)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/attachsync.db")
	v.SetDefault("database.dsn", "")

	def := logger.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.output", def.Output)
	v.SetDefault("log.file_path", def.FilePath)
	v.SetDefault("log.max_size", def.MaxSize)
	v.SetDefault("log.max_age", def.MaxAge)
	v.SetDefault("log.max_backups", def.MaxBackups)
	v.SetDefault("log.compress", def.Compress)

	retry := transport.DefaultConfig()
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.collection", "")
	v.SetDefault("remote.project", "")
	v.SetDefault("remote.api_versions", []string{"7.1", "7.0", "6.0"})
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.auth_scheme", "basic")
	v.SetDefault("remote.timeout", "60s")
	v.SetDefault("remote.rate_limit", 10.0)
	v.SetDefault("remote.rate_burst", 5)
	v.SetDefault("remote.retry.max_retries", retry.MaxRetries)
	v.SetDefault("remote.retry.base_delay", retry.BaseDelay)
	v.SetDefault("remote.retry.max_delay", retry.MaxDelay)
	v.SetDefault("remote.retry.jitter", retry.Jitter)

	v.SetDefault("upload.max_size_bytes", 500*MiB)
	v.SetDefault("upload.chunk_threshold_bytes", 5*MiB)
	v.SetDefault("upload.chunk_size_bytes", 5*MiB)
	v.SetDefault("upload.session_ttl", "24h")
	v.SetDefault("upload.spool_dir", "")

	v.SetDefault("sync.reconcile_concurrency", 4)
	v.SetDefault("sync.detect_remote_deletions", false)

	v.SetDefault("webhook.secret", "")

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.poll_interval", "5s")
	v.SetDefault("jobs.janitor_interval", "10m")
	v.SetDefault("jobs.max_attempts", 3)

	v.SetDefault("blob.provider", "local")
	v.SetDefault("blob.local.root", "data/blobs")
	for _, key := range []string{
		"blob.aliyun.endpoint", "blob.aliyun.access_key_id", "blob.aliyun.access_key_secret", "blob.aliyun.bucket",
		"blob.tencent.bucket_url", "blob.tencent.secret_id", "blob.tencent.secret_key",
		"blob.qiniu.access_key", "blob.qiniu.secret_key", "blob.qiniu.bucket", "blob.qiniu.domain",
		"blob.s3.endpoint", "blob.s3.region", "blob.s3.access_key_id", "blob.s3.secret_access_key", "blob.s3.bucket",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("blob.qiniu.use_https", true)
	v.SetDefault("blob.s3.use_path_style", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "2m")
}

// Load 加载配置
// 参数:
//   - path: 配置文件路径，为空时在 . 和 ./config 下查找 config.yaml，找不到则只使用默认值与环境变量
//
// 返回值:
//   - *Config: 配置
//   - error: 加载或校验错误
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ATTACHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置并修正分块参数
// 分块大小限制在 [256KiB, 64MiB]，分块阈值不小于分块大小
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" {
		return fmt.Errorf("数据库驱动 %s 需要配置 database.dsn", c.Database.Driver)
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url 不能为空")
	}
	c.Remote.BaseURL = strings.TrimRight(c.Remote.BaseURL, "/")
	if len(c.Remote.APIVersions) == 0 {
		c.Remote.APIVersions = []string{"7.1", "7.0", "6.0"}
	}

	if c.Upload.MaxSizeBytes <= 0 {
		c.Upload.MaxSizeBytes = 500 * MiB
	}
	if c.Upload.ChunkSizeBytes < minChunkSize {
		c.Upload.ChunkSizeBytes = minChunkSize
	}
	if c.Upload.ChunkSizeBytes > maxChunkSize {
		c.Upload.ChunkSizeBytes = maxChunkSize
	}
	if c.Upload.ChunkThresholdBytes < c.Upload.ChunkSizeBytes {
		c.Upload.ChunkThresholdBytes = c.Upload.ChunkSizeBytes
	}
	if c.Upload.SessionTTL <= 0 {
		c.Upload.SessionTTL = 24 * time.Hour
	}

	if c.Sync.ReconcileConcurrency <= 0 {
		c.Sync.ReconcileConcurrency = 1
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 1
	}

	switch c.Blob.Provider {
	case "local", "aliyun", "tencent", "qiniu", "s3":
	default:
		return fmt.Errorf("不支持的存储提供商: %s", c.Blob.Provider)
	}
	return nil
}
