package config

import (
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env               string           `mapstructure:"env"`
	LogLevel          string           `mapstructure:"log_level"`
	LogType           string           `mapstructure:"log_type"`
	ServiceName       string           `mapstructure:"service_name"`
	Port              string           `mapstructure:"port"`
	Version           string           `mapstructure:"version"`
	QueueSettings     *QueueConfig     `mapstructure:"queue"`
	BrowserSettings   *BrowserConfig   `mapstructure:"browser"`
	ScannerSettings   *ScannerConfig   `mapstructure:"scanner"`
	BatchSettings     *BatchConfig     `mapstructure:"batch"`
	DiscoverySettings *DiscoveryConfig `mapstructure:"discovery"`
	CacheSettings     *CacheConfig     `mapstructure:"cache"`
	DbSettings        *DatabaseConfig  `mapstructure:"database"`
	KafkaSettings     *KafkaConfig     `mapstructure:"kafka"`
	S3Settings        *S3Config        `mapstructure:"s3"`
}

type QueueConfig struct {
	MaxWorkers      int           `mapstructure:"max_workers"`
	MaxTaskRetries  int           `mapstructure:"max_task_retries"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EventBufferSize int           `mapstructure:"event_buffer_size"`
}

type BrowserConfig struct {
	Headless           bool          `mapstructure:"headless"`
	DisableGPU         bool          `mapstructure:"disable_gpu"`
	Proxy              string        `mapstructure:"proxy"`
	UserAgent          string        `mapstructure:"user_agent"`
	LaunchTimeout      time.Duration `mapstructure:"launch_timeout"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	StabilizationDelay time.Duration `mapstructure:"stabilization_delay"`
}

type ScannerConfig struct {
	Engines       []string      `mapstructure:"engines"`
	EngineTimeout time.Duration `mapstructure:"engine_timeout"`
}

type BatchConfig struct {
	MaxConcurrency      int           `mapstructure:"max_concurrency"`
	BatchSize           int           `mapstructure:"batch_size"`
	DelayBetweenBatches time.Duration `mapstructure:"delay_between_batches"`
	RetryFailedPages    bool          `mapstructure:"retry_failed_pages"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	SkipOnError         bool          `mapstructure:"skip_on_error"`
}

type DiscoveryConfig struct {
	MaxDepth         int           `mapstructure:"max_depth"`
	MaxPages         int           `mapstructure:"max_pages"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	ArchiveTimeout   int           `mapstructure:"archive_timeout"`
	ArchiveRetries   int           `mapstructure:"archive_retries"`
	LastCrawlIndexes int           `mapstructure:"last_crawl_indexes"`
}

type CacheConfig struct {
	Servers      string        `mapstructure:"servers"`
	TtlForReport time.Duration `mapstructure:"ttl_for_report"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          string        `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
}

type S3Config struct {
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

func MustLoad() *Config {
	viper.AddConfigPath(path.Join("."))
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("error unmarshalling viper config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &cfg
}
