package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// DataSource выбирает реализацию хранилища один раз при старте
type DataSource string

const (
	DataSourcePostgres DataSource = "postgres"
	DataSourceSQLite   DataSource = "sqlite"
	DataSourceSeed     DataSource = "seed"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type SyncConfig struct {
	DataSource               DataSource    `yaml:"data_source"`
	ConversationPreviewLimit int           `yaml:"conversation_preview_limit"`
	PreviewConcurrency       int           `yaml:"preview_concurrency"`
	TypingIdleTimeout        time.Duration `yaml:"typing_idle_timeout"`
	ReconcileInterval        time.Duration `yaml:"reconcile_interval"`
	NodeID                   string        `yaml:"node_id"`
	// PresenceTTL - время жизни presence-записей узла в Redis
	PresenceTTL              time.Duration `yaml:"presence_ttl"`
}

type ConfigSchema struct {
	Databases struct {
		Master     DBConfig   `yaml:"master"`
		Replicas   []DBConfig `yaml:"replicas"`
		SQLitePath string     `yaml:"sqlite_path"`
	} `yaml:"databases"`
	Redis    RedisConfig `yaml:"redis"`
	RabbitMQ struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
		Queue    string `yaml:"queue"`
		Enabled  bool   `yaml:"enabled"`
	} `yaml:"rabbitmq"`
	Backend struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"backend"`
	Logs struct {
		Level string `yaml:"level"`
	} `yaml:"logs"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Sync    SyncConfig `yaml:"sync"`
	Uploads struct {
		Dir           string `yaml:"dir"`
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"uploads"`
}

var AppConfig *ConfigSchema

func LoadConfig(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	conf, err := Parse(data)
	if err != nil {
		return err
	}
	AppConfig = conf
	return nil
}

// Parse разбирает YAML, накладывает переменные окружения и значения по умолчанию
func Parse(data []byte) (*ConfigSchema, error) {
	conf := &ConfigSchema{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, err
	}
	applyEnv(conf)
	applyDefaults(conf)
	return conf, nil
}

// Default возвращает конфигурацию для локального запуска на сидированных данных
func Default() *ConfigSchema {
	conf := &ConfigSchema{}
	applyEnv(conf)
	applyDefaults(conf)
	return conf
}

func applyEnv(conf *ConfigSchema) {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		conf.RabbitMQ.URL = v
		conf.RabbitMQ.Enabled = true
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		conf.Redis.Host = v
		conf.Redis.Enabled = true
	}
	if v, err := strconv.Atoi(os.Getenv("REDIS_PORT")); err == nil {
		conf.Redis.Port = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		conf.Databases.Master.Host = v
	}
	if v, err := strconv.Atoi(os.Getenv("DB_PORT")); err == nil {
		conf.Databases.Master.Port = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		conf.Databases.Master.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		conf.Databases.Master.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		conf.Databases.Master.DBName = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		conf.Auth.JWTSecret = v
	}
}

func applyDefaults(conf *ConfigSchema) {
	if conf.Sync.DataSource == "" {
		conf.Sync.DataSource = DataSourceSeed
	}
	if conf.Sync.ConversationPreviewLimit <= 0 {
		conf.Sync.ConversationPreviewLimit = 20
	}
	if conf.Sync.PreviewConcurrency <= 0 {
		conf.Sync.PreviewConcurrency = 8
	}
	if conf.Sync.PresenceTTL <= 0 {
		conf.Sync.PresenceTTL = 30 * time.Second
	}
	if conf.Sync.NodeID == "" {
		host, _ := os.Hostname()
		conf.Sync.NodeID = host
	}
	if conf.Databases.Master.Port == 0 {
		conf.Databases.Master.Port = 5432
	}
	if conf.Databases.SQLitePath == "" {
		conf.Databases.SQLitePath = "feedsync.db"
	}
	if conf.Redis.Port == 0 {
		conf.Redis.Port = 6379
	}
	if conf.RabbitMQ.Exchange == "" {
		conf.RabbitMQ.Exchange = "table_changes"
	}
	if conf.Backend.Port == 0 {
		conf.Backend.Port = 8080
	}
	if conf.Logs.Level == "" {
		conf.Logs.Level = "info"
	}
	if conf.Auth.TokenTTL <= 0 {
		conf.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	if conf.Uploads.Dir == "" {
		conf.Uploads.Dir = "uploads"
	}
	if conf.Uploads.PublicBaseURL == "" {
		conf.Uploads.PublicBaseURL = "/media"
	}
}
