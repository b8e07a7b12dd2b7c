package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Recur/internal/scheduler"
)

// ErrInvalid — конфигурация не прошла Validate.
var ErrInvalid = errors.New("invalid config")

// DatabaseConfig — подключение к PostgreSQL.
type DatabaseConfig struct {
	URL string `yaml:"url"`
	// MaxConns — размер пула. Каждый удерживаемый lock занимает соединение.
	MaxConns int32 `yaml:"max_conns"`
	// Migrate — применять schema.sql при старте.
	Migrate bool `yaml:"migrate"`
}

// SchedulerConfig — параметры recur-scheduler.
type SchedulerConfig struct {
	Port        string        `yaml:"port"`
	Poll        string        `yaml:"poll"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// APIConfig — параметры recur-api.
type APIConfig struct {
	Port string `yaml:"port"`
	// LockTimeout — ожидание lock'а правила при изменении через API.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// WorkerConfig — параметры recur-worker.
type WorkerConfig struct {
	Port     string `yaml:"port"`
	Prefetch int    `yaml:"prefetch"`
}

// RabbitMQConfig — подключение к RabbitMQ. Пустой URL отключает MQ.
type RabbitMQConfig struct {
	URL string `yaml:"url"`
}

// LogConfig — настройки логирования.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config — конфигурация всех процессов Recur.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Log       LogConfig       `yaml:"log"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	cfg := &Config{Database: DatabaseConfig{Migrate: true}}
	cfg.Normalize()
	return cfg
}

// Load читает YAML файл path (если задан), затем применяет
// переменные окружения и значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize заполняет незаданные значения.
func (c *Config) Normalize() {
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}

	if c.Scheduler.Port == "" {
		c.Scheduler.Port = "8081"
	}
	if c.Scheduler.Poll == "" {
		c.Scheduler.Poll = scheduler.DefaultPollSpec
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = scheduler.DefaultBatchSize
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 4
	}
	if c.Scheduler.LockTimeout == 0 {
		// Scheduler не ждёт: занятое правило обработает другой экземпляр.
		c.Scheduler.LockTimeout = -1
	}

	if c.API.Port == "" {
		c.API.Port = "8080"
	}
	if c.API.LockTimeout == 0 {
		c.API.LockTimeout = 5 * time.Second
	}

	if c.Worker.Port == "" {
		c.Worker.Port = "8082"
	}
	if c.Worker.Prefetch <= 0 {
		c.Worker.Prefetch = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate проверяет значения, которые Normalize не исправляет.
func (c *Config) Validate() error {
	var errs []error

	if err := scheduler.ValidateSpec(c.Scheduler.Poll); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Concurrency > int(c.Database.MaxConns) {
		errs = append(errs, fmt.Errorf("scheduler.concurrency (%d) exceeds database.max_conns (%d)",
			c.Scheduler.Concurrency, c.Database.MaxConns))
	}
	if c.API.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("api.lock_timeout must be positive, got %s", c.API.LockTimeout))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// MQEnabled возвращает true, если настроен RabbitMQ.
func (c *Config) MQEnabled() bool {
	return c.RabbitMQ.URL != ""
}

// applyEnv переопределяет значения из переменных окружения.
func (c *Config) applyEnv() error {
	setString(&c.Database.URL, "DB_URL")
	setString(&c.RabbitMQ.URL, "RABBITMQ_URL")
	setString(&c.Scheduler.Port, "SCHED_PORT")
	setString(&c.Scheduler.Poll, "SCHED_POLL")
	setString(&c.API.Port, "API_PORT")
	setString(&c.Worker.Port, "WORKER_PORT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	var errs []error
	if v, ok := os.LookupEnv("DB_MAX_CONNS"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("DB_MAX_CONNS: %w", err))
		}
		c.Database.MaxConns = int32(n)
	}
	if v, ok := os.LookupEnv("DB_MIGRATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DB_MIGRATE: %w", err))
		}
		c.Database.Migrate = b
	}
	errs = append(errs,
		setInt(&c.Scheduler.BatchSize, "SCHED_BATCH_SIZE"),
		setInt(&c.Scheduler.Concurrency, "SCHED_CONCURRENCY"),
		setInt(&c.Worker.Prefetch, "WORKER_PREFETCH"),
		setDuration(&c.Scheduler.LockTimeout, "SCHED_LOCK_TIMEOUT"),
		setDuration(&c.API.LockTimeout, "API_LOCK_TIMEOUT"),
	)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
