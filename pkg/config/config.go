// Package config описывает конфигурацию демона mog.
//
// Конфигурация читается из YAML файла. Отсутствующие поля получают значения по умолчанию,
// итоговая конфигурация проверяется Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Значения по умолчанию
const (
	DefaultSignalingPort     = 9999
	DefaultSignalingInterval = 2 * time.Second
	DefaultMediaBasePort     = 10000
	DefaultSourceTimeout     = 5 * time.Second
	DefaultReportInterval    = 5 * time.Second
	DefaultMaxOrphans        = 64
	DefaultOrphanMaxAge      = 30 * time.Second
	DefaultDirectoryPath     = "directory.json"
	DefaultMetricsAddr       = ":9100"
	DefaultLogLevel          = "info"

	// MaxParticipants максимальное число участников в одной конференции
	MaxParticipants = 64

	// portsPerParticipant портов на одного участника: RTP/RTCP видео и аудио
	portsPerParticipant = 4
)

// Signaling настройки анонсера
type Signaling struct {
	// Listen адрес привязки, по умолчанию ":<Port>"
	Listen   string        `yaml:"listen"`
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
}

// Media настройки RTP
type Media struct {
	ListenIP       string        `yaml:"listen_ip"`
	BasePort       int           `yaml:"base_port"`
	SourceTimeout  time.Duration `yaml:"source_timeout"`
	ReportInterval time.Duration `yaml:"report_interval"`
	// PictureParameters параметры декодирования, публикуемые в PARM
	PictureParameters string `yaml:"picture_parameters"`
}

// Coordinator ограничения списков сирот
type Coordinator struct {
	MaxOrphans   int           `yaml:"max_orphans"`
	OrphanMaxAge time.Duration `yaml:"orphan_max_age"`
}

// Metrics настройки Prometheus
type Metrics struct {
	// Listen адрес HTTP сервера /metrics, пустой - метрики не публикуются
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// Config конфигурация демона
type Config struct {
	LogLevel    string      `yaml:"log_level"`
	Directory   string      `yaml:"directory"`
	Signaling   Signaling   `yaml:"signaling"`
	Media       Media       `yaml:"media"`
	Coordinator Coordinator `yaml:"coordinator"`
	Metrics     Metrics     `yaml:"metrics"`
}

func defaults() *Config {
	return &Config{
		LogLevel:  DefaultLogLevel,
		Directory: DefaultDirectoryPath,
		Signaling: Signaling{
			Port:     DefaultSignalingPort,
			Interval: DefaultSignalingInterval,
		},
		Media: Media{
			BasePort:       DefaultMediaBasePort,
			SourceTimeout:  DefaultSourceTimeout,
			ReportInterval: DefaultReportInterval,
		},
		Coordinator: Coordinator{
			MaxOrphans:   DefaultMaxOrphans,
			OrphanMaxAge: DefaultOrphanMaxAge,
		},
		Metrics: Metrics{
			Listen:    DefaultMetricsAddr,
			Namespace: "mog",
		},
	}
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	c := defaults()
	c.applyDefaults()
	return c
}

// Load читает конфигурацию из файла поверх значений по умолчанию
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
	}
	return Parse(b)
}

// Parse разбирает YAML поверх значений по умолчанию и проверяет результат
func Parse(data []byte) (*Config, error) {
	c := defaults()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyDefaults заполняет незаданные и явно обнуленные в файле поля
func (c *Config) applyDefaults() {
	if c.Signaling.Port == 0 {
		c.Signaling.Port = DefaultSignalingPort
	}
	if c.Signaling.Listen == "" {
		c.Signaling.Listen = fmt.Sprintf(":%d", c.Signaling.Port)
	}
	if c.Signaling.Interval == 0 {
		c.Signaling.Interval = DefaultSignalingInterval
	}
	if c.Media.BasePort == 0 {
		c.Media.BasePort = DefaultMediaBasePort
	}
	if c.Media.SourceTimeout == 0 {
		c.Media.SourceTimeout = DefaultSourceTimeout
	}
	if c.Media.ReportInterval == 0 {
		c.Media.ReportInterval = DefaultReportInterval
	}
	if c.Coordinator.MaxOrphans == 0 {
		c.Coordinator.MaxOrphans = DefaultMaxOrphans
	}
	if c.Coordinator.OrphanMaxAge == 0 {
		c.Coordinator.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Directory == "" {
		c.Directory = DefaultDirectoryPath
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	var errs []error

	if c.Signaling.Port < 1 || c.Signaling.Port > 65535 {
		errs = append(errs, fmt.Errorf("signaling.port вне диапазона: %d", c.Signaling.Port))
	}
	if c.Signaling.Interval < 0 {
		errs = append(errs, fmt.Errorf("signaling.interval отрицательный: %s", c.Signaling.Interval))
	}
	// Участнику с максимальным индексом тоже нужны четыре порта
	if c.Media.BasePort < 1024 || c.Media.BasePort+MaxParticipants*portsPerParticipant > 65536 {
		errs = append(errs, fmt.Errorf("media.base_port вне диапазона: %d", c.Media.BasePort))
	}
	if c.Media.SourceTimeout < 0 {
		errs = append(errs, fmt.Errorf("media.source_timeout отрицательный: %s", c.Media.SourceTimeout))
	}
	if c.Coordinator.MaxOrphans < 0 {
		errs = append(errs, fmt.Errorf("coordinator.max_orphans отрицательный: %d", c.Coordinator.MaxOrphans))
	}
	if c.Coordinator.OrphanMaxAge < 0 {
		errs = append(errs, fmt.Errorf("coordinator.orphan_max_age отрицательный: %s", c.Coordinator.OrphanMaxAge))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	return errors.Join(errs...)
}

// Level возвращает уровень логирования. Некорректный уровень отсекается Validate.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
