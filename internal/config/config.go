// Package config loads service settings from the environment, with an
// optional YAML file for server tunables. Environment variables always win
// over the YAML overlay; a .env file is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Settings is the full configuration of both binaries. Required fields are
// validated by Load; everything else has a working default.
type Settings struct {
	// HTTP server.
	Port           string
	AllowedOrigins string
	MaxUploadBytes int64

	// Storage.
	DatabaseURL      string // empty selects the in-memory store
	DataDir          string
	DownloadPassword string

	// Redis Streams queue.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Worker consumer.
	WorkerName  string
	WorkerBatch int64
	WorkerBlock time.Duration

	// LLM endpoint (Azure OpenAI or any /chat/completions server).
	LLMEndpoint   string
	LLMAPIKey     string
	LLMDeployment string
	LLMAPIVersion string
}

// fileOverlay is the optional YAML config file. Only server tunables live
// here; secrets stay in the environment.
type fileOverlay struct {
	Server struct {
		Port           string `yaml:"port"`
		AllowedOrigins string `yaml:"allowed_origins"`
		MaxUploadMB    int64  `yaml:"max_upload_mb"`
	} `yaml:"server"`
	Worker struct {
		Batch   int64 `yaml:"batch"`
		BlockMS int64 `yaml:"block_ms"`
	} `yaml:"worker"`
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set)
// and the environment, in that order of increasing precedence.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	s := &Settings{
		Port:           "8000",
		MaxUploadBytes: 512 << 20,
		DataDir:        "data",
		RedisAddr:      "localhost:6379",
		WorkerBatch:    1,
		WorkerBlock:    5 * time.Second,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := s.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.applyEnv(); err != nil {
		return nil, err
	}

	if s.LLMEndpoint == "" || s.LLMAPIKey == "" {
		return nil, fmt.Errorf("LLM_ENDPOINT and LLM_API_KEY are required")
	}
	if s.WorkerName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		s.WorkerName = host
	}
	return s, nil
}

func (s *Settings) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileOverlay
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if f.Server.Port != "" {
		s.Port = f.Server.Port
	}
	if f.Server.AllowedOrigins != "" {
		s.AllowedOrigins = f.Server.AllowedOrigins
	}
	if f.Server.MaxUploadMB > 0 {
		s.MaxUploadBytes = f.Server.MaxUploadMB << 20
	}
	if f.Worker.Batch > 0 {
		s.WorkerBatch = f.Worker.Batch
	}
	if f.Worker.BlockMS > 0 {
		s.WorkerBlock = time.Duration(f.Worker.BlockMS) * time.Millisecond
	}
	return nil
}

func (s *Settings) applyEnv() error {
	setString(&s.Port, "PORT")
	setString(&s.AllowedOrigins, "ALLOWED_ORIGINS")
	setString(&s.DatabaseURL, "DATABASE_URL")
	setString(&s.DataDir, "DATA_DIR")
	setString(&s.DownloadPassword, "DOWNLOAD_PASSWORD")
	setString(&s.RedisAddr, "REDIS_ADDR")
	setString(&s.RedisPassword, "REDIS_PASSWORD")
	setString(&s.WorkerName, "WORKER_NAME")
	setString(&s.LLMEndpoint, "LLM_ENDPOINT")
	setString(&s.LLMAPIKey, "LLM_API_KEY")
	setString(&s.LLMDeployment, "LLM_DEPLOYMENT")
	setString(&s.LLMAPIVersion, "LLM_API_VERSION")

	if err := setInt(&s.RedisDB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setInt64(&s.WorkerBatch, "WORKER_BATCH"); err != nil {
		return err
	}
	if raw := os.Getenv("WORKER_BLOCK_MS"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("WORKER_BLOCK_MS: %w", err)
		}
		s.WorkerBlock = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv("MAX_UPLOAD_MB"); raw != "" {
		mb, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_MB: %w", err)
		}
		s.MaxUploadBytes = mb << 20
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func setInt64(dst *int64, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}
