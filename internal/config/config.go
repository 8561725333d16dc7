// Package config は設定ファイルと環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string `yaml:"app_username"`      // ログイン用ユーザー名
	AppPasswordHash string `yaml:"app_password_hash"` // bcryptでハッシュ化されたパスワード
	SessionSecret   string `yaml:"session_secret"`    // セッション署名用の秘密鍵

	// サーバー設定
	BindAddress string `yaml:"bind_address"` // 待ち受けアドレス（既定はループバックのみ）
	Port        string `yaml:"port"`         // APIサーバーのポート番号
	GinMode     string `yaml:"gin_mode"`     // Ginの実行モード (debug, release, test)
	LogLevel    string `yaml:"log_level"`    // zerologのログレベル

	// CORS設定
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"` // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize      int64  `yaml:"max_file_size"`      // 単一ファイルの最大サイズ（バイト）
	MaxPages         int    `yaml:"max_pages"`          // 単一ファイルの最大ページ数
	JobExpireMinutes int    `yaml:"job_expire_minutes"` // ジョブの有効期限（分）
	WorkDir          string `yaml:"work_dir"`           // ジョブ作業ディレクトリの親

	// ジョブ/キュー設定
	QueueRedisURL       string `yaml:"queue_redis_url"`       // Asynq用Redis接続URL
	AsyncThresholdBytes int64  `yaml:"async_threshold_bytes"` // 同期処理から非同期へ切り替えるサイズ閾値
	AsyncThresholdPages int    `yaml:"async_threshold_pages"` // 同期処理から非同期へ切り替えるページ閾値
	JobResultBaseURL    string `yaml:"job_result_base_url"`   // 結果ファイル取得用のベースURL

	// 変換処理設定
	GhostscriptPath string `yaml:"ghostscript_path"` // Ghostscript実行ファイルのパス（ページのラスター化に使用）
	RasterWorkers   int    `yaml:"raster_workers"`   // ラスター処理ワーカーの同時実行数
	DefaultPreset   string `yaml:"default_preset"`   // 圧縮プリセットの既定値
}

// Default は設定ファイルも環境変数もないときの値を返します。
func Default() *Config {
	return &Config{
		BindAddress:         "127.0.0.1",
		Port:                "8080",
		GinMode:             "debug",
		LogLevel:            "info",
		CORSAllowedOrigins:  "http://localhost:5173",
		MaxFileSize:         104857600, // 100MB
		MaxPages:            200,
		JobExpireMinutes:    10,
		WorkDir:             filepath.Join(os.TempDir(), "paperkit"),
		QueueRedisURL:       "redis://127.0.0.1:6379/0",
		AsyncThresholdBytes: 50 * 1024 * 1024, // 50MB
		AsyncThresholdPages: 120,
		GhostscriptPath:     "gs",
		RasterWorkers:       2,
		DefaultPreset:       "standard",
	}
}

// Load は設定を読み込みます。
// 既定値 → CONFIG_FILE（YAML）→ 環境変数 の順に上書きします。
// .env.local ファイルが存在する場合は環境変数として先に読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// アプリケーション設定
	c.AppUsername = getEnv("APP_USERNAME", c.AppUsername)
	c.AppPasswordHash = getEnv("APP_PASSWORD_HASH", c.AppPasswordHash)
	c.SessionSecret = getEnv("SESSION_SECRET", c.SessionSecret)

	// サーバー設定
	c.BindAddress = getEnv("BIND_ADDRESS", c.BindAddress)
	c.Port = getEnv("PORT", c.Port)
	c.GinMode = getEnv("GIN_MODE", c.GinMode)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.CORSAllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)

	// ファイル制限
	c.MaxFileSize = getEnvAsInt64("MAX_FILE_SIZE", c.MaxFileSize)
	c.MaxPages = getEnvAsInt("MAX_PAGES", c.MaxPages)
	c.JobExpireMinutes = getEnvAsInt("JOB_EXPIRE_MINUTES", c.JobExpireMinutes)
	c.WorkDir = getEnv("WORK_DIR", c.WorkDir)

	// ジョブ/キュー設定
	c.QueueRedisURL = getEnv("QUEUE_REDIS_URL", c.QueueRedisURL)
	c.AsyncThresholdBytes = getEnvAsInt64("ASYNC_THRESHOLD_BYTES", c.AsyncThresholdBytes)
	c.AsyncThresholdPages = getEnvAsInt("ASYNC_THRESHOLD_PAGES", c.AsyncThresholdPages)
	c.JobResultBaseURL = getEnv("JOB_RESULT_BASE_URL", c.JobResultBaseURL)

	// 変換処理設定
	c.GhostscriptPath = getEnv("GHOSTSCRIPT_PATH", c.GhostscriptPath)
	c.RasterWorkers = getEnvAsInt("RASTER_WORKERS", c.RasterWorkers)
	c.DefaultPreset = getEnv("DEFAULT_PRESET", c.DefaultPreset)
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.RasterWorkers < 0 {
		return fmt.Errorf("RASTER_WORKERS must not be negative")
	}
	switch strings.ToLower(c.DefaultPreset) {
	case "low", "standard", "high", "extreme":
	default:
		return fmt.Errorf("DEFAULT_PRESET must be one of low, standard, high, extreme (got %q)", c.DefaultPreset)
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.GhostscriptPath == "" {
			return fmt.Errorf("GHOSTSCRIPT_PATH is required in release mode")
		}
	}

	return nil
}

// AuthEnabled はログイン保護が設定されているかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
}

// Addr は待ち受けアドレスを host:port 形式で返します。
func (c *Config) Addr() string {
	return c.BindAddress + ":" + c.Port
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
