package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Remote RemoteConfig
	Store  StoreConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	remote, err := loadRemoteConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Remote: remote, Store: store}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// RemoteConfig 描述远端对话后端的连接配置。
type RemoteConfig struct {
	Tokens           []string
	BaseURL          string
	StreamURL        string
	StreamAuth       string
	UnaryTimeout     time.Duration
	StreamTimeout    time.Duration
	BootstrapTimeout time.Duration
	StoreTimeout     time.Duration
	CreateTimeout    time.Duration
	SessionMaxAge    time.Duration
	UserAgent        string
}

// Enabled 表示是否至少配置了一个凭证。
func (c RemoteConfig) Enabled() bool {
	return len(c.Tokens) > 0
}

func loadRemoteConfig() (RemoteConfig, error) {
	tokens := splitList(os.Getenv("REMOTE_TOKENS"))
	if path := strings.TrimSpace(os.Getenv("REMOTE_TOKENS_FILE")); path != "" {
		fileTokens, err := loadTokenFile(path)
		if err != nil {
			return RemoteConfig{}, err
		}
		tokens = append(tokens, fileTokens...)
	}

	streamAuth := strings.ToLower(getEnvOrDefault("REMOTE_STREAM_AUTH", "cookie"))
	if streamAuth != "cookie" && streamAuth != "header" {
		return RemoteConfig{}, fmt.Errorf("invalid REMOTE_STREAM_AUTH value %q: want cookie or header", streamAuth)
	}

	unaryTimeout, err := parseDurationEnv("REMOTE_UNARY_TIMEOUT", 30*time.Second)
	if err != nil {
		return RemoteConfig{}, err
	}
	streamTimeout, err := parseDurationEnv("REMOTE_STREAM_TIMEOUT", 45*time.Second)
	if err != nil {
		return RemoteConfig{}, err
	}
	bootstrapTimeout, err := parseDurationEnv("REMOTE_BOOTSTRAP_TIMEOUT", 20*time.Second)
	if err != nil {
		return RemoteConfig{}, err
	}
	storeTimeout, err := parseDurationEnv("REMOTE_STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return RemoteConfig{}, err
	}
	createTimeout, err := parseDurationEnv("REMOTE_CREATE_TIMEOUT", 30*time.Second)
	if err != nil {
		return RemoteConfig{}, err
	}
	sessionMaxAge, err := parseDurationEnv("REMOTE_SESSION_MAX_AGE", 6*time.Hour)
	if err != nil {
		return RemoteConfig{}, err
	}

	return RemoteConfig{
		Tokens:           dedupe(tokens),
		BaseURL:          strings.TrimRight(getEnvOrDefault("REMOTE_BASE_URL", "https://beta.character.ai"), "/"),
		StreamURL:        getEnvOrDefault("REMOTE_STREAM_URL", "wss://neo.character.ai/ws/"),
		StreamAuth:       streamAuth,
		UnaryTimeout:     unaryTimeout,
		StreamTimeout:    streamTimeout,
		BootstrapTimeout: bootstrapTimeout,
		StoreTimeout:     storeTimeout,
		CreateTimeout:    createTimeout,
		SessionMaxAge:    sessionMaxAge,
		UserAgent:        getEnvOrDefault("REMOTE_USER_AGENT", defaultUserAgent),
	}, nil
}

// tokenFile 凭证文件格式
type tokenFile struct {
	Tokens []string `yaml:"tokens"`
}

func loadTokenFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read REMOTE_TOKENS_FILE %s: %w", path, err)
	}

	var file tokenFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse REMOTE_TOKENS_FILE %s: %w", path, err)
	}
	return file.Tokens, nil
}

// StoreConfig 描述会话句柄的存储方式。
type StoreConfig struct {
	Driver string
	Path   string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", "memory"))
	if driver != "memory" && driver != "sqlite" {
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q: want memory or sqlite", driver)
	}

	return StoreConfig{
		Driver: driver,
		Path:   getEnvOrDefault("STORE_PATH", "data/conversations.db"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒处理
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// dedupe 去重并保持首次出现的顺序
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
