package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 实时体征同步服务配置
type Config struct {
	// 订阅主体（对应后端的用户/受试者 ID）
	SubjectID string

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	MQTT struct {
		Broker      string
		ClientID    string
		Username    string
		Password    string
		QoS         byte
		TopicPrefix string // 每主体频道前缀，如 "vitals"
	}

	// Ingestion API（HTTPS 批量上传回退通道）
	Ingestion struct {
		BaseURL string
		APIKey  string
		Timeout time.Duration
	}

	// Health Source 桥接配置
	Health struct {
		SampleStream    string        // 主来源样本流
		AltSampleStream string        // 其他已连接来源的样本流（降级策略用）
		SampleInterval  time.Duration // 原始样本拉取周期
	}

	// 离线积压队列配置
	Backlog struct {
		MaxBufferSize     int           // 容量上限（超出时淘汰最旧时间戳的条目）
		MaxBufferDuration time.Duration // 条目最长保留时间
		SweepInterval     time.Duration // 过期清理周期
	}

	// 权限缓存配置
	Permission struct {
		CacheExpiration    time.Duration // 缓存过期时间（超过后必须重新校验）
		RevalidateInterval time.Duration // 后台重新校验周期
		RequiredTypes      []string      // 必需的数据类型集合
	}

	// 降级策略引擎配置
	Fallback struct {
		Strategy               string        // 默认策略（可被 Local Store 中的持久化偏好覆盖）
		CheckInterval          time.Duration // 可用性探测周期
		RecentWindow           time.Duration // "最近有数据" 判定窗口
		MaxSyntheticDataPoints int           // 历史快照窗口容量（FIFO）
		SyntheticEnabled       bool          // 是否允许合成数据
		UnavailableThreshold   int           // 连续无数据多少次后判定永久不可用
	}

	// 实时传输配置
	Transport struct {
		AllowedTypes      []string      // 允许上传的数据类型
		FailureThreshold  int           // 主通道连续失败阈值
		ReconnectInterval time.Duration // 重连尝试周期
	}

	// 订阅协调器配置
	Coordinator struct {
		Mode              string        // "push" 或 "poll"（可被持久化偏好覆盖）
		PollInterval      time.Duration // poll 模式查询周期
		HistoryRetention  time.Duration // 订阅者本地快照历史保留时间
		HistoryMaxCount   int           // 快照历史数量上限
		HeartRateWindow   time.Duration // 滚动平均心率窗口
		AggregateInterval time.Duration // 派生聚合计算周期
	}

	// 聚合引擎配置
	Aggregator struct {
		HistoryRetention time.Duration // 原始样本历史保留时间
		HistoryMaxCount  int           // 原始样本数量上限
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.SubjectID = getEnv("SUBJECT_ID", "")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "vitals-live")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "vitals")

	cfg.Ingestion.BaseURL = getEnv("INGESTION_BASE_URL", "http://localhost:8080")
	cfg.Ingestion.APIKey = getEnv("INGESTION_API_KEY", "")
	cfg.Ingestion.Timeout = getEnvDuration("INGESTION_TIMEOUT", 30*time.Second)

	cfg.Health.SampleStream = getEnv("HEALTH_SAMPLE_STREAM", "health:samples:primary")
	cfg.Health.AltSampleStream = getEnv("HEALTH_ALT_SAMPLE_STREAM", "health:samples:secondary")
	cfg.Health.SampleInterval = getEnvDuration("HEALTH_SAMPLE_INTERVAL", 15*time.Second)

	cfg.Backlog.MaxBufferSize = getEnvInt("BACKLOG_MAX_SIZE", 1000)
	cfg.Backlog.MaxBufferDuration = getEnvDuration("BACKLOG_MAX_DURATION", 2*time.Hour)
	cfg.Backlog.SweepInterval = getEnvDuration("BACKLOG_SWEEP_INTERVAL", 15*time.Minute)

	cfg.Permission.CacheExpiration = getEnvDuration("PERMISSION_CACHE_EXPIRATION", 24*time.Hour)
	cfg.Permission.RevalidateInterval = getEnvDuration("PERMISSION_REVALIDATE_INTERVAL", time.Hour)
	cfg.Permission.RequiredTypes = getEnvList("PERMISSION_REQUIRED_TYPES", []string{"heartRate", "steps", "sleepInBed"})

	cfg.Fallback.Strategy = getEnv("FALLBACK_STRATEGY", "alternativeDevices")
	cfg.Fallback.CheckInterval = getEnvDuration("FALLBACK_CHECK_INTERVAL", time.Minute)
	cfg.Fallback.RecentWindow = getEnvDuration("FALLBACK_RECENT_WINDOW", 10*time.Minute)
	cfg.Fallback.MaxSyntheticDataPoints = getEnvInt("FALLBACK_MAX_SYNTHETIC_POINTS", 50)
	cfg.Fallback.SyntheticEnabled = getEnvBool("FALLBACK_SYNTHETIC_ENABLED", false)
	cfg.Fallback.UnavailableThreshold = getEnvInt("FALLBACK_UNAVAILABLE_THRESHOLD", 10)

	cfg.Transport.AllowedTypes = getEnvList("TRANSPORT_ALLOWED_TYPES",
		[]string{"heartRate", "steps", "hrv", "energy", "sleepInBed", "sleepAsleep", "sleepAwake", "sleepDeep", "sleepLight", "sleepRem", "sleepHours"})
	cfg.Transport.FailureThreshold = getEnvInt("TRANSPORT_FAILURE_THRESHOLD", 3)
	cfg.Transport.ReconnectInterval = getEnvDuration("TRANSPORT_RECONNECT_INTERVAL", 10*time.Second)

	cfg.Coordinator.Mode = getEnv("COORDINATOR_MODE", "push")
	cfg.Coordinator.PollInterval = getEnvDuration("COORDINATOR_POLL_INTERVAL", 30*time.Second)
	cfg.Coordinator.HistoryRetention = getEnvDuration("COORDINATOR_HISTORY_RETENTION", 5*time.Minute)
	cfg.Coordinator.HistoryMaxCount = getEnvInt("COORDINATOR_HISTORY_MAX_COUNT", 120)
	cfg.Coordinator.HeartRateWindow = getEnvDuration("COORDINATOR_HEART_RATE_WINDOW", 5*time.Minute)
	cfg.Coordinator.AggregateInterval = getEnvDuration("COORDINATOR_AGGREGATE_INTERVAL", 5*time.Minute)

	cfg.Aggregator.HistoryRetention = getEnvDuration("AGGREGATOR_HISTORY_RETENTION", 24*time.Hour)
	cfg.Aggregator.HistoryMaxCount = getEnvInt("AGGREGATOR_HISTORY_MAX_COUNT", 200)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate 校验配置合法性
func (c *Config) validate() error {
	if c.Backlog.MaxBufferSize <= 0 {
		return fmt.Errorf("invalid BACKLOG_MAX_SIZE: %d", c.Backlog.MaxBufferSize)
	}
	if c.Transport.FailureThreshold <= 0 {
		return fmt.Errorf("invalid TRANSPORT_FAILURE_THRESHOLD: %d", c.Transport.FailureThreshold)
	}
	if c.Coordinator.Mode != "push" && c.Coordinator.Mode != "poll" {
		return fmt.Errorf("invalid COORDINATOR_MODE: %s (must be push or poll)", c.Coordinator.Mode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
