package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/api/middleware"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/mq"
)

const (
	BusRedis = "redis"
	BusNATS  = "nats"

	envPrefix = "PRESENCE"
)

var (
	ErrUnknownBus    = errors.New("config: bus.driver 只能是 redis/nats")
	ErrMissingSecret = errors.New("config: jwt.secret 不能为空")
	ErrNoRedisAddr   = errors.New("config: redis.addr 不能为空")
)

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	InstanceID      string        `mapstructure:"instance_id"` // 为空时用主机名
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	InternalSecret  string        `mapstructure:"internal_secret"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MySQLConfig DSN 为空时不启用持久化
type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type KafkaConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Consumer mq.ConsumerConfig `mapstructure:",squash"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// BusConfig 跨实例信号的传输方式
type BusConfig struct {
	Driver          string `mapstructure:"driver"`
	NATSURL         string `mapstructure:"nats_url"`
	PresenceChannel string `mapstructure:"presence_channel"`
	DeliveryChannel string `mapstructure:"delivery_channel"`
}

type PresenceConfig struct {
	SocketTTL        time.Duration `mapstructure:"socket_ttl"`
	DisplayStatusTTL time.Duration `mapstructure:"display_status_ttl"`
	FriendsTTL       time.Duration `mapstructure:"friends_ttl"`
	EmptyFriendsTTL  time.Duration `mapstructure:"empty_friends_ttl"`
	LastSeenTTL      time.Duration `mapstructure:"last_seen_ttl"`
}

type Config struct {
	Env       string                       `mapstructure:"-"`
	Server    ServerConfig                 `mapstructure:"server"`
	Redis     RedisConfig                  `mapstructure:"redis"`
	MySQL     MySQLConfig                  `mapstructure:"mysql"`
	Kafka     KafkaConfig                  `mapstructure:"kafka"`
	JWT       JWTConfig                    `mapstructure:"jwt"`
	Bus       BusConfig                    `mapstructure:"bus"`
	Presence  PresenceConfig               `mapstructure:"presence"`
	RateLimit middleware.RateLimiterConfig `mapstructure:"rate_limit"`
}

// Env APP_ENV，缺省 dev
func Env() string {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return "dev"
}

// Load 读取 configs/config.<env>.yaml，环境变量 PRESENCE_REDIS_ADDR 之类可以覆盖
// 返回的 viper 实例给日志配置复用
func Load(env string, paths ...string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config." + env)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "../configs", "../../configs", "./services/presence_service/configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("读取配置文件失败：%w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("解析配置失败：%w", err)
	}
	cfg.Env = env
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8086)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("kafka.group_id", "presence-service")
	v.SetDefault("kafka.topics", []string{mq.TopicFriendshipEvents, mq.TopicRelationEvents})
	v.SetDefault("bus.driver", BusRedis)
	v.SetDefault("bus.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("presence.socket_ttl", 90*time.Second)
	v.SetDefault("presence.display_status_ttl", 24*time.Hour)
	v.SetDefault("presence.friends_ttl", 24*time.Hour)
	v.SetDefault("presence.empty_friends_ttl", 5*time.Minute)
	v.SetDefault("presence.last_seen_ttl", 7*24*time.Hour)
	v.SetDefault("rate_limit.ip_qps", 20)
	v.SetDefault("rate_limit.user_qps", 10)
	v.SetDefault("rate_limit.burst", 10)
}

func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return ErrNoRedisAddr
	}
	if c.JWT.Secret == "" {
		return ErrMissingSecret
	}
	switch c.Bus.Driver {
	case BusRedis, BusNATS:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBus, c.Bus.Driver)
	}
	return nil
}

// InstanceID 配置优先，其次主机名
func (c *Config) InstanceID() string {
	if c.Server.InstanceID != "" {
		return c.Server.InstanceID
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "presence-local"
}
