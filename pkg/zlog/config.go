package zlog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// FileConfig 本地轮转文件
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单文件上限（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`
}

// Config 日志配置，对应服务配置文件里的 log 段
type Config struct {
	Service      string     `mapstructure:"service"`
	Level        string     `mapstructure:"level"`    // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"` // json|console
	Development  bool       `mapstructure:"development"`
	Stdout       bool       `mapstructure:"stdout"`
	File         FileConfig `mapstructure:"file"`
	EnableMetric bool       `mapstructure:"enable_metric"`
}

var (
	ErrEmptyService  = errors.New("zlog: service 不能为空")
	ErrInvalidLevel  = errors.New("zlog: level 只能是 debug/info/warn/error")
	ErrInvalidEncode = errors.New("zlog: encoding 只能是 json/console")
	ErrNoOutput      = errors.New("zlog: stdout 为 false 时 file.path 不能为空")
)

// LoadConfig 从独立的日志配置文件加载，环境变量前缀 ZLOG
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetEnvPrefix("ZLOG")
	v.AutomaticEnv()
	setDefaults(v, "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取日志配置文件失败：%w", err)
	}
	return decode(v, "")
}

// FromViper 从已加载的 viper 实例的某个前缀下取日志配置，例如 "log"
func FromViper(v *viper.Viper, prefix, service string) (*Config, error) {
	setDefaults(v, prefix)
	cfg, err := decode(v, prefix)
	if err != nil {
		return nil, err
	}
	if service != "" {
		cfg.Service = service
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper, prefix string) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	v.SetDefault(key("service"), "unknown")
	v.SetDefault(key("level"), "info")
	v.SetDefault(key("encoding"), "json")
	v.SetDefault(key("stdout"), true)
	v.SetDefault(key("file.max_size"), 100)
	v.SetDefault(key("file.max_backups"), 60)
	v.SetDefault(key("file.max_age"), 1)
	v.SetDefault(key("enable_metric"), true)
}

func decode(v *viper.Viper, prefix string) (*Config, error) {
	var cfg Config
	if err := subtree(v, prefix).Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析日志配置失败：%w", err)
	}
	if prefix == "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// subtree 把前缀下的键逐个取出，默认值和环境变量一并生效
func subtree(v *viper.Viper, prefix string) *viper.Viper {
	if prefix == "" {
		return v
	}
	sub := viper.New()
	p := strings.ToLower(prefix) + "."
	for _, k := range v.AllKeys() {
		if strings.HasPrefix(k, p) {
			sub.Set(strings.TrimPrefix(k, p), v.Get(k))
		}
	}
	return sub
}

// Validate 校验并补齐文件轮转参数
func (c *Config) Validate() error {
	if c.Service == "" {
		return ErrEmptyService
	}
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLevel
	}
	switch c.Encoding {
	case "json", "console":
	default:
		return ErrInvalidEncode
	}
	if !c.Stdout && c.File.Path == "" {
		return ErrNoOutput
	}

	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 60
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 30
		}
	}
	return nil
}
