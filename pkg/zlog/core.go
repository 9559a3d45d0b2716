package zlog

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 按配置创建 *zap.Logger，不替换全局
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initLevel(cfg.Level)

	var encCfg zapcore.EncoderConfig
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Encoding) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var core zapcore.Core = zapcore.NewCore(encoder, buildWriteSyncer(cfg), dynamicLevel)
	core = wrapWithMetric(core, cfg)

	allOpts := append([]zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(zap.String("service", cfg.Service)),
	}, opts...)

	return zap.New(core, allOpts...), nil
}
