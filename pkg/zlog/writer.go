package zlog

import (
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// buildWriteSyncer 组装 stdout 和轮转文件输出
func buildWriteSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer
	if cfg.Stdout {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}
	if p := cfg.File.Path; p != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   p,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}))
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}
