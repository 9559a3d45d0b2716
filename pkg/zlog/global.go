package zlog

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// MustInitGlobal 创建 logger 并替换 zap 全局实例，返回的函数用于退出时 flush
func MustInitGlobal(cfg Config) func() {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	restore := zap.ReplaceGlobals(l)
	stop := watchSIGHUP()
	return func() {
		stop()
		_ = l.Sync()
		restore()
	}
}

// watchSIGHUP SIGHUP 在 debug 和 info 之间切换
func watchSIGHUP() func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for range c {
			if GetLevel() == "debug" {
				SetLevel("info")
			} else {
				SetLevel("debug")
			}
			zap.L().Info("log level toggled", zap.String("now", GetLevel()))
		}
	}()
	return func() {
		signal.Stop(c)
		close(c)
	}
}
