package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 默认的全局 logger，进程启动即可用；可通过 Init 重新配置（例如写入滚动日志文件）
var (
	mu     sync.RWMutex
	logger = newLogger("")
)

// Init 重新初始化全局 logger
// logFile 非空时，日志通过 lumberjack 写入滚动文件；为空则输出到标准输出
func Init(logFile string) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(logFile)
}

func newLogger(logFile string) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if logFile != "" {
		// 滚动日志: 单文件 100 MB, 保留 7 天
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     7,
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zapcore.InfoLevel)
	return zap.New(core, zap.AddCallerSkip(1)).Sugar()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Infof(format string, args ...interface{}) {
	get().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	get().Errorf(format, args...)
}

// InfoContextf 带 ctx 的 info 日志
func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	get().Infof(format, args...)
}

// WarnContextf 带 ctx 的 warn 日志
func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	get().Warnf(format, args...)
}

// ErrorContextf 带 ctx 的 error 日志
func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	get().Errorf(format, args...)
}
