// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"sync"

	"ledgerStore/pkg/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// globalLogger 全局日志实例
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Logger 结构化日志器
type Logger struct {
	zap    *zap.Logger
	sugar  *zap.SugaredLogger
	config *Config
}

// Config 日志配置
type Config struct {
	// Level 日志级别: debug, info, warn, error, dpanic, panic, fatal
	Level string

	// OutputPaths 日志输出路径, e.g. ["stdout", "/var/log/ledgerd/node.log"]
	OutputPaths []string

	// ErrorOutputPaths only receive Error and above
	ErrorOutputPaths []string

	// Encoding: json or console
	Encoding string

	Development       bool
	DisableCaller     bool
	DisableStacktrace bool
	EnableColor       bool

	// Rotation applies to every file path in OutputPaths/ErrorOutputPaths
	Rotation RotationConfig
}

// DefaultConfig 默认配置
var DefaultConfig = &Config{
	Level:            "info",
	OutputPaths:      []string{"stdout"},
	ErrorOutputPaths: []string{"stderr"},
	Encoding:         "console",
	EnableColor:      true,
}

// NewLogger 创建新的日志器
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Encoding == "console" && cfg.EnableColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	newEncoder := func() zapcore.Encoder {
		if cfg.Encoding == "json" {
			return zapcore.NewJSONEncoder(encoderConfig)
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	for _, path := range cfg.OutputPaths {
		cores = append(cores, zapcore.NewCore(newEncoder(), getWriter(path, cfg.Rotation), level))
	}
	for _, path := range cfg.ErrorOutputPaths {
		if contains(cfg.OutputPaths, path) {
			continue // 避免重复
		}
		cores = append(cores, zapcore.NewCore(newEncoder(), getWriter(path, cfg.Rotation), zapcore.ErrorLevel))
	}

	var opts []zap.Option
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zapLogger := zap.New(zapcore.NewTee(cores...), opts...)

	return &Logger{
		zap:    zapLogger,
		sugar:  zapLogger.Sugar(),
		config: cfg,
	}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar(), config: DefaultConfig}
}

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger(cfg *Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	ReplaceGlobalLogger(logger)
	return nil
}

// InitFromConfig 从配置文件初始化全局日志器
func InitFromConfig(cfg *config.LogConfig) error {
	if cfg == nil {
		return InitGlobalLogger(DefaultConfig)
	}

	return InitGlobalLogger(&Config{
		Level:            cfg.Level,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
		Encoding:         cfg.Encoding,
		EnableColor:      cfg.Encoding == "console",
		Rotation: RotationConfig{
			Enabled:    cfg.Rotation.Enabled,
			MaxSizeMB:  cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAgeDays: cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		},
	})
}

// GetLogger 获取全局日志器
func GetLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	// 自动初始化为默认配置
	l, err := NewLogger(DefaultConfig)
	if err != nil {
		l = NewNop()
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = l
	}
	return globalLogger
}

// ReplaceGlobalLogger 替换全局日志器
func ReplaceGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Zap exposes the underlying *zap.Logger for components that take one
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sync 同步日志缓冲区
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// With 添加字段（返回新的 logger）
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(fields...)
	return &Logger{zap: z, sugar: z.Sugar(), config: l.config}
}

// Named 创建命名子日志器
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{zap: z, sugar: z.Sugar(), config: l.config}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Infof 格式化 Info 日志
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// Errorf 格式化 Error 日志
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

// getWriter 获取输出 Writer
func getWriter(path string, rotation RotationConfig) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	}

	if rotation.Enabled {
		return newRotatingWriter(path, rotation)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		// 失败时回退到 stdout
		return zapcore.AddSync(os.Stdout)
	}
	return zapcore.AddSync(file)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// 全局便捷函数（使用全局 logger）

func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { GetLogger().Fatal(msg, fields...) }

// Sync 同步全局日志器
func Sync() error {
	return GetLogger().Sync()
}
