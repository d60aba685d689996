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
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig 日志轮转配置
type RotationConfig struct {
	Enabled bool

	// MaxSizeMB 单个日志文件最大大小（MB）
	MaxSizeMB int

	// MaxBackups 最大备份文件数量
	MaxBackups int

	// MaxAgeDays 日志文件最大保留天数
	MaxAgeDays int

	// Compress 是否压缩旧日志
	Compress bool
}

func newRotatingWriter(path string, cfg RotationConfig) zapcore.WriteSyncer {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	})
}
