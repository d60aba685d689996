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
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ledgerStore/internal/kvstore"
)

// 常用字段构造函数

func String(key, val string) zap.Field                 { return zap.String(key, val) }
func Int(key string, val int) zap.Field                { return zap.Int(key, val) }
func Uint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func Bool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func Err(err error) zap.Field                          { return zap.Error(err) }
func Any(key string, val interface{}) zap.Field        { return zap.Any(key, val) }

// 业务相关字段

// Root 状态根
func Root(root kvstore.RootID) zap.Field {
	return zap.String("root", string(root))
}

// BatchID 批次 ID
func BatchID(id string) zap.Field {
	return zap.String("batch_id", id)
}

// TransactionID 交易 ID
func TransactionID(id string) zap.Field {
	return zap.String("transaction_id", id)
}

// Key state key
func Key(key string) zap.Field {
	return zap.String("key", key)
}

// Changes summarises a change list without logging values
func Changes(changes []kvstore.StateChange) zap.Field {
	return zap.Object("changes", changeSummary(changes))
}

// Component 组件名
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// Phase 阶段
func Phase(phase string) zap.Field {
	return zap.String("phase", phase)
}

// Goroutine goroutine 名称
func Goroutine(name string) zap.Field {
	return zap.String("goroutine", name)
}

// RemoteAddr 远程地址
func RemoteAddr(addr string) zap.Field {
	return zap.String("remote_addr", addr)
}

type changeSummary []kvstore.StateChange

func (c changeSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	var sets, deletes, bytes int
	for _, change := range c {
		switch change.Type {
		case kvstore.ChangeSet:
			sets++
			bytes += len(change.Value)
		case kvstore.ChangeDelete:
			deletes++
		}
	}
	enc.AddInt("total", len(c))
	enc.AddInt("sets", sets)
	enc.AddInt("deletes", deletes)
	enc.AddInt("value_bytes", bytes)
	return nil
}
