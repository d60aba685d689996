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
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ledgerStore/internal/kvstore"
	"ledgerStore/pkg/config"
)

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestRotatingFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")

	logger, err := NewLogger(&Config{
		Level:       "info",
		OutputPaths: []string{path},
		Encoding:    "json",
		Rotation:    RotationConfig{Enabled: true, MaxSizeMB: 1, MaxBackups: 2},
	})
	require.NoError(t, err)

	logger.Info("committed", BatchID("b1"), Root("abcd"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"batch_id":"b1"`), line)
	assert.True(t, strings.Contains(line, `"root":"abcd"`), line)
}

func TestInitFromConfig(t *testing.T) {
	prev := GetLogger()
	defer ReplaceGlobalLogger(prev)

	cfg := config.DefaultConfig().Node.Log
	require.NoError(t, InitFromConfig(&cfg))
	assert.NotSame(t, prev, GetLogger())
}

func TestChangesField(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	z := zap.New(core)

	z.Info("staged", Changes([]kvstore.StateChange{
		kvstore.SetChange("a", []byte("123")),
		kvstore.SetChange("b", []byte("4")),
		kvstore.DeleteChange("c"),
	}))

	require.Equal(t, 1, logs.Len())
	summary := logs.All()[0].ContextMap()["changes"].(map[string]interface{})
	assert.Equal(t, 3, summary["total"])
	assert.Equal(t, 2, summary["sets"])
	assert.Equal(t, 1, summary["deletes"])
	assert.Equal(t, 4, summary["value_bytes"])
}
