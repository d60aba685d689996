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


package health

import (
	"context"
	"fmt"
	"strconv"
)

// QueueChecker degrades when a work queue runs close to capacity.
// A full queue is degraded, not unhealthy: reads still work.
type QueueChecker struct {
	name        string
	depth       func() (queued, capacity int)
	warnPercent int
}

// NewQueueChecker creates a queue checker warning above warnPercent of
// capacity
func NewQueueChecker(name string, depth func() (queued, capacity int), warnPercent int) *QueueChecker {
	return &QueueChecker{name: name, depth: depth, warnPercent: warnPercent}
}

// Name implements Checker.
func (q *QueueChecker) Name() string { return q.name }

// Check implements Checker.
func (q *QueueChecker) Check(context.Context) Result {
	queued, capacity := q.depth()

	var res Result
	switch {
	case capacity <= 0:
		res = Healthy("%d queued, unbounded", queued)
	case queued >= capacity:
		res = Degraded("queue full, new submissions are refused")
	case queued*100 > capacity*q.warnPercent:
		res = Degraded("queue above %d%% of capacity", q.warnPercent)
	default:
		res = Healthy("%d of %d queued", queued, capacity)
	}
	return res.With("queued", strconv.Itoa(queued)).With("capacity", strconv.Itoa(capacity))
}

// diskUsage is the space of the filesystem holding a path
type diskUsage struct {
	Total uint64 // bytes
	Free  uint64 // bytes available to this process
}

func (u diskUsage) usedPercent() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Total-u.Free) / float64(u.Total) * 100
}

// DiskChecker watches the filesystem holding the state database
type DiskChecker struct {
	name           string
	path           string
	minFree        uint64
	maxUsedPercent float64
	usage          func(path string) (diskUsage, error)
}

// NewDiskChecker creates a disk checker for the filesystem holding path.
// Less than minFree bytes available is unhealthy, more than
// maxUsedPercent used is degraded.
func NewDiskChecker(name, path string, minFree uint64, maxUsedPercent float64) *DiskChecker {
	return &DiskChecker{
		name:           name,
		path:           path,
		minFree:        minFree,
		maxUsedPercent: maxUsedPercent,
		usage:          statDisk,
	}
}

// Name implements Checker.
func (d *DiskChecker) Name() string { return d.name }

// Check implements Checker.
func (d *DiskChecker) Check(context.Context) Result {
	u, err := d.usage(d.path)
	if err != nil {
		return Unhealthy("cannot stat %s: %v", d.path, err)
	}

	used := u.usedPercent()
	var res Result
	switch {
	case u.Free < d.minFree:
		res = Unhealthy("%s free, below the %s minimum", humanBytes(u.Free), humanBytes(d.minFree))
	case used > d.maxUsedPercent:
		res = Degraded("%.1f%% used", used)
	default:
		res = Healthy("%s free of %s", humanBytes(u.Free), humanBytes(u.Total))
	}
	return res.
		With("path", d.path).
		With("free_bytes", strconv.FormatUint(u.Free, 10)).
		With("total_bytes", strconv.FormatUint(u.Total, 10))
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
