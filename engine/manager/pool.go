// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package manager

import (
	"fmt"

	"github.com/dustin/go-humanize"
	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/execute"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/logutil"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ResourceUsage is a sample of the machine load.
type ResourceUsage struct {
	MemUsedPercent float64
	MemAvailable   uint64
	// CPULoadPercent is the 1-minute load average relative to the cores.
	CPULoadPercent float64
}

// ResourceSampler samples the machine load.
type ResourceSampler func() (ResourceUsage, error)

// SystemUsage reads the machine load through gopsutil.
func SystemUsage() (ResourceUsage, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ResourceUsage{}, err
	}
	avg, err := load.Avg()
	if err != nil {
		return ResourceUsage{}, err
	}
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = 1
	}
	return ResourceUsage{
		MemUsedPercent: vm.UsedPercent,
		MemAvailable:   vm.Available,
		CPULoadPercent: avg.Load1 / float64(cores) * 100,
	}, nil
}

// PoolBackend runs up to parallelism jobs on goroutines of this process.
// Beyond the slots, a job starts only if the machine load allows it, but
// one job is always allowed to run.
type PoolBackend struct {
	cfg     *config.ManagerConfig
	sampler ResourceSampler
	host    string

	running atomic.Int64
	eg      *errgroup.Group
}

// NewPoolBackend creates a PoolBackend configured by cfg.
func NewPoolBackend(cfg *config.ManagerConfig) *PoolBackend {
	return &PoolBackend{cfg: cfg, sampler: SystemUsage}
}

// WithSampler replaces the resource sampler.
func (b *PoolBackend) WithSampler(sampler ResourceSampler) *PoolBackend {
	b.sampler = sampler
	return b
}

// Name implements Backend.
func (b *PoolBackend) Name() string { return "pool" }

// ProcessInit implements Backend.
func (b *PoolBackend) ProcessInit(ctx cmcontext.Context) error {
	b.host = ctx.GlobalVars().Host
	b.eg = &errgroup.Group{}
	return nil
}

// CanAcceptJob implements Backend.
func (b *PoolBackend) CanAcceptJob(reasons map[string]string) bool {
	running := b.running.Load()
	if slots := b.cfg.Slots(); running >= int64(slots) {
		reasons["slots"] = fmt.Sprintf("%d/%d slots in use", running, slots)
		return false
	}
	if running == 0 {
		return true
	}
	usage, err := b.sampler()
	if err != nil {
		logutil.NewLogger4Manager(b.Name()).Warn("sample resource usage failed", logutil.ShortError(err))
		return true
	}
	ok := true
	if usage.MemUsedPercent > b.cfg.MaxMemLoad {
		reasons["memory"] = fmt.Sprintf("memory load %.1f%% > %.1f%%", usage.MemUsedPercent, b.cfg.MaxMemLoad)
		ok = false
	}
	if b.cfg.MinFreeMemory > 0 && usage.MemAvailable < b.cfg.MinFreeMemory {
		reasons["free-memory"] = fmt.Sprintf("free memory %s < %s",
			humanize.IBytes(usage.MemAvailable), humanize.IBytes(b.cfg.MinFreeMemory))
		ok = false
	}
	if usage.CPULoadPercent > b.cfg.MaxCPULoad {
		reasons["cpu"] = fmt.Sprintf("cpu load %.1f%% > %.1f%%", usage.CPULoadPercent, b.cfg.MaxCPULoad)
		ok = false
	}
	return ok
}

// InstanceJob implements Backend.
func (b *PoolBackend) InstanceJob(ctx cmcontext.Context, jobID string, more bool) (AsyncResult, error) {
	ar := newChanResult(jobID)
	b.running.Inc()
	b.eg.Go(func() error {
		defer b.running.Dec()
		res, err := execute.MakeJob(ctx, jobID, execute.Options{More: more})
		if err != nil {
			logutil.NewLogger4Job(jobID).Debug("job finished with error", zap.Error(err))
			ar.finish(nil, err)
			return nil
		}
		ar.finish(resultOf(res, b.host), nil)
		return nil
	})
	return ar, nil
}

// ProcessFinished implements Backend.
func (b *PoolBackend) ProcessFinished() error {
	if b.eg == nil {
		return nil
	}
	return b.eg.Wait()
}
