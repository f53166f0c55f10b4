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
	"math/rand"
	"sort"
	"strings"
	"sync"

	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/compmake/pkg/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Host executes jobs on behalf of the ClusterBackend.
type Host interface {
	Name() string
	// Slots is the number of jobs the host runs at the same time.
	Slots() int
	// Run blocks until jobID completed. An error that is not a job failure
	// marks the host as failed.
	Run(ctx cmcontext.Context, jobID string, more bool) (*JobResult, error)
}

type hostState struct {
	host    Host
	running int
	failed  bool
}

// ClusterBackend dispatches jobs to named hosts. A job goes to a random
// host with a free slot. A host that fails is excluded until the end of the
// run, and its job is retried elsewhere.
type ClusterBackend struct {
	mu    sync.Mutex
	hosts []*hostState
	rand  *rand.Rand

	eg *errgroup.Group
}

// NewClusterBackend creates a ClusterBackend. Hosts reach the jobs through
// the storage of db, which must be shareable between processes.
func NewClusterBackend(db *jobdb.DB, hosts ...Host) (*ClusterBackend, error) {
	if !storage.IsShared(db.Storage()) {
		return nil, errors.ErrStorageNotShareable.GenWithStackByArgs(fmt.Sprintf("%T", db.Storage()))
	}
	if len(hosts) == 0 {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("cluster backend needs at least one host")
	}
	b := &ClusterBackend{rand: rand.New(rand.NewSource(rand.Int63()))}
	for _, h := range hosts {
		b.hosts = append(b.hosts, &hostState{host: h})
	}
	return b, nil
}

// Name implements Backend.
func (b *ClusterBackend) Name() string { return "cluster" }

// ProcessInit implements Backend.
func (b *ClusterBackend) ProcessInit(cmcontext.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.hosts {
		h.failed = false
		h.running = 0
	}
	b.eg = &errgroup.Group{}
	return nil
}

// CanAcceptJob implements Backend. When every host failed it accepts, so
// that InstanceJob reports the exhaustion.
func (b *ClusterBackend) CanAcceptJob(reasons map[string]string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	alive := 0
	for _, h := range b.hosts {
		if h.failed {
			continue
		}
		alive++
		if h.running < h.host.Slots() {
			return true
		}
	}
	if alive == 0 {
		return true
	}
	reasons["hosts"] = fmt.Sprintf("all slots of %d host(s) in use", alive)
	return false
}

func (b *ClusterBackend) pick() (*hostState, error) {
	var candidates []*hostState
	var failed []string
	for _, h := range b.hosts {
		if h.failed {
			failed = append(failed, h.host.Name())
			continue
		}
		if h.running < h.host.Slots() {
			candidates = append(candidates, h)
		}
	}
	if len(failed) == len(b.hosts) {
		sort.Strings(failed)
		return nil, errors.ErrManagerResourceExhausted.GenWithStackByArgs(
			"all hosts failed: " + strings.Join(failed, ", "))
	}
	if len(candidates) == 0 {
		return nil, errors.ErrCompmakeBug.GenWithStackByArgs("job instanced while no host has a free slot")
	}
	return candidates[b.rand.Intn(len(candidates))], nil
}

// InstanceJob implements Backend.
func (b *ClusterBackend) InstanceJob(ctx cmcontext.Context, jobID string, more bool) (AsyncResult, error) {
	b.mu.Lock()
	h, err := b.pick()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	h.running++
	b.mu.Unlock()

	ar := newChanResult(jobID)
	b.eg.Go(func() error {
		res, err := h.host.Run(ctx, jobID, more)
		b.mu.Lock()
		h.running--
		if errors.Is(err, errors.ErrHostFailed) {
			h.failed = true
			logutil.NewLogger4Host(b.Name(), h.host.Name()).Warn("host excluded",
				zap.String("job-id", jobID), logutil.ShortError(err))
		}
		b.mu.Unlock()
		ar.finish(res, err)
		return nil
	})
	return ar, nil
}

// ProcessFinished implements Backend.
func (b *ClusterBackend) ProcessFinished() error {
	if b.eg == nil {
		return nil
	}
	return b.eg.Wait()
}

// FailedHosts returns the sorted names of the excluded hosts.
func (b *ClusterBackend) FailedHosts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, h := range b.hosts {
		if h.failed {
			out = append(out, h.host.Name())
		}
	}
	sort.Strings(out)
	return out
}
