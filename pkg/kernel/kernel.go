// Copyright 2025 UMH Systems GmbH
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

// Package kernel wires the repositories of a process together once at startup.
//
// A Kernel moves through uninitialized, initializing and locked. Repositories
// can only be looked up after the kernel is locked, and the set of
// repositories is fixed from then on.
package kernel

import (
	"context"
	"sort"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/logger"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/repository"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

const (
	StateUninitialized = "uninitialized"
	StateInitializing  = "initializing"
	StateLocked        = "locked"
)

const (
	EventBegin = "begin"
	EventLock  = "lock"
	EventFail  = "fail"
)

// RegisteredRepository describes one repository to build during Initialize.
// Name defaults to Config.Collection.
type RegisteredRepository struct {
	Driver  persistence.Driver
	Options repository.Options
	Name    string
	Config  config.RepositoryConfig
}

// Kernel is safe for concurrent use.
type Kernel struct {
	fsm   *fsm.FSM
	log   *zap.SugaredLogger
	repos map[string]*repository.Repository
	mu    sync.RWMutex
}

func New(log *zap.SugaredLogger) *Kernel {
	if log == nil {
		log = logger.For(logger.ComponentKernel)
	}

	k := &Kernel{log: log, repos: map[string]*repository.Repository{}}

	k.fsm = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: EventBegin, Src: []string{StateUninitialized}, Dst: StateInitializing},
			{Name: EventLock, Src: []string{StateInitializing}, Dst: StateLocked},
			{Name: EventFail, Src: []string{StateInitializing}, Dst: StateUninitialized},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				k.log.Debugf("kernel transition %s: %s -> %s", e.Event, e.Src, e.Dst)
			},
		},
	)

	return k
}

// State reports the current lifecycle state.
func (k *Kernel) State() string {
	return k.fsm.Current()
}

// Initialize builds every registered repository and locks the kernel. It can
// only succeed once. When a repository fails to build, the ones already built
// are closed and the kernel returns to uninitialized so the call can be
// retried.
func (k *Kernel) Initialize(ctx context.Context, registered []RegisteredRepository) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	// A cancelled context must not leave the machine mid-transition.
	fsmCtx := context.WithoutCancel(ctx)

	if err := k.fsm.Event(fsmCtx, EventBegin); err != nil {
		return standarderrors.New(standarderrors.FailedPrecondition, "kernel cannot initialize in state %s", k.fsm.Current())
	}

	repos, err := k.build(ctx, registered)
	if err != nil {
		if failErr := k.fsm.Event(fsmCtx, EventFail); failErr != nil {
			k.log.Errorf("failed to reset kernel after initialization error: %v", failErr)
		}

		return err
	}

	k.repos = repos

	if err := k.fsm.Event(fsmCtx, EventLock); err != nil {
		return standarderrors.Wrap(standarderrors.Unknown, err, "failed to lock kernel")
	}

	k.log.Infof("kernel locked with %d repositories", len(repos))

	return nil
}

func (k *Kernel) build(ctx context.Context, registered []RegisteredRepository) (map[string]*repository.Repository, error) {
	repos := make(map[string]*repository.Repository, len(registered))

	fail := func(err error) (map[string]*repository.Repository, error) {
		for name, repo := range repos {
			if closeErr := repo.Close(); closeErr != nil {
				k.log.Warnf("failed to close repository %s: %v", name, closeErr)
			}
		}

		return nil, err
	}

	for _, reg := range registered {
		if err := ctx.Err(); err != nil {
			return fail(standarderrors.Wrap(standarderrors.Timeout, err, "kernel initialization interrupted"))
		}

		name := reg.Name
		if name == "" {
			name = reg.Config.Collection
		}

		if name == "" {
			return fail(standarderrors.New(standarderrors.InvalidArgument, "registered repository has no name"))
		}

		if _, dup := repos[name]; dup {
			return fail(standarderrors.New(standarderrors.InvalidArgument, "repository %s registered twice", name))
		}

		if reg.Options.Log == nil {
			reg.Options.Log = logger.For(logger.ComponentRepository).With("collection", reg.Config.Collection)
		}

		repo, err := repository.New(reg.Driver, reg.Config, reg.Options)
		if err != nil {
			return fail(standarderrors.Annotate(err, "kernel.initialize", name, ""))
		}

		repos[name] = repo
	}

	return repos, nil
}

// Repository returns the named repository. Before the kernel is locked every
// lookup fails with FailedPrecondition.
func (k *Kernel) Repository(name string) (*repository.Repository, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if state := k.fsm.Current(); state != StateLocked {
		return nil, standarderrors.New(standarderrors.FailedPrecondition, "kernel is %s", state)
	}

	repo, ok := k.repos[name]
	if !ok {
		return nil, standarderrors.New(standarderrors.NotFound, "repository %s is not registered", name)
	}

	return repo, nil
}

// Names lists the registered repositories in sorted order.
func (k *Kernel) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return k.namesLocked()
}

// Close closes every repository. The kernel stays locked.
func (k *Kernel) Close() error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var firstErr error

	for _, name := range k.namesLocked() {
		if err := k.repos[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (k *Kernel) namesLocked() []string {
	names := make([]string, 0, len(k.repos))
	for name := range k.repos {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
