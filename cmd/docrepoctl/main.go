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

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/kernel"
	"github.com/united-manufacturing-hub/docrepo/pkg/logger"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/docrepo/pkg/repository"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
	"github.com/united-manufacturing-hub/docrepo/pkg/sentry"
)

// appVersion is overridden with -ldflags "-X main.appVersion=...".
var appVersion = sentry.DefaultAppVersion

const usage = `docrepoctl inspects and edits documents of a docrepo sqlite database.

Usage:
    docrepoctl get <id> [options]
    docrepoctl put <json> [--id=<id>] [options]
    docrepoctl update <id> <json> [options]
    docrepoctl delete <id> [--hard] [options]
    docrepoctl find [--where=<cond>...] [--sort=<field>] [--desc] [--limit=<n>] [--cursor=<cursor>] [--deleted] [options]
    docrepoctl history <id> [--limit=<n>] [options]
    docrepoctl undo <id> [options]
    docrepoctl redo <id> [options]
    docrepoctl queue [--flush] [options]
    docrepoctl -h | --help
    docrepoctl --version

Conditions have the form field:op:value, for example age:$gte:18. The value
is read as JSON and falls back to a plain string.

Options:
    -h --help              Show this screen.
    --version              Show version.
    --db=<path>            SQLite database file [default: docrepo.db].
    --config=<file>        Repository config file (.yaml, .yml or .toml).
    --collection=<name>    Collection to operate on [default: documents].
    --actor=<id>           Actor recorded in the history entry.
    --reason=<text>        Reason recorded in the history entry.
    --timeout=<duration>   Deadline for the whole command [default: 30s].`

func main() {
	logger.Initialize()
	sentry.InitSentry(appVersion, false)

	log := logger.For(logger.ComponentCLI)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], appVersion)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to parse arguments: %w", err)
		os.Exit(2)
	}

	timeout := 30 * time.Second
	if raw, _ := opts.String("--timeout"); raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Invalid --timeout %q: %w", raw, err)
			os.Exit(2)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dbPath, _ := opts.String("--db")

	driver, err := sqlite.Open(dbPath, logger.For(logger.ComponentDriverSQLite))
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to open database %s: %w", dbPath, err)
		os.Exit(1)
	}

	defer func() {
		if err := driver.Close(); err != nil {
			log.Warnf("Failed to close database: %v", err)
		}
	}()

	cfg, err := repositoryConfig(opts)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %w", err)
		os.Exit(1)
	}

	k := kernel.New(logger.For(logger.ComponentKernel))
	if err := k.Initialize(ctx, []kernel.RegisteredRepository{{Driver: driver, Config: cfg}}); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to initialize repository %s: %w", cfg.Collection, err)
		os.Exit(1)
	}

	defer func() {
		if err := k.Close(); err != nil {
			log.Warnf("Failed to close repositories: %v", err)
		}
	}()

	repo, err := k.Repository(cfg.Collection)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to look up repository: %w", err)
		os.Exit(1)
	}

	result, err := run(ctx, repo, opts)
	if err != nil {
		log.Errorw("Command failed", "collection", cfg.Collection, "error", err)
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}

	out, err := safejson.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Errorf("Failed to render result: %v", err)
		os.Exit(1)
	}

	fmt.Println(string(out))
}

// repositoryConfig picks the collection from --config when one is given and
// falls back to a plain repository with soft delete and history enabled.
func repositoryConfig(opts docopt.Opts) (config.RepositoryConfig, error) {
	collection, _ := opts.String("--collection")

	path, _ := opts.String("--config")
	if path == "" {
		return config.RepositoryConfig{
			Collection:   collection,
			SoftDelete:   true,
			History:      config.HistoryConfig{Enabled: true},
			OfflineQueue: config.OfflineQueueConfig{Durable: true},
		}, nil
	}

	doc, err := config.LoadFile(path)
	if err != nil {
		return config.RepositoryConfig{}, err
	}

	cfg, ok := doc.Repository(collection)
	if !ok {
		return config.RepositoryConfig{}, fmt.Errorf("collection %s is not configured in %s", collection, path)
	}

	return cfg, nil
}

func run(ctx context.Context, repo *repository.Repository, opts docopt.Opts) (interface{}, error) {
	id, _ := opts.String("<id>")
	writeOpts := writeOptions(opts)

	switch {
	case flag(opts, "get"):
		return repo.GetByID(ctx, id)
	case flag(opts, "put"):
		data, err := parseDocument(opts)
		if err != nil {
			return nil, err
		}

		id, _ = opts.String("--id")
		if id == "" {
			return repo.Create(ctx, data, writeOpts...)
		}

		return repo.Upsert(ctx, id, data, writeOpts...)
	case flag(opts, "update"):
		data, err := parseDocument(opts)
		if err != nil {
			return nil, err
		}

		return repo.Update(ctx, id, data, writeOpts...)
	case flag(opts, "delete"):
		if flag(opts, "--hard") {
			writeOpts = append(writeOpts, repository.WithHardDelete())
		}

		if err := repo.Delete(ctx, id, writeOpts...); err != nil {
			return nil, err
		}

		return map[string]interface{}{"deleted": id}, nil
	case flag(opts, "find"):
		findOpts, err := findOptions(opts)
		if err != nil {
			return nil, err
		}

		return repo.Find(ctx, findOpts)
	case flag(opts, "history"):
		limit, err := intOption(opts, "--limit")
		if err != nil {
			return nil, err
		}

		return repo.GetHistory(ctx, id, limit)
	case flag(opts, "undo"):
		return repo.Undo(ctx, id)
	case flag(opts, "redo"):
		return repo.Redo(ctx, id)
	case flag(opts, "queue"):
		if flag(opts, "--flush") {
			replayed, err := repo.FlushOfflineQueue(ctx)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{"replayed": replayed, "pending": repo.PendingOperations()}, nil
		}

		return repo.PendingOperations(), nil
	default:
		return nil, fmt.Errorf("no command given")
	}
}

func writeOptions(opts docopt.Opts) []repository.WriteOption {
	var out []repository.WriteOption

	if actor, _ := opts.String("--actor"); actor != "" {
		out = append(out, repository.WithActor(actor))
	}

	if reason, _ := opts.String("--reason"); reason != "" {
		out = append(out, repository.WithReason(reason))
	}

	return out
}

func parseDocument(opts docopt.Opts) (persistence.Document, error) {
	raw, _ := opts.String("<json>")

	var doc persistence.Document
	if err := safejson.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("document is not a JSON object: %w", err)
	}

	return doc, nil
}

func flag(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)

	return v
}
