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

// Package sentry reports unrecoverable issues from the docrepo binaries.
//
// Library packages never call into this package. They hand errors back to
// their caller, and cmd/ decides what is worth reporting.
package sentry

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const (
	// DefaultAppVersion is the version of binaries built without ldflags.
	DefaultAppVersion = "0.0.0-dev"

	environmentDevelopment = "development"
	environmentProduction  = "production"

	debounceWindow = 2 * time.Hour
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

var (
	shouldDebounce = true
	enabled        bool

	lastSentMu sync.Mutex
	lastSent   = map[IssueType]time.Time{}
)

// InitSentry initialises the sentry client from SENTRY_DSN. Local builds and an
// empty DSN leave reporting disabled, so issues are only logged.
func InitSentry(appVersion string, debounceErrors bool) {
	shouldDebounce = debounceErrors

	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" || appVersion == "" || appVersion == DefaultAppVersion {
		zap.S().Debug("Sentry disabled")

		return
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environmentFor(appVersion),
		Release:     "docrepo@" + appVersion,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)

		return
	}

	enabled = true
}

func environmentFor(appVersion string) string {
	version, err := semver.NewVersion(appVersion)
	if err != nil || version.Prerelease() != "" {
		return environmentDevelopment
	}

	return environmentProduction
}

// ReportIssue logs err and forwards it to sentry. Warnings and errors are
// debounced per type; fatal issues are always sent and flushed.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional tags. Scalar values
// become tags, anything else goes into the event's extra data.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorf("docrepo has encountered a fatal error: %s", err)
	case IssueTypeError:
		if debounced(issueType) {
			return
		}

		log.Error(err)
	case IssueTypeWarning:
		if debounced(issueType) {
			return
		}

		log.Warn(err)
	}

	if !enabled {
		return
	}

	sentry.CaptureEvent(createEvent(levelFor(issueType), err, context))

	if issueType == IssueTypeFatal {
		sentry.Flush(5 * time.Second)
	}
}

func debounced(issueType IssueType) bool {
	if !shouldDebounce {
		return false
	}

	lastSentMu.Lock()
	defer lastSentMu.Unlock()

	if last, ok := lastSent[issueType]; ok && time.Since(last) < debounceWindow {
		return true
	}

	lastSent[issueType] = time.Now()

	return false
}

func levelFor(issueType IssueType) sentry.Level {
	switch issueType {
	case IssueTypeFatal:
		return sentry.LevelFatal
	case IssueTypeError:
		return sentry.LevelError
	default:
		return sentry.LevelWarning
	}
}

func meaningfulTitle(err error) string {
	message := err.Error()

	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createEvent(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       meaningfulTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	for key, value := range context {
		switch v := value.(type) {
		case string:
			event.Tags[key] = v
		case int, int64, float64, bool:
			event.Tags[key] = fmt.Sprint(v)
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]interface{})
			}

			event.Extra[key] = v
		}

		if key == "operation" || key == "collection" {
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}
