// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"log/slog"
	"sort"

	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

// LogNotifier writes notices and events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger means slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With(slog.String("component", "notify"))}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notice) {
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	telemetry.LoggerWithTrace(ctx, l.logger).Log(ctx, level, n.Message,
		slog.String("severity", string(n.Severity)),
	)
}

// Emit implements Notifier.
func (l *LogNotifier) Emit(ctx context.Context, e Event) {
	attrs := []any{slog.String("event", e.Name)}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, e.Attributes[k]))
	}
	telemetry.LoggerWithTrace(ctx, l.logger).Info("telemetry event", attrs...)
}
