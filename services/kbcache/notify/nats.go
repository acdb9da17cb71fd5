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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/AleutianAI/kbcache/services/kbcache/telemetry"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty.
const DefaultSubjectPrefix = "kbcache"

// publisher is the subset of *nats.Conn used by NATSNotifier.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSConfig configures a NATSNotifier.
type NATSConfig struct {
	// URL of the NATS server, e.g. nats://127.0.0.1:4222.
	URL string

	// SubjectPrefix is prepended to ".notice" and ".event".
	SubjectPrefix string

	// Name is the client connection name.
	Name string

	// Logger receives publish failures. Default: slog.Default().
	Logger *slog.Logger
}

// NATSNotifier publishes notices and events as JSON messages.
//
// Notices go to <prefix>.notice and events to <prefix>.event. The trace
// context of the caller is propagated in message headers.
type NATSNotifier struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSNotifier connects to NATS.
//
// Outputs:
//
//	*NATSNotifier - Connected notifier. Close it on shutdown.
//	error - Non-nil if the connection cannot be established.
func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	name := cfg.Name
	if name == "" {
		name = "kbcache"
	}
	conn, err := nats.Connect(cfg.URL, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := newNATSNotifier(conn, cfg)
	n.conn = conn
	return n, nil
}

func newNATSNotifier(pub publisher, cfg NATSConfig) *NATSNotifier {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{
		pub:    pub,
		prefix: prefix,
		logger: logger.With(slog.String("component", "notify.nats")),
	}
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, msg Notice) {
	msg.Time = stamp(msg.Time)
	n.publish(ctx, n.prefix+".notice", msg)
}

// Emit implements Notifier.
func (n *NATSNotifier) Emit(ctx context.Context, e Event) {
	e.Time = stamp(e.Time)
	n.publish(ctx, n.prefix+".event", e)
}

func (n *NATSNotifier) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		telemetry.LoggerWithTrace(ctx, n.logger).Warn("marshal notification failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	telemetry.InjectHeader(ctx, msg.Header)

	if err := n.pub.PublishMsg(msg); err != nil {
		telemetry.LoggerWithTrace(ctx, n.logger).Warn("publish notification failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes pending messages and closes the connection.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
