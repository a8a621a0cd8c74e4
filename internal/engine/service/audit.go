package service

import (
	"context"
	"log/slog"
	"sort"
)

// SlogAuditSink writes authentication audit events to the structured log.
// It satisfies decision.AuditSink.
type SlogAuditSink struct {
	Logger *slog.Logger
}

// NewSlogAuditSink creates an audit sink that emits events on the given
// logger under the "audit" message.
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	return &SlogAuditSink{Logger: logger}
}

// Record emits a single audit event. Keys are sorted so log lines stay
// stable for downstream parsing.
func (s *SlogAuditSink) Record(ctx context.Context, event map[string]string) {
	keys := make([]string, 0, len(event))
	for k := range event {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		attrs = append(attrs, k, event[k])
	}

	s.Logger.InfoContext(ctx, "audit", attrs...)
}
