package exceptionlog

import (
	"context"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"sort"
)

// LogSink writes records to a structured logger at error level.
type LogSink struct {
	logger log.Logger
}

func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, rec domain.ExceptionRecord) error {
	fields := []log.Field{
		log.String("exception_id", rec.ID),
		log.String("kind", rec.Kind),
		log.String("origin_host", rec.OriginHost),
		log.Any("timestamp", rec.Timestamp),
	}
	if rec.Stack != "" {
		fields = append(fields, log.String("stack", rec.Stack))
	}
	keys := make([]string, 0, len(rec.Extra))
	for k := range rec.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, log.String(k, rec.Extra[k]))
	}
	s.logger.Error(rec.Message, fields...)
	return nil
}
