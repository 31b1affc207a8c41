// Package exceptionlog persists exception records: to the structured log, to
// an application_exception table, or as JSON objects in a blob archive.
package exceptionlog

import (
	"context"
	"errors"
	"persistcore/pkg/domain"
	"time"
)

// Report records err on sink as one record per link of its wrap chain. It
// stops at the first sink failure and returns it.
func Report(ctx context.Context, sink domain.ExceptionSink, err error, host string, extra map[string]string) error {
	if sink == nil || err == nil {
		return nil
	}
	for _, rec := range domain.ExceptionRecords(err, host, extra, time.Now()) {
		if serr := sink.Record(ctx, rec); serr != nil {
			return serr
		}
	}
	return nil
}

// Multi fans a record out to every sink and joins their failures.
type Multi []domain.ExceptionSink

func (m Multi) Record(ctx context.Context, rec domain.ExceptionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
