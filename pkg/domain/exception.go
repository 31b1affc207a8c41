package domain

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ExceptionRecords flattens err into one record per link of its wrap chain,
// outermost first. Joined errors contribute every branch. extra is copied
// into each record together with the link depth.
func ExceptionRecords(err error, host string, extra map[string]string, at time.Time) []ExceptionRecord {
	if err == nil {
		return nil
	}
	var out []ExceptionRecord
	type link struct {
		err   error
		depth int
	}
	queue := []link{{err: err}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		rec := ExceptionRecord{
			ID:         uuid.NewString(),
			Kind:       ErrorKind(cur.err),
			Message:    cur.err.Error(),
			OriginHost: host,
			Timestamp:  at.UTC(),
			Extra:      make(map[string]string, len(extra)+1),
		}
		for k, v := range extra {
			rec.Extra[k] = v
		}
		rec.Extra["depth"] = strconv.Itoa(cur.depth)
		out = append(out, rec)

		switch u := cur.err.(type) {
		case interface{ Unwrap() []error }:
			for _, next := range u.Unwrap() {
				if next != nil {
					queue = append(queue, link{err: next, depth: cur.depth + 1})
				}
			}
		default:
			if next := errors.Unwrap(cur.err); next != nil {
				queue = append(queue, link{err: next, depth: cur.depth + 1})
			}
		}
	}
	return out
}
