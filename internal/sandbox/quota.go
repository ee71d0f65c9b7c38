package sandbox

import "fmt"

// MaxHTTPCalls is the per-invocation ceiling on outbound HTTP requests.
const MaxHTTPCalls = 20

// quota holds the per-invocation resource counters. It is only touched from
// the goroutine evaluating the script, so it needs no lock. Counters never
// reset; the quota is discarded with the invocation.
type quota struct {
	httpCalls    int
	maxHTTPCalls int
}

func newQuota() *quota {
	return &quota{maxHTTPCalls: MaxHTTPCalls}
}

// takeHTTP counts one outbound request and fails once the ceiling is passed.
func (q *quota) takeHTTP() error {
	q.httpCalls++
	if q.httpCalls > q.maxHTTPCalls {
		return fmt.Errorf("%w (limit %d)", ErrTooManyRequests, q.maxHTTPCalls)
	}
	return nil
}

// HTTPCalls returns the number of requests attempted, including a rejected one.
func (q *quota) HTTPCalls() int {
	return q.httpCalls
}
