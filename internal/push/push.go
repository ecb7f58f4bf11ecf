// Package push sends notifications to device tokens. Callers depend on the
// Sender interface; FCMSender talks to Firebase Cloud Messaging and
// LogSender is used when mock_services is on.
package push

import (
	"context"
	"errors"
)

// MaxBatchSize is the FCM ceiling for one SendEach call.
const MaxBatchSize = 500

// ErrBatchFailed wraps a failure of the whole batch call. Per-message
// failures are reported in Result instead.
var ErrBatchFailed = errors.New("push: batch send failed")

type Message struct {
	Token    string
	Platform string
	Title    string
	Body     string
	Data     map[string]string
	Badge    int
}

type Result struct {
	Token     string
	MessageID string
	Err       error

	// Unregistered is set when the provider reports the token as invalid
	// or no longer registered. The registration should be deleted.
	Unregistered bool
}

func (r Result) Success() bool {
	return r.Err == nil
}

// Sender delivers one batch. The returned results are index-aligned with
// msgs. A non-nil error means no per-message results are available.
type Sender interface {
	SendBatch(ctx context.Context, msgs []Message) ([]Result, error)
}

// Batches splits msgs into chunks of at most size.
func Batches(msgs []Message, size int) [][]Message {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	var out [][]Message
	for len(msgs) > 0 {
		n := size
		if len(msgs) < n {
			n = len(msgs)
		}
		out = append(out, msgs[:n:n])
		msgs = msgs[n:]
	}
	return out
}
