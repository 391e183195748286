// Package transcoder runs ffmpeg and ffprobe on behalf of the encode workers.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EncodeJob describes one rendition to produce from a local source file.
type EncodeJob struct {
	Input            string
	Output           string
	Encoder          string
	Height           int
	BitrateKbps      int
	AudioBitrateKbps int
}

// Runner is the process-execution capability used by the workers. Encode and
// Thumbnail enforce a hard deadline and terminate the process when it is
// breached.
type Runner interface {
	Encode(ctx context.Context, job EncodeJob) error
	Probe(ctx context.Context, input string) (time.Duration, error)
	Thumbnail(ctx context.Context, input, output string, offset time.Duration) error
}

// Failure reports an ffmpeg or ffprobe invocation that did not complete.
// Timeout distinguishes a deadline-forced termination from the process
// exiting on its own.
type Failure struct {
	Op      string
	Timeout bool
	Err     error
}

func (f *Failure) Error() string {
	if f.Timeout {
		return fmt.Sprintf("%s: deadline exceeded", f.Op)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsTimeout reports whether err is a Failure forced by a breached deadline.
func IsTimeout(err error) bool {
	var failure *Failure
	return errors.As(err, &failure) && failure.Timeout
}
