// Package logstream turns a container's attached log output into a channel
// of tagged messages a caller can range over until the container's output
// closes.
package logstream

import (
	"bufio"
	"context"
	"fmt"

	"github.com/kestrelrun/runtime/internal/engine"
)

// Kind tags what a Message carries.
type Kind int

const (
	// Content is one line of container stdout/stderr.
	Content Kind = iota
	// Error reports a failure reading the underlying log stream.
	Error
	// End marks the stream's graceful close; no further messages follow.
	End
)

// Message is one unit of a log stream.
type Message struct {
	Kind Kind
	Text string
}

// Stream follows a container's logs and delivers them as Messages on the
// returned channel. The channel is closed after an End or Error message.
// Cancel ctx to stop following early.
func Stream(ctx context.Context, eng engine.Engine, containerID string) (<-chan Message, error) {
	rc, err := eng.Logs(ctx, containerID, true)
	if err != nil {
		return nil, fmt.Errorf("stream logs for %s: %w", containerID, err)
	}

	out := make(chan Message)

	go func() {
		defer close(out)
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			select {
			case out <- Message{Kind: Content, Text: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case out <- Message{Kind: Error, Text: err.Error()}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- Message{Kind: End}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}
