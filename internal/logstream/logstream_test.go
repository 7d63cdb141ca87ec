package logstream

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kestrelrun/runtime/internal/engine"
)

type fakeLogEngine struct {
	body string
}

func (f *fakeLogEngine) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	return "", nil
}
func (f *fakeLogEngine) Start(ctx context.Context, id string) error { return nil }
func (f *fakeLogEngine) Remove(ctx context.Context, id string, force bool) error { return nil }
func (f *fakeLogEngine) Inspect(ctx context.Context, id string) (engine.ContainerStatus, error) {
	return engine.ContainerStatus{}, nil
}
func (f *fakeLogEngine) AttachOutput(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}
func (f *fakeLogEngine) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeLogEngine) WaitForReady(ctx context.Context, id string) (bool, error) {
	return true, nil
}

func drain(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for log stream")
		}
	}
}

func TestStreamDeliversLinesThenEnd(t *testing.T) {
	eng := &fakeLogEngine{body: "line one\nline two\n"}
	ch, err := Stream(context.Background(), eng, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages := drain(t, ch)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages (2 content + end), got %d: %+v", len(messages), messages)
	}
	if messages[0].Kind != Content || messages[0].Text != "line one" {
		t.Fatalf("unexpected first message: %+v", messages[0])
	}
	if messages[1].Kind != Content || messages[1].Text != "line two" {
		t.Fatalf("unexpected second message: %+v", messages[1])
	}
	if messages[2].Kind != End {
		t.Fatalf("expected End, got %+v", messages[2])
	}
}

func TestStreamEmptyBodyYieldsJustEnd(t *testing.T) {
	eng := &fakeLogEngine{body: ""}
	ch, err := Stream(context.Background(), eng, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages := drain(t, ch)
	if len(messages) != 1 || messages[0].Kind != End {
		t.Fatalf("expected single End message, got %+v", messages)
	}
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	eng := &fakeLogEngine{body: "line one\n"}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := Stream(ctx, eng, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	// The stream must close (not hang) once the context is canceled,
	// regardless of how many messages made it through beforehand.
	for range ch {
	}
}
