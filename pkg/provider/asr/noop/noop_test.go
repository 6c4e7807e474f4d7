package noop

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/streamscribe/pkg/provider/asr"
)

func TestBackend_Lifecycle(t *testing.T) {
	t.Parallel()
	b := New()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Send([]byte{1, 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := b.Send([]byte{1}); !errors.Is(err, asr.ErrClosed) {
		t.Errorf("Send after Stop = %v, want ErrClosed", err)
	}

	var got []asr.EventType
	for ev := range b.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != asr.EventReady || got[1] != asr.EventClosed {
		t.Errorf("events = %v, want [ready closed]", got)
	}
}
