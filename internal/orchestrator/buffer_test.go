package orchestrator

import (
	"bytes"
	"testing"
)

func TestCircularBuffer_ConcatenatesUntilFlush(t *testing.T) {
	t.Parallel()
	b := NewCircularBuffer(0)

	b.Add([]byte{1, 2})
	b.Add(nil)
	b.Add([]byte{3, 4, 5, 6})
	if got := b.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Bytes = %v", got)
	}
	if b.Len() != 6 {
		t.Errorf("Len = %d, want 6", b.Len())
	}

	b.Flush()
	if b.Len() != 0 || len(b.Bytes()) != 0 {
		t.Errorf("buffer not empty after Flush: %v", b.Bytes())
	}
	b.Add([]byte{7, 8})
	if got := b.Bytes(); !bytes.Equal(got, []byte{7, 8}) {
		t.Errorf("Bytes after flush = %v", got)
	}
}

func TestCircularBuffer_CopiesInput(t *testing.T) {
	t.Parallel()
	b := NewCircularBuffer(0)
	in := []byte{1, 2}
	b.Add(in)
	in[0] = 9
	if got := b.Bytes(); got[0] != 1 {
		t.Errorf("buffer aliases caller memory: %v", got)
	}
}

func TestCircularBuffer_EvictsOldest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		capacity    int
		adds        [][]byte
		want        []byte
		wantDropped int64
	}{
		{
			name:     "fits",
			capacity: 6,
			adds:     [][]byte{{1, 2}, {3, 4}, {5, 6}},
			want:     []byte{1, 2, 3, 4, 5, 6},
		},
		{
			name:        "whole chunk evicted",
			capacity:    4,
			adds:        [][]byte{{1, 2}, {3, 4}, {5, 6}},
			want:        []byte{3, 4, 5, 6},
			wantDropped: 2,
		},
		{
			name:        "partial chunk trimmed",
			capacity:    4,
			adds:        [][]byte{{1, 2, 3, 4}, {5, 6}},
			want:        []byte{3, 4, 5, 6},
			wantDropped: 2,
		},
		{
			name:        "oversized chunk keeps tail",
			capacity:    4,
			adds:        [][]byte{{1, 2}, {3, 4, 5, 6, 7, 8}},
			want:        []byte{5, 6, 7, 8},
			wantDropped: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewCircularBuffer(tt.capacity)
			for _, c := range tt.adds {
				b.Add(c)
			}
			if got := b.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("Bytes = %v, want %v", got, tt.want)
			}
			if b.Len() != len(tt.want) {
				t.Errorf("Len = %d, want %d", b.Len(), len(tt.want))
			}
			if b.Dropped() != tt.wantDropped {
				t.Errorf("Dropped = %d, want %d", b.Dropped(), tt.wantDropped)
			}
		})
	}
}
