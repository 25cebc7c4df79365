package scheduler

import (
	"context"
	"testing"
	"time"
)

func BenchmarkSubmit(b *testing.B) {
	s := New(1_000_000, 1_000_000)
	defer s.Close()

	noop := func(ctx context.Context) (any, error) { return nil, nil }
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		<-s.Submit(context.Background(), now, noop)
	}
}
