package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/voxflow/pkg/schema"
)

func BenchmarkEventLog_AppendEvent(b *testing.B) {
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		b.Fatal(err)
	}

	id := uuid.New().String()
	if err := s.CreateSession(ctx, &Session{ID: id, RoomName: "bench", ExpiresAt: time.Now()}); err != nil {
		b.Fatal(err)
	}
	el := NewEventLog(s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := el.AppendEvent(ctx, &schema.SessionEvent{SessionID: id, Type: schema.EventNodeEntered, NodeID: "start"}); err != nil {
			b.Fatal(err)
		}
	}
}
