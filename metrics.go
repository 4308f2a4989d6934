package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/median-dxz/med-accord-server/internal/core"
)

// RunMetrics logs room activity every interval until ctx is canceled. Quiet
// intervals with nobody online and no new messages are skipped.
func RunMetrics(ctx context.Context, rooms *core.RoomRegistry, members *core.MemberDirectory, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastMessages := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, st := range rooms.Stats() {
				total += st.Messages
			}
			online := members.OnlineCount()
			posted := total - lastMessages
			lastMessages = total
			if online == 0 && posted == 0 {
				continue
			}
			slog.Info("metrics",
				"rooms", rooms.Len(),
				"online", online,
				"messages", total,
				"messages_per_sec", float64(posted)/interval.Seconds(),
			)
		}
	}
}
