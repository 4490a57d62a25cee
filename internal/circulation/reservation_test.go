package circulation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestReindex(t *testing.T) {
	t.Run("already gap-free needs no updates", func(t *testing.T) {
		active := []Reservation{
			{ID: 10, QueuePosition: 1},
			{ID: 11, QueuePosition: 2},
			{ID: 12, QueuePosition: 3},
		}
		assert.Empty(t, reindex(active))
	})

	t.Run("closes gap left in the middle", func(t *testing.T) {
		active := []Reservation{
			{ID: 10, QueuePosition: 1},
			{ID: 12, QueuePosition: 3},
			{ID: 13, QueuePosition: 4},
		}
		assert.Equal(t, map[int64]int{12: 2, 13: 3}, reindex(active))
	})

	t.Run("head removal shifts everyone up", func(t *testing.T) {
		active := []Reservation{
			{ID: 11, QueuePosition: 2},
			{ID: 12, QueuePosition: 3},
		}
		assert.Equal(t, map[int64]int{11: 1, 12: 2}, reindex(active))
	})

	t.Run("empty queue", func(t *testing.T) {
		assert.Empty(t, reindex(nil))
	})
}

// The pickup notice must address the queue head, not the returning member;
// without a recipient the mailer drops the event.
func TestReservationReadyEventAddressesQueueHead(t *testing.T) {
	head := &Reservation{
		ID:        4,
		ISBN:      "978-1",
		MemberID:  9,
		ExpiresAt: time.Date(2026, 3, 18, 10, 0, 0, 0, time.UTC),
	}

	ev := reservationReadyEvent(head, "Dune", "kid@school.test")

	assert.Equal(t, EventReservationReady, ev.Type)
	assert.Equal(t, "kid@school.test", ev.Payload["member_email"])
	assert.Equal(t, "9", ev.Payload["member_id"])
}

// After applying reindex to any ordered queue, positions are exactly 1..N in
// the original relative order.
func TestReindexRestoresDenseSequence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "n")

		// Strictly increasing positions with arbitrary gaps, as left behind
		// by cancellations and expiries.
		active := make([]Reservation, n)
		pos := 0
		for i := range active {
			pos += rapid.IntRange(1, 5).Draw(t, "gap")
			active[i] = Reservation{ID: int64(i + 1), QueuePosition: pos}
		}

		updates := reindex(active)

		for i := range active {
			if want, ok := updates[active[i].ID]; ok {
				active[i].QueuePosition = want
			}
		}
		for i, r := range active {
			if r.QueuePosition != i+1 {
				t.Fatalf("position %d at index %d, want %d", r.QueuePosition, i, i+1)
			}
		}
	})
}
