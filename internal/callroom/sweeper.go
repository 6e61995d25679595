package callroom

import (
	"context"
	"log"
	"time"
)

const sweepInterval = 2 * time.Second

// StartRingSweeper runs until ctx is cancelled, reporting every room whose
// ring deadline passed without a second occupant. onTimeout is called once
// per expired room.
func StartRingSweeper(ctx context.Context, store *Store, onTimeout func(roomID string)) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[callroom] ring sweeper stopped")
			return
		case <-ticker.C:
			sweepExpired(ctx, store, time.Now(), onTimeout)
		}
	}
}

// sweepExpired claims and reports expired ringing rooms.
func sweepExpired(ctx context.Context, store *Store, now time.Time, onTimeout func(roomID string)) int {
	roomIDs, err := store.ExpiredRinging(ctx, now)
	if err != nil {
		log.Printf("[callroom] sweep: failed to read ringing set: %v", err)
		return 0
	}

	reported := 0
	for _, roomID := range roomIDs {
		claimed, err := store.ClaimExpired(ctx, roomID)
		if err != nil {
			log.Printf("[callroom] sweep: claim %s: %v", roomID, err)
			continue
		}
		if !claimed {
			continue
		}
		log.Printf("[callroom] ring timeout for room=%s", roomID)
		onTimeout(roomID)
		reported++
	}
	return reported
}
