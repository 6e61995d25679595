// Package callroom keeps the backend-owned call rooms in Redis. A room is
// keyed by appointment, holds at most two occupants (connection ids), and
// rings until its second occupant arrives or the ring deadline passes.
package callroom

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/medilink/realtime/internal/protocol"
)

const (
	RoomPrefix        = "callroom:"
	AppointmentPrefix = "callroom:appointment:"
	RingingKey        = "callroom:ringing"
	RoomTTL           = 2 * time.Hour

	// MaxOccupants is the number of participants a call room admits.
	MaxOccupants = 2
)

var (
	// ErrNotFound is returned for an unknown room id.
	ErrNotFound = errors.New("callroom: room not found")
	// ErrRoomFull is returned when a third connection tries to join.
	ErrRoomFull = errors.New("callroom: room is full")
)

// Room is the client-visible state of a call room.
type Room struct {
	ID            string              `json:"room_id"`
	AppointmentID string              `json:"appointment_id"`
	CreatedAt     int64               `json:"created_at"`
	Occupants     []protocol.Occupant `json:"occupants"`
}

// Store manages call rooms in Redis.
type Store struct {
	rdb         *redis.Client
	ringTimeout time.Duration
	joinScript  *redis.Script
	leaveScript *redis.Script
}

// NewStore creates a call room store backed by Redis.
func NewStore(rdb *redis.Client, ringTimeout time.Duration) *Store {
	return &Store{
		rdb:         rdb,
		ringTimeout: ringTimeout,
		joinScript:  redis.NewScript(joinRoomLua),
		leaveScript: redis.NewScript(leaveRoomLua),
	}
}

func occupantsKey(roomID string) string { return RoomPrefix + roomID + ":occupants" }

// Create returns the room for appointmentID, creating it on first use.
func (s *Store) Create(ctx context.Context, appointmentID string) (*Room, error) {
	if appointmentID == "" {
		return nil, fmt.Errorf("callroom: appointment id is required")
	}

	aptKey := AppointmentPrefix + appointmentID
	roomID := uuid.New().String()

	created, err := s.rdb.SetNX(ctx, aptKey, roomID, RoomTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("callroom: create: %w", err)
	}
	if !created {
		existing, err := s.rdb.Get(ctx, aptKey).Result()
		if err != nil {
			return nil, fmt.Errorf("callroom: lookup appointment: %w", err)
		}
		room, err := s.Info(ctx, existing)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// The room hash expired before the appointment key; reuse the id.
		roomID = existing
	}

	now := time.Now().Unix()
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, RoomPrefix+roomID, map[string]interface{}{
		"id":             roomID,
		"appointment_id": appointmentID,
		"created_at":     now,
	})
	pipe.Expire(ctx, RoomPrefix+roomID, RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("callroom: create: %w", err)
	}

	return &Room{ID: roomID, AppointmentID: appointmentID, CreatedAt: now, Occupants: []protocol.Occupant{}}, nil
}

// Info returns the room and its current occupants.
func (s *Store) Info(ctx context.Context, roomID string) (*Room, error) {
	result, err := s.rdb.HGetAll(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("callroom: info: %w", err)
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}

	occ, err := s.rdb.HGetAll(ctx, occupantsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("callroom: occupants: %w", err)
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	room := &Room{
		ID:            roomID,
		AppointmentID: result["appointment_id"],
		CreatedAt:     createdAt,
		Occupants:     make([]protocol.Occupant, 0, len(occ)),
	}
	for connID, userID := range occ {
		room.Occupants = append(room.Occupants, protocol.Occupant{ConnectionID: connID, UserID: userID})
	}
	return room, nil
}

// Join atomically adds connID to the room and returns the other occupants.
// The first occupant starts the ring deadline; the second one stops it.
func (s *Store) Join(ctx context.Context, roomID, connID, userID string) ([]protocol.Occupant, error) {
	deadline := time.Now().Add(s.ringTimeout).Unix()
	keys := []string{RoomPrefix + roomID, occupantsKey(roomID), RingingKey}

	res, err := s.joinScript.Run(ctx, s.rdb, keys, connID, userID, MaxOccupants, deadline, roomID).Slice()
	if err != nil {
		return nil, fmt.Errorf("callroom: join: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("callroom: join: empty script result")
	}

	code, _ := res[0].(int64)
	switch code {
	case -1:
		return nil, ErrNotFound
	case -2:
		return nil, ErrRoomFull
	}

	others := make([]protocol.Occupant, 0, MaxOccupants-1)
	for i := 1; i+1 < len(res); i += 2 {
		id, _ := res[i].(string)
		uid, _ := res[i+1].(string)
		if id == connID {
			continue
		}
		others = append(others, protocol.Occupant{ConnectionID: id, UserID: uid})
	}
	return others, nil
}

// Leave removes connID from the room and returns how many occupants remain.
func (s *Store) Leave(ctx context.Context, roomID, connID string) (int, error) {
	keys := []string{occupantsKey(roomID), RingingKey}
	n, err := s.leaveScript.Run(ctx, s.rdb, keys, connID, roomID).Int()
	if err != nil {
		return 0, fmt.Errorf("callroom: leave: %w", err)
	}
	return n, nil
}

// ExpiredRinging returns rooms whose ring deadline is at or before now.
func (s *Store) ExpiredRinging(ctx context.Context, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, RingingKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
}

// ClaimExpired removes roomID from the ringing set. Only the caller that
// actually removed it gets true, so concurrent sweepers report each timeout
// once.
func (s *Store) ClaimExpired(ctx context.Context, roomID string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, RingingKey, roomID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// joinRoomLua returns {code, conn1, user1, conn2, user2, ...}.
//
//	 0 = joined (or already present)
//	-1 = room not found
//	-2 = room full
const joinRoomLua = `
local room = KEYS[1]
local occupants = KEYS[2]
local ringing = KEYS[3]
local conn_id = ARGV[1]
local user_id = ARGV[2]
local max = tonumber(ARGV[3])
local deadline = ARGV[4]
local room_id = ARGV[5]

if redis.call('EXISTS', room) == 0 then return {-1} end

if redis.call('HEXISTS', occupants, conn_id) == 0 then
    if redis.call('HLEN', occupants) >= max then return {-2} end
    redis.call('HSET', occupants, conn_id, user_id)
end

local n = redis.call('HLEN', occupants)
if n == 1 then
    redis.call('ZADD', ringing, deadline, room_id)
else
    redis.call('ZREM', ringing, room_id)
end
redis.call('EXPIRE', occupants, 7200)

local result = {0}
local all = redis.call('HGETALL', occupants)
for i = 1, #all do
    result[#result + 1] = all[i]
end
return result
`

// leaveRoomLua removes an occupant and stops ringing once the room is empty.
const leaveRoomLua = `
local occupants = KEYS[1]
local ringing = KEYS[2]
redis.call('HDEL', occupants, ARGV[1])
local n = redis.call('HLEN', occupants)
if n == 0 then
    redis.call('DEL', occupants)
    redis.call('ZREM', ringing, ARGV[2])
end
return n
`
