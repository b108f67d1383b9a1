// Package presence keeps the user -> device -> gateway mapping in Redis.
// Gateways publish and withdraw their sessions; the presence service answers
// dispatcher queries from the same hashes.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "presence:"

// withdrawScript deletes the device field only while it still points at the
// withdrawing gateway, so a session that moved to another node survives.
var withdrawScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// Store reads and writes presence hashes: presence:<userId> field <deviceId>
// holds the serving gateway address.
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStore wraps client. ttl is refreshed on every publish; zero keeps
// entries until withdrawn.
func NewStore(client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "presence_store").Logger(),
	}
}

// Key returns the hash holding userID's devices
func Key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// Publish records that rec's device is served by rec.Address
func (s *Store) Publish(ctx context.Context, rec types.PresenceRecord) error {
	key := Key(rec.UserID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, rec.DeviceID, rec.Address.String())
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		monitoring.IncrementPresenceErrors("publish")
		return fmt.Errorf("presence: publish %s/%s: %w", key, rec.DeviceID, err)
	}

	s.logger.Debug().
		Int64("user_id", rec.UserID).
		Str("device_id", rec.DeviceID).
		Str("address", rec.Address.String()).
		Msg("Presence published")
	return nil
}

// Withdraw removes rec's device if it is still mapped to rec.Address
func (s *Store) Withdraw(ctx context.Context, rec types.PresenceRecord) error {
	removed, err := withdrawScript.Run(ctx, s.client, []string{Key(rec.UserID)}, rec.DeviceID, rec.Address.String()).Int()
	if err != nil {
		monitoring.IncrementPresenceErrors("withdraw")
		return fmt.Errorf("presence: withdraw %d/%s: %w", rec.UserID, rec.DeviceID, err)
	}

	s.logger.Debug().
		Int64("user_id", rec.UserID).
		Str("device_id", rec.DeviceID).
		Bool("removed", removed == 1).
		Msg("Presence withdrawn")
	return nil
}

// Query returns every live device of userIDs. Users keep the requested order;
// devices of one user are sorted by id.
func (s *Store) Query(ctx context.Context, userIDs []int64) ([]types.PresenceRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, Key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		monitoring.IncrementPresenceErrors("query")
		return nil, fmt.Errorf("presence: query %d users: %w", len(userIDs), err)
	}

	var records []types.PresenceRecord
	for i, id := range userIDs {
		devices := cmds[i].Val()
		deviceIDs := make([]string, 0, len(devices))
		for deviceID := range devices {
			deviceIDs = append(deviceIDs, deviceID)
		}
		sort.Strings(deviceIDs)

		for _, deviceID := range deviceIDs {
			records = append(records, types.PresenceRecord{
				UserID:   id,
				DeviceID: deviceID,
				Address:  types.GatewayAddress(devices[deviceID]),
			})
		}
	}
	return records, nil
}
