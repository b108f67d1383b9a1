package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/pushline/internal/payload"
	"github.com/adred-codev/pushline/internal/shared/kafka"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/rs/zerolog"
)

// PresenceQuerier resolves user ids to their live devices
type PresenceQuerier interface {
	Query(ctx context.Context, userIDs []int64) ([]types.PresenceRecord, error)
}

// TaskSink accepts push tasks, blocking while it is saturated
type TaskSink interface {
	Push(ctx context.Context, task types.PushTask) error
}

// Service resolves each consumed record to its online recipients and submits
// one PushTask per destination gateway.
//
// Delivery is best-effort: undecodable records, offline users and presence
// failures are logged and skipped, never retried.
type Service struct {
	presence PresenceQuerier
	sink     TaskSink
	logger   zerolog.Logger
}

func NewService(presence PresenceQuerier, sink TaskSink, logger zerolog.Logger) *Service {
	return &Service{
		presence: presence,
		sink:     sink,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch handles one consumed batch. It only fails when the sink refuses a
// task, which means the pipeline is shutting down and the batch must not be
// committed.
func (s *Service) Dispatch(ctx context.Context, messages []kafka.Message) error {
	for _, msg := range messages {
		if err := s.dispatchOne(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dispatchOne(ctx context.Context, msg kafka.Message) error {
	logger := s.logger.With().
		Bytes("key", msg.Key).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	decoded, err := payload.Decode(msg.Value)
	if err != nil {
		monitoring.RecordDispatch(monitoring.DispatchOutcomeDecodeError)
		logger.Warn().Err(err).Msg("Skipping undecodable push payload")
		return nil
	}

	recipients := decoded.Recipients()
	if len(recipients) == 0 {
		monitoring.RecordDispatch(monitoring.DispatchOutcomeNoRecipients)
		logger.Debug().Str("kind", string(decoded.Kind)).Msg("Push payload has no recipients")
		return nil
	}

	start := time.Now()
	records, err := s.presence.Query(ctx, recipients)
	monitoring.ObservePresenceLookup(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.RecordDispatch(monitoring.DispatchOutcomePresenceError)
		logger.Warn().Err(err).Int("recipients", len(recipients)).Msg("Presence lookup failed, dropping push")
		return nil
	}

	if len(records) == 0 {
		monitoring.RecordDispatch(monitoring.DispatchOutcomeOffline)
		logger.Debug().Int("recipients", len(recipients)).Msg("No recipient online")
		return nil
	}

	tasks := GroupByAddress(records, msg.Value)
	for _, task := range tasks {
		if err := s.sink.Push(ctx, task); err != nil {
			return fmt.Errorf("dispatch: submit push task for %s: %w", task.Address, err)
		}
	}

	monitoring.AddDispatchTasks(len(tasks))
	monitoring.RecordDispatch(monitoring.DispatchOutcomeDispatched)
	logger.Debug().
		Int("recipients", len(recipients)).
		Int("devices", len(records)).
		Int("tasks", len(tasks)).
		Msg("Push dispatched")
	return nil
}

// GroupByAddress builds one task per destination gateway. Destinations keep
// first-seen order and records keep resolution order within a destination.
func GroupByAddress(records []types.PresenceRecord, raw []byte) []types.PushTask {
	index := make(map[types.GatewayAddress]int)
	var tasks []types.PushTask

	for _, record := range records {
		i, ok := index[record.Address]
		if !ok {
			i = len(tasks)
			index[record.Address] = i
			tasks = append(tasks, types.PushTask{Address: record.Address, Payload: raw})
		}
		tasks[i].Records = append(tasks[i].Records, record)
	}
	return tasks
}
