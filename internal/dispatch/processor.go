package dispatch

import (
	"context"
	"time"

	"github.com/adred-codev/pushline/internal/batch"
	"github.com/adred-codev/pushline/internal/payload"
	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/rs/zerolog"
)

const defaultCallTimeout = 5 * time.Second

// PoolLookup resolves a gateway address to its client
type PoolLookup interface {
	Get(address types.GatewayAddress) (PushClient, bool)
}

// StreamResult describes one finished push stream
type StreamResult struct {
	Address  types.GatewayAddress
	Frames   int
	Ack      *rpc.PushAck
	Err      error
	Duration time.Duration
}

// ProcessorConfig tunes push streaming
type ProcessorConfig struct {
	CallTimeout time.Duration // Deadline of each push stream (default 5s)
	MaxInFlight int           // Concurrent streams per processor (default 1)

	// OnComplete, if set, is called after every stream in addition to the
	// built-in logging and metrics
	OnComplete func(StreamResult)
}

// Processor is the batch processor of the push pipeline. Each flush is split
// by destination and every destination gets exactly one push stream.
//
// Streams run in the background and are not awaited by Process, but the
// number in flight is capped per processor, so a slow gateway eventually
// stalls this worker and the batch queue behind it.
type Processor struct {
	pools  PoolLookup
	config ProcessorConfig
	sem    chan struct{}
	logger zerolog.Logger
}

// NewProcessorFactory returns a factory building one Processor per batch
// worker. The pool lookup is shared; the in-flight limit is per worker.
func NewProcessorFactory(pools PoolLookup, config ProcessorConfig, logger zerolog.Logger) batch.ProcessorFactory[types.PushTask] {
	if config.MaxInFlight < 1 {
		config.MaxInFlight = 1
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	return func(workerID int) batch.Processor[types.PushTask] {
		return &Processor{
			pools:  pools,
			config: config,
			sem:    make(chan struct{}, config.MaxInFlight),
			logger: logger.With().
				Str("component", "push_processor").
				Int("worker_id", workerID).
				Logger(),
		}
	}
}

// Process implements batch.Processor
func (p *Processor) Process(ctx context.Context, tasks []types.PushTask) error {
	order, groups := groupTasks(tasks)

	for _, address := range order {
		client, ok := p.pools.Get(address)
		if !ok {
			monitoring.RecordPushGroupDropped(monitoring.DropReasonUnroutable)
			p.logger.Warn().
				Str("address", address.String()).
				Int("tasks", len(groups[address])).
				Msg("No pool for gateway, dropping push group")
			continue
		}

		frames := p.buildFrames(groups[address])
		if len(frames) == 0 {
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		go p.stream(ctx, client, address, frames)
	}

	return nil
}

// groupTasks splits tasks by destination, keeping first-seen order of
// destinations and submission order within each
func groupTasks(tasks []types.PushTask) ([]types.GatewayAddress, map[types.GatewayAddress][]types.PushTask) {
	var order []types.GatewayAddress
	groups := make(map[types.GatewayAddress][]types.PushTask)
	for _, task := range tasks {
		if _, ok := groups[task.Address]; !ok {
			order = append(order, task.Address)
		}
		groups[task.Address] = append(groups[task.Address], task)
	}
	return order, groups
}

// buildFrames emits one frame per (message, recipient) pair in grouping order
func (p *Processor) buildFrames(tasks []types.PushTask) []rpc.PushFrame {
	var frames []rpc.PushFrame
	for _, task := range tasks {
		decoded, err := payload.Decode(task.Payload)
		if err != nil {
			monitoring.RecordPushGroupDropped(monitoring.DropReasonDecodeError)
			p.logger.Warn().Err(err).Str("address", task.Address.String()).Msg("Dropping undecodable push task")
			continue
		}

		for _, record := range task.Records {
			frames = append(frames, rpc.PushFrame{
				UserID:      record.UserID,
				DeviceID:    record.DeviceID,
				MessageType: decoded.MessageTypeFor(record.UserID),
				Payload:     task.Payload,
			})
		}
	}
	return frames
}

func (p *Processor) stream(ctx context.Context, client PushClient, address types.GatewayAddress, frames []rpc.PushFrame) {
	defer func() { <-p.sem }()
	defer monitoring.RecoverPanic(p.logger, "push_stream", map[string]any{"address": address.String()})

	callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
	defer cancel()

	start := time.Now()
	ack, err := client.Push(callCtx, frames)

	p.complete(StreamResult{
		Address:  address,
		Frames:   len(frames),
		Ack:      ack,
		Err:      err,
		Duration: time.Since(start),
	})
}

func (p *Processor) complete(result StreamResult) {
	seconds := result.Duration.Seconds()

	if result.Err != nil {
		monitoring.RecordPushStream("error", seconds)
		monitoring.RecordPushGroupDropped(monitoring.DropReasonStreamError)
		p.logger.Warn().
			Err(result.Err).
			Str("address", result.Address.String()).
			Int("frames", result.Frames).
			Dur("duration", result.Duration).
			Msg("Push stream failed")
	} else {
		monitoring.RecordPushStream("ok", seconds)
		monitoring.AddPushFramesSent(result.Frames)

		event := p.logger.Debug().
			Str("address", result.Address.String()).
			Int("frames", result.Frames).
			Dur("duration", result.Duration)
		if result.Ack != nil {
			event = event.Int("received", result.Ack.Received).Int("delivered", result.Ack.Delivered)
		}
		event.Msg("Push stream acknowledged")
	}

	if p.config.OnComplete != nil {
		p.config.OnComplete(result)
	}
}
