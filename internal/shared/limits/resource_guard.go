package limits

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUSampler returns the current CPU usage percentage
type CPUSampler func() (float64, error)

// HostCPUPercent samples host-wide CPU over a short window via gopsutil
func HostCPUPercent() (float64, error) {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no CPU data")
	}
	return percents[0], nil
}

// ResourceGuardConfig holds static admission limits
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent; 0 disables the CPU brake

	// Sampler defaults to HostCPUPercent
	Sampler CPUSampler
}

// ResourceGuard decides whether a new session may be admitted.
//
// Checks are static: a hard connection cap and a CPU emergency brake fed by
// StartMonitoring. Nothing is auto-tuned.
type ResourceGuard struct {
	config      ResourceGuardConfig
	logger      zerolog.Logger
	connections func() int

	currentCPU atomic.Uint64 // math.Float64bits
}

// NewResourceGuard creates a guard. connections reports the live session count.
func NewResourceGuard(config ResourceGuardConfig, connections func() int, logger zerolog.Logger) *ResourceGuard {
	if config.Sampler == nil {
		config.Sampler = HostCPUPercent
	}

	rg := &ResourceGuard{
		config:      config,
		logger:      logger.With().Str("component", "resource_guard").Logger(),
		connections: connections,
	}

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Msg("ResourceGuard initialized")

	return rg
}

// ShouldAcceptConnection checks the connection cap, then the CPU brake.
// reason is empty when accepted.
func (rg *ResourceGuard) ShouldAcceptConnection() (accept bool, reason string) {
	current := rg.connections()
	if current >= rg.config.MaxConnections {
		rg.logger.Debug().
			Int("current_conns", current).
			Int("max_conns", rg.config.MaxConnections).
			Msg("Connection rejected: at max connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.config.MaxConnections)
	}

	cpuPercent := rg.CPU()
	if rg.config.CPURejectThreshold > 0 && cpuPercent > rg.config.CPURejectThreshold {
		rg.logger.Debug().
			Float64("current_cpu", cpuPercent).
			Float64("threshold", rg.config.CPURejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPercent, rg.config.CPURejectThreshold)
	}

	return true, ""
}

// CPU returns the last sampled CPU percentage
func (rg *ResourceGuard) CPU() float64 {
	return math.Float64frombits(rg.currentCPU.Load())
}

// UpdateResources takes one CPU sample
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent, err := rg.config.Sampler()
	if err != nil {
		monitoring.LogError(rg.logger, err, "Failed to get CPU usage", nil)
		cpuPercent = 0
	}

	rg.currentCPU.Store(math.Float64bits(cpuPercent))
	monitoring.SetCPUUsage(cpuPercent)

	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Int("connections", rg.connections()).
		Msg("Resource state updated")
}

// StartMonitoring samples resources every interval until ctx ends
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		defer monitoring.RecoverPanic(rg.logger, "resource_guard_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("ResourceGuard monitoring stopped")
				return
			}
		}
	}()

	rg.logger.Info().Dur("interval", interval).Msg("ResourceGuard monitoring started")
}

// GetStats returns current resource statistics for the health endpoint
func (rg *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"max_connections":      rg.config.MaxConnections,
		"current_connections":  rg.connections(),
		"cpu_percent":          rg.CPU(),
		"cpu_reject_threshold": rg.config.CPURejectThreshold,
	}
}
