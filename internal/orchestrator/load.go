package orchestrator

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
)

// sampleHostLoad captures the orchestrator host's CPU and memory usage for
// the execution record. Sampling failures are non-fatal; the snapshot is
// simply omitted.
func sampleHostLoad(logger *zap.Logger) *model.HostLoad {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		logger.Debug("Failed to sample CPU usage", zap.Error(err))
		return nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug("Failed to sample memory usage", zap.Error(err))
		return nil
	}

	return &model.HostLoad{
		CPUPercent:    percents[0],
		MemoryPercent: vm.UsedPercent,
		SampledAt:     time.Now().UTC(),
	}
}
