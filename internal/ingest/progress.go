package ingest

import (
	"sync"

	"go.uber.org/zap"
)

// Initial sync phases and their share of the overall progress.
const (
	PhaseCrypto      = "crypto"
	PhaseRooms       = "rooms"
	PhaseAccountData = "account_data"
	PhaseGroups      = "groups"
)

var phaseWeights = map[string]float64{
	PhaseCrypto:      0.1,
	PhaseRooms:       0.7,
	PhaseAccountData: 0.1,
	PhaseGroups:      0.1,
}

// ProgressReporter observes initial sync progress.
type ProgressReporter interface {
	StartPhase(name string, weight float64)
	EndPhase(name string)
}

// LogProgressReporter writes weighted progress to the logger.
type LogProgressReporter struct {
	logger *zap.Logger

	mu        sync.Mutex
	completed float64
	weights   map[string]float64
}

// NewLogProgressReporter constructs a LogProgressReporter.
func NewLogProgressReporter(logger *zap.Logger) *LogProgressReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProgressReporter{logger: logger, weights: make(map[string]float64)}
}

// StartPhase records the weight of the phase. The crypto phase opens every run, so it
// also clears what an earlier, failed run reported.
func (r *LogProgressReporter) StartPhase(name string, weight float64) {
	r.mu.Lock()
	if name == PhaseCrypto {
		r.completed = 0
		clear(r.weights)
	}
	r.weights[name] = weight
	r.mu.Unlock()
	r.logger.Debug("initial sync phase started", zap.String("phase", name), zap.Float64("weight", weight))
}

// EndPhase adds the phase's weight to the completed share.
func (r *LogProgressReporter) EndPhase(name string) {
	r.mu.Lock()
	r.completed += r.weights[name]
	delete(r.weights, name)
	completed := r.completed
	r.mu.Unlock()
	r.logger.Info("initial sync progress", zap.String("phase", name), zap.Int("percent", int(completed*100+0.5)))
}

// Completed returns the share of finished work in [0, 1].
func (r *LogProgressReporter) Completed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

type nopProgressReporter struct{}

func (nopProgressReporter) StartPhase(string, float64) {}

func (nopProgressReporter) EndPhase(string) {}
