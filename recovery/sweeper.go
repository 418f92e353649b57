package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/recoflow/recoflow-go/recovery/emit"
)

// SweepResult reports what one sweep pass did.
type SweepResult struct {
	// CheckpointsPurged is the number of expired checkpoints deleted.
	CheckpointsPurged int64

	// ReplaysTimedOut is the number of stale running replay sessions
	// force-failed.
	ReplaysTimedOut int64
}

// Sweeper runs the periodic retention and timeout maintenance: purging
// expired checkpoints and force-failing replay sessions that ran past their
// window.
//
// Sweeps run on a background cadence outside the request path. Each pass is
// idempotent and non-blocking with respect to in-flight checkpoint writes:
// the underlying deletes are conditional on the expiry column, so a
// checkpoint created after a pass begins is never deleted by that pass.
type Sweeper struct {
	checkpoints *CheckpointStore
	replays     *ReplayManager
	config      ConfigSource
	emitter     emit.Emitter

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewSweeper creates a Sweeper over the given checkpoint store and replay
// manager. The emitter is optional.
func NewSweeper(checkpoints *CheckpointStore, replays *ReplayManager, cfg ConfigSource, emitter emit.Emitter) *Sweeper {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Sweeper{
		checkpoints: checkpoints,
		replays:     replays,
		config:      cfg,
		emitter:     emitter,
	}
}

// Sweep runs a single maintenance pass. Safe to call concurrently with
// itself and with in-flight writes; the second pass over the same garbage is
// a no-op.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	purged, err := s.checkpoints.PurgeExpired(ctx)
	if err != nil {
		return result, err
	}
	result.CheckpointsPurged = purged

	timedOut, err := s.replays.TimeoutStale(ctx)
	if err != nil {
		return result, err
	}
	result.ReplaysTimedOut = timedOut

	s.emitter.Emit(emit.Event{
		Msg: "sweep_completed",
		Meta: map[string]any{
			"checkpoints_purged": result.CheckpointsPurged,
			"replays_timed_out":  result.ReplaysTimedOut,
		},
	})
	return result, nil
}

// Start launches the background sweep loop. The cadence is re-read from the
// active configuration after every pass, so operators can retune it live.
// Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stop, s.done)
}

// Stop halts the background loop and waits for the in-flight pass, if any,
// to finish. Calling Stop without Start, or twice, is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		interval := time.Hour
		if cfg, err := s.config.Active(ctx); err == nil && cfg.CleanupInterval > 0 {
			interval = cfg.CleanupInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.emitter.Emit(emit.Event{
					Msg:  "sweep_failed",
					Meta: map[string]any{"error": err.Error()},
				})
			}
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
