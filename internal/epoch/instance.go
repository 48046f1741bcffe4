// Package epoch implements the multi-instance epoch/key lifecycle engine:
// Instance construction and rotation, the Registry that holds instances
// under per-name locks, and the scheduler task that rotates each instance
// on its own wall-clock timeline.
package epoch

import (
	"fmt"
	"time"

	"github.com/katzenpost/randsrv/internal/config"
	"github.com/katzenpost/randsrv/internal/ppoprf"
)

// Instance is a single PPOPRF server plus its per-instance schedule
// state.
type Instance struct {
	Name         string
	Server       *ppoprf.Server
	ActiveTag    uint8
	Duration     config.CalendarDuration
	NextRotation time.Time

	firstEpoch uint8
	lastEpoch  uint8

	// task identifies the scheduler goroutine currently responsible for
	// this instance, so a scheduler that wakes up after its instance was
	// replaced or paused can recognize it no longer owns the slot without
	// the instance holding a reference back into the task.
	task *taskToken
}

// newInstance builds a fresh Instance: construct the PPOPRF over the
// full tag range, select this instance's duration by name, compute the
// anchor-relative active tag, and optionally puncture every tag strictly
// before it. punctureHistory must be false when the instance is about to
// receive imported key material, which already encodes its punctures.
func newInstance(cfg *config.Config, name string, punctureHistory bool) (*Instance, error) {
	tags := make([]uint8, 0, int(cfg.LastEpoch)-int(cfg.FirstEpoch)+1)
	for t := int(cfg.FirstEpoch); t <= int(cfg.LastEpoch); t++ {
		tags = append(tags, uint8(t))
	}

	server, err := ppoprf.New(tags)
	if err != nil {
		return nil, fmt.Errorf("epoch: construct ppoprf for instance %q: %w", name, err)
	}

	duration, ok := cfg.InstanceDuration(name)
	if !ok {
		return nil, fmt.Errorf("epoch: no configured duration for instance %q", name)
	}

	now := time.Now().UTC().Truncate(time.Second)
	base := now
	if bt := cfg.BaseTime(); bt != nil {
		base = *bt
	}
	if now.Before(base) {
		return nil, fmt.Errorf("epoch: base time %s is in the future relative to now %s", base, now)
	}

	elapsed := 0
	next := duration.AddTo(base)
	for !next.After(now) {
		next = duration.AddTo(next)
		elapsed++
	}

	span := int(cfg.LastEpoch) - int(cfg.FirstEpoch) + 1
	activeTag := cfg.FirstEpoch + uint8(elapsed%span)

	inst := &Instance{
		Name:         name,
		Server:       server,
		ActiveTag:    activeTag,
		Duration:     duration,
		NextRotation: next,
		firstEpoch:   cfg.FirstEpoch,
		lastEpoch:    cfg.LastEpoch,
	}

	if punctureHistory && activeTag != cfg.FirstEpoch {
		for t := int(cfg.FirstEpoch); t < int(activeTag); t++ {
			if err := server.Puncture(uint8(t)); err != nil {
				return nil, fmt.Errorf("epoch: puncturing obsolete tag %d for instance %q: %w", t, name, err)
			}
		}
	}

	return inst, nil
}

// NextRotationRFC3339 formats NextRotation at second precision, with
// sub-second components truncated rather than rounded.
func (inst *Instance) NextRotationRFC3339() string {
	return inst.NextRotation.Truncate(time.Second).UTC().Format(time.RFC3339)
}
