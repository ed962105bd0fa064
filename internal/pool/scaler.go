package pool

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/roasbeef/revbroker/internal/store"
)

// ScalePass runs one reactive scaling sweep: pending reviews are bucketed by
// project and workers are spawned until each bucket has roughly one worker
// per scaling_ratio pending reviews. The cooldown throttle is bypassed for
// these triggered spawns; the max_pool_size cap ends the pass.
func (m *Manager) ScalePass(ctx context.Context) (int, error) {
	if !m.Enabled() {
		return 0, nil
	}

	pending, err := m.store.ListReviews(ctx, store.ReviewFilter{
		Status: "pending",
	})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	buckets := make(map[string]int)
	for _, rev := range pending {
		buckets[rev.Project]++
	}

	projects := make([]string, 0, len(buckets))
	for p := range buckets {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	spawned := 0
	for _, project := range projects {
		active := m.activeWorkersFor(project)
		needed := int(math.Ceil(
			float64(buckets[project])/m.cfg.ScalingRatio,
		)) - active
		if needed <= 0 {
			continue
		}

		log.Debugf("Scaling project %q: %d pending, %d active, "+
			"spawning %d", project, buckets[project], active, needed)

		for i := 0; i < needed; i++ {
			_, err := m.Spawn(ctx, project, true)
			if errors.Is(err, ErrPoolCapReached) {
				return spawned, nil
			}
			if err != nil {
				return spawned, err
			}
			spawned++
		}
	}

	return spawned, nil
}

// activeWorkersFor counts live, non-draining workers serving the given
// project bucket.
func (m *Manager) activeWorkersFor(project string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.procs {
		if h.project == project && h.proc.Running() && !h.draining {
			n++
		}
	}

	return n
}
