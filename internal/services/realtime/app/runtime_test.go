package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/scheduler"
)

type recordingScheduler struct {
	tasks     map[string]scheduler.Task
	intervals map[string]time.Duration
}

func (s *recordingScheduler) Schedule(name string, interval time.Duration, task scheduler.Task) error {
	if s.tasks == nil {
		s.tasks = make(map[string]scheduler.Task)
		s.intervals = make(map[string]time.Duration)
	}
	s.tasks[name] = task
	s.intervals[name] = interval
	return nil
}

func (s *recordingScheduler) Start() {}

func (s *recordingScheduler) Stop(context.Context) error { return nil }

func TestScheduleJobsRegistersBackgroundWork(t *testing.T) {
	engine, err := OpenEngine(t.Context(), EngineConfig{DBPath: filepath.Join(t.TempDir(), "embers.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })

	jobs := &recordingScheduler{}
	cfg := RuntimeConfig{SweepInterval: 15 * time.Minute, LogRetention: time.Hour}
	require.NoError(t, scheduleJobs(jobs, engine, cfg, zap.NewNop()))

	assert.Equal(t, 15*time.Minute, jobs.intervals["warning-sweep"])
	assert.Equal(t, logPruneInterval, jobs.intervals["notification-log-prune"])
	assert.Equal(t, memoryKVSweepInterval, jobs.intervals["kv-expiry"])

	for name, task := range jobs.tasks {
		t.Run(name, func(t *testing.T) {
			task(t.Context())
		})
	}
}

func TestOpenEngineRequiresDBPath(t *testing.T) {
	_, err := OpenEngine(t.Context(), EngineConfig{})
	assert.Error(t, err)
}
