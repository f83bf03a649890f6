package worker

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rssbox/rssbox/internal/metrics"
	"github.com/rssbox/rssbox/internal/scheduler"
)

type stubHeartbeatStore struct {
	upserts int
	deletes int
}

func (s *stubHeartbeatStore) UpsertHeartbeat(ctx context.Context, workerID string) error {
	s.upserts++
	return nil
}

func (s *stubHeartbeatStore) DeleteWorker(ctx context.Context, workerID string) error {
	s.deletes++
	return nil
}

func TestHeartbeatStartBeatsImmediately(t *testing.T) {
	s := &stubHeartbeatStore{}
	hb := NewHeartbeat("w1", s, zerolog.Nop())
	sched := scheduler.New(zerolog.Nop())
	defer sched.Stop()

	require.NoError(t, hb.Start(context.Background(), sched))
	require.Equal(t, 1, s.upserts)

	require.NoError(t, hb.Stop(context.Background()))
	require.Equal(t, 1, s.deletes)
}

func TestRunnerShutdownDeletesWorkerRecord(t *testing.T) {
	hbStore := &stubHeartbeatStore{}
	hb := NewHeartbeat("w1", hbStore, zerolog.Nop())

	m := metrics.New(prometheus.NewRegistry())
	reaper := NewReaper(&stubReaperStore{}, m, zerolog.Nop())

	pipelineStore := &stubStore{}
	pipeline, _ := newTestPipeline(t, pipelineStore, &stubCache{}, &stubUploader{})

	sched := scheduler.New(zerolog.Nop())
	runner := NewRunner("w1", hb, reaper, pipeline, sched, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, runner.Run(ctx))
	require.Equal(t, 1, hbStore.upserts)
	require.Equal(t, 1, hbStore.deletes)
}
