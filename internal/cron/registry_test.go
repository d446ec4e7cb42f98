package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry, err := NewRegistry(nil)
	require.NoError(t, err)
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	require.NoError(t, registry.Register(jobA))
	require.NoError(t, registry.Register(nil))
	require.NoError(t, registry.Register(jobB))

	jobs := registry.Jobs()
	require.Len(t, jobs, 2)
	require.Same(t, jobA, jobs[0])
	require.Same(t, jobB, jobs[1])
	require.Equal(t, []string{"a", "b"}, registry.Names())

	jobs[0] = nil
	require.NotNil(t, registry.Jobs()[0], "internal slice leaked")
}

func TestRegistryRejectsDuplicateAndUnnamedJobs(t *testing.T) {
	_, err := NewRegistry(&stubJob{name: "outbox-retention"}, &stubJob{name: "outbox-retention"})
	require.ErrorContains(t, err, "registered twice")

	_, err = NewRegistry(&stubJob{})
	require.ErrorContains(t, err, "has no name")
}
