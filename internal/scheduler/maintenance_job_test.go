package scheduler

import (
	"context"
	"errors"
	"testing"

	testingpkg "github.com/aristath/earnings/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCheckpointer struct{ calls int }

func (f *failingCheckpointer) Name() string { return "broken" }

func (f *failingCheckpointer) WALCheckpoint(ctx context.Context, mode string) error {
	f.calls++
	return errors.New("disk full")
}

type countingGC struct {
	calls int
	ratio float64
	err   error
}

func (g *countingGC) RunGC(discardRatio float64) error {
	g.calls++
	g.ratio = discardRatio
	return g.err
}

func TestMaintenanceJob_Name(t *testing.T) {
	job := NewMaintenanceJob(nil, nil, zerolog.Nop())
	assert.Equal(t, "maintenance", job.Name())
}

func TestMaintenanceJob_Run_NoDatabases(t *testing.T) {
	job := NewMaintenanceJob(nil, nil, zerolog.Nop())
	assert.NoError(t, job.Run())
}

func TestMaintenanceJob_Run_CheckpointsAndCollects(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "earnings")
	defer cleanup()

	broken := &failingCheckpointer{}
	gc := &countingGC{}
	job := NewMaintenanceJob([]Checkpointer{db, broken}, gc, zerolog.Nop())

	require.NoError(t, job.Run(), "individual failures are not fatal")
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, gc.calls)
	assert.Equal(t, 0.5, gc.ratio)
}

func TestMaintenanceJob_Run_GCErrorNotFatal(t *testing.T) {
	gc := &countingGC{err: errors.New("value log busy")}
	job := NewMaintenanceJob([]Checkpointer{nil}, gc, zerolog.Nop())

	assert.NoError(t, job.Run())
	assert.Equal(t, 1, gc.calls)
}
