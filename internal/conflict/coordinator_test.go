package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrin/jobsync/internal/bus"
	"github.com/corrin/jobsync/internal/transport"
	"github.com/corrin/jobsync/internal/version"
)

type fixture struct {
	bus      *bus.Bus
	versions *version.Store
	notes    *Recorder
	coord    *Coordinator
}

func newFixture() *fixture {
	f := &fixture{bus: bus.New(), versions: version.NewStore(), notes: &Recorder{}}
	f.coord = New(f.bus, f.versions, f.notes)
	return f
}

func TestHandleConflictReloadsAndNotifies(t *testing.T) {
	f := newFixture()
	f.versions.Set("job-123", "v1")
	reloads := 0
	f.coord.Register("job-123", func(context.Context) (string, error) {
		reloads++
		return "v3", nil
	})

	n := f.coord.HandleConflict(context.Background(), "job-123", transport.FromStatus(412, "precondition failed"))

	assert.Equal(t, 1, reloads)
	assert.Equal(t, "v3", f.versions.Token("job-123"))
	assert.True(t, n.Persistent)
	assert.False(t, n.Stale)
	assert.Equal(t, KindConflict, n.Kind)
	assert.Contains(t, n.Message, "job-123")
	require.NotNil(t, n.Retry)
	assert.True(t, f.coord.Open("job-123"))

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, "job-123", last.ResourceID)
}

func TestHandleConflictReloadFailureStillOffersRetry(t *testing.T) {
	f := newFixture()
	f.versions.Set("job-1", "v1")
	f.coord.Register("job-1", func(context.Context) (string, error) {
		return "", errors.New("network down")
	})

	n := f.coord.HandleConflict(context.Background(), "job-1", transport.FromStatus(428, "missing"))

	assert.True(t, n.Stale)
	assert.True(t, n.Persistent)
	assert.NotNil(t, n.Retry)
	assert.Equal(t, "v1", f.versions.Token("job-1"), "failed reload leaves the old token")
}

func TestHandleConflictWithoutReloader(t *testing.T) {
	f := newFixture()
	n := f.coord.HandleConflict(context.Background(), "po-7", transport.FromStatus(412, ""))
	assert.True(t, n.Stale)
	assert.NotNil(t, n.Retry)
}

func TestHandleConflictReloadPanicIsContained(t *testing.T) {
	f := newFixture()
	f.coord.Register("job-1", func(context.Context) (string, error) { panic("boom") })

	var n Notification
	assert.NotPanics(t, func() {
		n = f.coord.HandleConflict(context.Background(), "job-1", transport.FromStatus(412, ""))
	})
	assert.True(t, n.Stale)
}

func TestRetryEmitsOnBusAndDismisses(t *testing.T) {
	f := newFixture()
	var reasons []string
	f.bus.Subscribe("job-123", func(reason string) { reasons = append(reasons, reason) })

	n := f.coord.HandleConflict(context.Background(), "job-123", transport.FromStatus(412, ""))
	assert.Empty(t, reasons, "never resubmitted without the user")

	n.Retry()
	assert.Equal(t, []string{ReasonRetryClick}, reasons)
	assert.False(t, f.coord.Open("job-123"))
	assert.Empty(t, f.coord.OpenConflicts())
}

func TestRegisterCancelOnlyRemovesOwnRegistration(t *testing.T) {
	f := newFixture()
	cancelOld := f.coord.Register("job-1", func(context.Context) (string, error) { return "old", nil })
	f.coord.Register("job-1", func(context.Context) (string, error) { return "new", nil })

	cancelOld()
	f.coord.HandleConflict(context.Background(), "job-1", transport.FromStatus(412, ""))
	assert.Equal(t, "new", f.versions.Token("job-1"))
}

func TestHandleValidationIsTransient(t *testing.T) {
	f := newFixture()
	n := f.coord.HandleValidation("job-1", transport.FromStatus(422, "name required"))
	assert.False(t, n.Persistent)
	assert.Nil(t, n.Retry)
	assert.Equal(t, KindError, n.Kind)
	assert.False(t, f.coord.Open("job-1"))
	assert.Len(t, f.notes.All(), 1)
}

func TestOpenConflictsSorted(t *testing.T) {
	f := newFixture()
	for _, id := range []string{"job-3", "job-1", "job-2"} {
		f.coord.HandleConflict(context.Background(), id, transport.FromStatus(412, ""))
	}
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, f.coord.OpenConflicts())
}
