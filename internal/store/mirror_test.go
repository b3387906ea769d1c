package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorly/quiz-agent/internal/model"
)

func openTestStore(t *testing.T) *MirrorStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMirrorStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	events := []model.IntegrityEvent{
		{
			EventID:   "ev-1",
			Seq:       1,
			EventType: model.EventSessionStart,
			EventAt:   time.Now().UTC(),
			Payload:   map[string]any{"restart_count": float64(0)},
		},
		{
			EventID:   "ev-2",
			Seq:       2,
			EventType: model.EventTabHidden,
			EventAt:   time.Now().UTC(),
		},
	}
	require.NoError(t, s.Save("attempt-1", events))

	got, err := s.Load("attempt-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ev-1", got[0].EventID)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, model.EventSessionStart, got[0].EventType)
	assert.True(t, got[0].EventAt.Equal(events[0].EventAt))
	assert.Equal(t, events[0].Payload, got[0].Payload)
	assert.Equal(t, "ev-2", got[1].EventID)
}

func TestMirrorStore_LoadMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Load("no-such-attempt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMirrorStore_SaveOverwrites(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save("attempt-1", []model.IntegrityEvent{
		{EventID: "a", Seq: 1, EventType: model.EventCopy, EventAt: time.Now().UTC()},
		{EventID: "b", Seq: 2, EventType: model.EventPaste, EventAt: time.Now().UTC()},
	}))
	require.NoError(t, s.Save("attempt-1", []model.IntegrityEvent{
		{EventID: "b", Seq: 2, EventType: model.EventPaste, EventAt: time.Now().UTC()},
	}))

	got, err := s.Load("attempt-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].EventID)
}

func TestMirrorStore_Delete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save("attempt-1", []model.IntegrityEvent{
		{EventID: "a", Seq: 1, EventType: model.EventCopy, EventAt: time.Now().UTC()},
	}))
	require.NoError(t, s.Delete("attempt-1"))

	got, err := s.Load("attempt-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting a missing row is not an error.
	assert.NoError(t, s.Delete("attempt-1"))
}

func TestMirrorStore_PendingAttempts(t *testing.T) {
	s := openTestStore(t)

	ids, err := s.PendingAttempts()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.Save("attempt-a", []model.IntegrityEvent{
		{EventID: "1", Seq: 1, EventType: model.EventCopy, EventAt: time.Now().UTC()},
	}))
	require.NoError(t, s.Save("attempt-b", []model.IntegrityEvent{
		{EventID: "2", Seq: 1, EventType: model.EventPaste, EventAt: time.Now().UTC()},
	}))

	ids, err = s.PendingAttempts()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"attempt-a", "attempt-b"}, ids)

	require.NoError(t, s.Delete("attempt-a"))
	ids, err = s.PendingAttempts()
	require.NoError(t, err)
	assert.Equal(t, []string{"attempt-b"}, ids)
}

func TestMirrorStore_ReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("attempt-1", []model.IntegrityEvent{
		{EventID: "a", Seq: 1, EventType: model.EventWindowBlur, EventAt: time.Now().UTC()},
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load("attempt-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].EventID)
}
