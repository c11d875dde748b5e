package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("elsa")
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, 1, m.ActiveCount())

	require.NoError(t, m.MarkReady(s.ID))
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, "elsa", got.CharacterID)

	require.NoError(t, m.MarkDelivered(s.ID))
	assert.Equal(t, 0, m.ActiveCount())

	_, err = m.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.MarkFailed("missing"), ErrNotFound)
}

func TestManagerTokensAreUnique(t *testing.T) {
	m := NewManager(time.Minute)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := m.Create("elsa")
		require.False(t, seen[s.ID], "duplicate token %s", s.ID)
		seen[s.ID] = true
	}
}

func TestManagerJanitorExpiresUndelivered(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	ready := m.Create("elsa")
	require.NoError(t, m.MarkReady(ready.ID))
	pending := m.Create("elsa")

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, s.ID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{ready.ID}, expired)
	mu.Unlock()

	got, err := m.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestManagerJanitorForgetsFinished(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	s := m.Create("elsa")
	require.NoError(t, m.MarkDelivered(s.ID))

	time.Sleep(30 * time.Millisecond)
	m.expireInactive()

	_, err := m.Get(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
