package redis

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mastery_cards/internal/domain"
)

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `mastery\*session\?\[x\]`, escapeGlob("mastery*session?[x]"))
	assert.Equal(t, "mastery_session_", escapeGlob("mastery_session_"))
}

func TestStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	ns := "test:" + uuid.NewString() + ":"
	s, err := Open(ctx, Options{Addr: addr, Namespace: ns})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, "mastery_session_a")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, s.Put(ctx, "mastery_session_a", []byte("{}")))
	require.NoError(t, s.Put(ctx, "mastery_session_b", []byte("{}")))
	keys, err := s.List(ctx, "mastery_session_")
	require.NoError(t, err)
	assert.Equal(t, []string{"mastery_session_a", "mastery_session_b"}, keys)

	require.NoError(t, s.Delete(ctx, "mastery_session_a"))
	require.NoError(t, s.Delete(ctx, "mastery_session_b"))
}
