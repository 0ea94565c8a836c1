// ABOUTME: Tests for the user directory service
// ABOUTME: Covers validation, duplicate registration, login outcomes and search exclusion

package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairchat/internal/store"
)

type failingUserStore struct {
	*store.MockStore
	err error
}

func (f *failingUserStore) GetUser(ctx context.Context, username string) (*store.User, error) {
	return nil, f.err
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := New(store.NewMockStore(), nil)
	ctx := t.Context()

	user, err := svc.Register(ctx, Credentials{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.NotEqual(t, "wonderland", user.PasswordHash)

	got, err := svc.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = svc.Authenticate(ctx, "alice", "looking-glass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody", "wonderland")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister_Duplicate(t *testing.T) {
	svc := New(store.NewMockStore(), nil)
	ctx := t.Context()

	_, err := svc.Register(ctx, Credentials{Username: "bob", Password: "password1"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, Credentials{Username: "BOB", Password: "password2"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestRegister_Validation(t *testing.T) {
	svc := New(store.NewMockStore(), nil)

	tests := []struct {
		name string
		c    Credentials
	}{
		{"empty username", Credentials{Username: "", Password: "password1"}},
		{"space in username", Credentials{Username: "a b", Password: "password1"}},
		{"slash in username", Credentials{Username: "a/b", Password: "password1"}},
		{"markup in username", Credentials{Username: "<b>", Password: "password1"}},
		{"short password", Credentials{Username: "carol", Password: "short"}},
		{"long password", Credentials{Username: "carol", Password: string(make([]byte, 73))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(t.Context(), tt.c)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := svc.Register(t.Context(), Credentials{Username: "d.e-f_9", Password: "password1"})
	assert.NoError(t, err)
}

func TestAuthenticate_StoreFailure(t *testing.T) {
	boom := errors.New("db gone")
	svc := New(&failingUserStore{MockStore: store.NewMockStore(), err: boom}, nil)

	_, err := svc.Authenticate(t.Context(), "alice", "whatever1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestSearch_ExcludesCaller(t *testing.T) {
	svc := New(store.NewMockStore(), nil)
	ctx := t.Context()

	for _, name := range []string{"alice", "alicia", "bob"} {
		_, err := svc.Register(ctx, Credentials{Username: name, Password: "password1"})
		require.NoError(t, err)
	}

	users, err := svc.Search(ctx, "alice", "ALI", 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alicia", users[0].Username)

	users, err = svc.Search(ctx, "bob", "", 0)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestCanonical(t *testing.T) {
	svc := New(store.NewMockStore(), nil)
	ctx := t.Context()

	_, err := svc.Register(ctx, Credentials{Username: "Alice", Password: "wonderland"})
	require.NoError(t, err)

	for _, typed := range []string{"Alice", "alice", "ALICE"} {
		name, err := svc.Canonical(ctx, typed)
		require.NoError(t, err)
		assert.Equal(t, "Alice", name, typed)
	}

	_, err = svc.Canonical(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	broken := New(&failingUserStore{MockStore: store.NewMockStore(), err: errors.New("db down")}, nil)
	_, err = broken.Canonical(ctx, "alice")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
}
