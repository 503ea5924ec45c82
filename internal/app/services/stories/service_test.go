package stories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/app/storage/memory"
	"github.com/charachat/charachat/internal/identity"
)

func ptr[T any](v T) *T { return &v }

func TestStoryRequiresVisibleCharacter(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, store, nil)
	alice := &identity.User{ID: "alice"}
	bob := &identity.User{ID: "bob"}

	hidden, err := store.CreateCharacter(ctx, character.Character{Owner: "alice", Name: "Hidden", IsPrivate: true})
	require.NoError(t, err)
	open, err := store.CreateCharacter(ctx, character.Character{Owner: "alice", Name: "Open"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, bob, Input{CharacterID: ptr(hidden.ID), Title: ptr("Heist")})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Create(ctx, bob, Input{Title: ptr("Heist")})
	assert.True(t, services.IsValidation(err))

	st, err := svc.Create(ctx, bob, Input{CharacterID: ptr(open.ID), Title: ptr("Heist"), FirstMessage: ptr("The vault is open.")})
	require.NoError(t, err)
	assert.Equal(t, "bob", st.Creator)

	_, err = svc.Create(ctx, alice, Input{CharacterID: ptr(hidden.ID), Title: ptr("Private tale"), IsPrivate: ptr(true)})
	require.NoError(t, err)

	list, err := svc.List(ctx, bob, storage.ListOptions{CharacterID: open.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Heist", list[0].Title)

	list, err = svc.List(ctx, bob, storage.ListOptions{CharacterID: hidden.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStoryOwnership(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, store, nil)
	alice := &identity.User{ID: "alice"}
	bob := &identity.User{ID: "bob"}

	c, err := store.CreateCharacter(ctx, character.Character{Owner: "alice", Name: "Open"})
	require.NoError(t, err)
	st, err := svc.Create(ctx, alice, Input{CharacterID: ptr(c.ID), Title: ptr("Quest")})
	require.NoError(t, err)

	_, err = svc.Update(ctx, bob, st.ID, Input{Title: ptr("Mine now")})
	assert.ErrorIs(t, err, services.ErrForbidden)

	_, err = svc.Update(ctx, alice, st.ID, Input{CharacterID: ptr("other")})
	assert.True(t, services.IsValidation(err))

	updated, err := svc.Update(ctx, alice, st.ID, Input{Description: ptr("A long road.")})
	require.NoError(t, err)
	assert.Equal(t, "Quest", updated.Title)
	assert.Equal(t, "A long road.", updated.Description)

	assert.ErrorIs(t, svc.Delete(ctx, bob, st.ID), services.ErrForbidden)
	require.NoError(t, svc.Delete(ctx, alice, st.ID))
}
