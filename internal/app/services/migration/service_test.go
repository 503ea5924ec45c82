package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charachat/charachat/internal/app/domain/character"
	"github.com/charachat/charachat/internal/app/domain/chat"
	"github.com/charachat/charachat/internal/app/domain/persona"
	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/services/profiles"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/app/storage/memory"
	"github.com/charachat/charachat/internal/identity"
	"github.com/charachat/charachat/pkg/logger"
)

const legacySecret = "legacy-secret"

func seedLegacy(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := store.CreateProfile(ctx, profile.Profile{UserID: "old-1", Username: "veteran"})
	require.NoError(t, err)
	_, err = store.CreateCharacter(ctx, character.Character{Owner: "old-1", Name: "A"})
	require.NoError(t, err)
	_, err = store.CreateCharacter(ctx, character.Character{Owner: "old-1", Name: "B"})
	require.NoError(t, err)
	_, err = store.CreatePersona(ctx, persona.Persona{Creator: "old-1", FullName: "P"})
	require.NoError(t, err)
	c, err := store.CreateChat(ctx, chat.Chat{UserID: "old-1", CharacterID: "x"})
	require.NoError(t, err)
	store.AddLegacyMessage(chat.LegacyMessage{ChatID: c.ID, UserID: "old-1", Role: chat.RoleUser, Content: "hi"})
}

func rowsByTable(r Report) map[string]int64 {
	out := make(map[string]int64, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Table] = s.Rows
	}
	return out
}

func TestMigrateMovesEverything(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLegacy(t, store)
	_, err := store.CreateProfile(ctx, profile.Profile{UserID: "new-1"})
	require.NoError(t, err)

	svc := New(store, store, nil, logger.Discard())
	report, err := svc.Migrate(ctx, "old-1", "new-1")
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, map[string]int64{
		"profiles":   1,
		"characters": 2,
		"personas":   1,
		"stories":    0,
		"chats":      1,
		"messages":   1,
	}, rowsByTable(report))
	assert.EqualValues(t, 6, report.Rows())

	p, err := store.GetProfile(ctx, "new-1")
	require.NoError(t, err)
	assert.Equal(t, "veteran", p.Username)
	assert.Equal(t, "old-1", p.LegacyUserID)
	assert.NotNil(t, p.MigratedAt)

	chars, err := store.ListCharacters(ctx, storage.ListOptions{Owner: "new-1"}.Normalize())
	require.NoError(t, err)
	assert.Len(t, chars, 2)

	again, err := svc.Migrate(ctx, "old-1", "new-1")
	require.NoError(t, err)
	assert.True(t, again.Completed)
	assert.Zero(t, again.Rows())
}

func TestMigrateRejectsBadIDs(t *testing.T) {
	svc := New(memory.New(), memory.New(), nil, logger.Discard())
	for _, ids := range [][2]string{{"", "b"}, {"a", ""}, {"a", "a"}, {" a", "a "}} {
		_, err := svc.Migrate(context.Background(), ids[0], ids[1])
		assert.True(t, services.IsValidation(err), "%v", ids)
	}
}

func TestMigrateRefusesPopulatedProfile(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLegacy(t, store)
	_, err := store.CreateProfile(ctx, profile.Profile{UserID: "new-1", Username: "fresh"})
	require.NoError(t, err)

	report, err := New(store, store, nil, logger.Discard()).Migrate(ctx, "old-1", "new-1")
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Empty(t, report.Steps)
	assert.False(t, report.Completed)
}

type failingStore struct {
	*memory.Store
	failOn string
}

func (f failingStore) Reassign(ctx context.Context, table, column, from, to string) (int64, error) {
	if table == f.failOn {
		return 0, errors.New("connection reset")
	}
	return f.Store.Reassign(ctx, table, column, from, to)
}

func TestMigrateStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLegacy(t, store)

	svc := New(failingStore{Store: store, failOn: "personas"}, store, nil, logger.Discard())
	report, err := svc.Migrate(ctx, "old-1", "new-1")
	require.Error(t, err)
	assert.False(t, report.Completed)
	require.Len(t, report.Steps, 3)
	assert.Equal(t, "personas", report.Steps[2].Table)
	assert.Equal(t, "connection reset", report.Steps[2].Error)

	chars, err := store.ListCharacters(ctx, storage.ListOptions{Owner: "new-1"}.Normalize())
	require.NoError(t, err)
	assert.Len(t, chars, 2, "earlier steps are not rolled back")

	resumed, err := New(store, store, nil, logger.Discard()).Migrate(ctx, "old-1", "new-1")
	require.NoError(t, err)
	rows := rowsByTable(resumed)
	assert.EqualValues(t, 0, rows["characters"])
	assert.EqualValues(t, 1, rows["personas"])
}

func TestMigrateWithToken(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLegacy(t, store)
	user := &identity.User{ID: "new-1"}

	disabled := New(store, store, nil, logger.Discard())
	_, err := disabled.MigrateWithToken(ctx, user, "x")
	assert.True(t, services.IsValidation(err))

	svc := New(store, store, identity.NewLegacyVerifier(legacySecret, ""), logger.Discard())
	_, err = svc.MigrateWithToken(ctx, nil, "x")
	assert.ErrorIs(t, err, services.ErrUnauthorized)
	_, err = svc.MigrateWithToken(ctx, user, "garbage")
	assert.True(t, services.IsValidation(err))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "old-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(legacySecret))
	require.NoError(t, err)

	report, err := svc.MigrateWithToken(ctx, user, token)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, "old-1", report.LegacyUserID)
}

func TestMigratedProfileUnlocksWithSamePassword(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.CreateProfile(ctx, profile.Profile{UserID: "old-1", FullName: "Ada Lovelace"})
	require.NoError(t, err)

	profileSvc := profiles.New(store, "deploy-salt", 10000, logger.Discard())
	legacyUser := &identity.User{ID: "old-1"}
	key, err := profileSvc.Unlock(ctx, legacyUser, "correct horse")
	require.NoError(t, err)
	sess, err := profileSvc.Session(ctx, legacyUser, key)
	require.NoError(t, err)
	_, err = profileSvc.SetAPIKey(ctx, sess, "openai", "sk-legacy")
	require.NoError(t, err)

	_, err = New(store, store, nil, logger.Discard()).Migrate(ctx, "old-1", "new-1")
	require.NoError(t, err)

	newUser := &identity.User{ID: "new-1"}
	key, err = profileSvc.Unlock(ctx, newUser, "correct horse")
	require.NoError(t, err, "same password must unlock after migration")
	sess, err = profileSvc.Session(ctx, newUser, key)
	require.NoError(t, err)
	require.True(t, sess.Unlocked())

	assert.Equal(t, map[string]string{"openai": "sk-legacy"}, profileSvc.APIKeys(sess))
	assert.Equal(t, "Ada Lovelace", profileSvc.Self(sess).FullName)

	_, err = profileSvc.Unlock(ctx, newUser, "wrong horse")
	assert.Error(t, err)
}
