package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charachat/charachat/internal/app/domain/profile"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/supabase/client"
)

type recorded struct {
	method string
	path   string
	query  url.Values
	body   map[string]any
}

func newTestStore(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Store, *[]recorded) {
	t.Helper()
	var calls []recorded
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.Query()}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}
		calls = append(calls, rec)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	c, err := client.New(client.Config{URL: server.URL, APIKey: "service"})
	require.NoError(t, err)
	return New(c), &calls
}

func TestGetCharacterNotFound(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusNotAcceptable)
		w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})

	_, err := store.GetCharacter(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListCharactersQuery(t *testing.T) {
	store, calls := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"c1","owner":"u1","name":"Ada","tags":["scifi"],"category_id":null,"interactions":3}]`))
	})

	out, err := store.ListCharacters(context.Background(), storage.ListOptions{
		Viewer: "u1", Search: "ada", Tag: "SciFi ", Sort: storage.SortPopular, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"scifi"}, out[0].Tags)
	assert.Empty(t, out[0].CategoryID)

	require.Len(t, *calls, 1)
	q := (*calls)[0].query
	assert.Equal(t, "(or(is_private.eq.false,owner.eq.u1),or(name.ilike.*ada*,description.ilike.*ada*))", q.Get("and"))
	assert.Equal(t, "eq.false", q.Get("is_nsfw"))
	assert.Equal(t, `cs.{"scifi"}`, q.Get("tags"))
	assert.Equal(t, "interactions.desc,created_at.desc,id.desc", q.Get("order"))
	assert.Equal(t, "5", q.Get("limit"))
	assert.Empty(t, q.Get("is_private"))
}

func TestListCharactersAnonymous(t *testing.T) {
	store, calls := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	_, err := store.ListCharacters(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	q := (*calls)[0].query
	assert.Equal(t, "eq.false", q.Get("is_private"))
	assert.Empty(t, q.Get("and"))
	assert.Equal(t, "24", q.Get("limit"))
}

func TestReassignCountsRows(t *testing.T) {
	store, calls := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"user_id":"new"}]`))
	})

	n, err := store.Reassign(context.Background(), "profiles", "user_id", "legacy", "new")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	call := (*calls)[0]
	assert.Equal(t, http.MethodPatch, call.method)
	assert.Equal(t, "/rest/v1/profiles", call.path)
	assert.Equal(t, "eq.legacy", call.query.Get("user_id"))
	assert.Equal(t, "new", call.body["user_id"])
	assert.Equal(t, "legacy", call.body["legacy_user_id"])

	_, err = store.Reassign(context.Background(), "profiles", "username", "a", "b")
	assert.Error(t, err)
	assert.Len(t, *calls, 1)
}

func TestCreateProfileConflict(t *testing.T) {
	store, calls := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	})

	_, err := store.CreateProfile(context.Background(), profile.Profile{UserID: "u1"})
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Nil(t, (*calls)[0].body["username"], "empty usernames are sent as null")
}

func TestDeleteMissingChat(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	assert.ErrorIs(t, store.DeleteChat(context.Background(), "nope"), storage.ErrNotFound)
}

func TestIncrementInteractionsReadsCounter(t *testing.T) {
	for body, check := range map[string]func(error){
		`4`:           func(err error) { assert.NoError(t, err) },
		`null`:        func(err error) { assert.ErrorIs(t, err, storage.ErrNotFound) },
		`{"count":4}`: func(err error) { assert.ErrorContains(t, err, "unexpected result") },
	} {
		store, calls := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
		check(store.IncrementInteractions(context.Background(), "c1"))

		require.Len(t, *calls, 1, body)
		assert.Equal(t, "/rest/v1/rpc/increment_character_interactions", (*calls)[0].path)
		assert.Equal(t, "c1", (*calls)[0].body["character_id"])
	}
}
