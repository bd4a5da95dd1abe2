package ap

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/db"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *db.Store, URLs) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	urls := NewURLs("https://stride.example", "stride.example")
	client := NewClient()
	resolver := NewResolver(store, client, log)
	d := NewDispatcher(store, client, resolver, urls, log)
	d.sleep = func(time.Duration) {}
	return d, store, urls
}

func seedRemoteFollower(t *testing.T, store *db.Store, actorURI, inbox, sharedInbox, followingActorURI string) {
	t.Helper()
	require.NoError(t, store.UpsertRemoteActor(context.Background(), &db.RemoteActor{
		ActorURI:       actorURI,
		Username:       "runner",
		InboxURL:       inbox,
		SharedInboxURL: sharedInbox,
		LastFetched:    time.Now(),
	}))
	require.NoError(t, store.CreateFollow(context.Background(), &db.Follow{
		ID:                uuid.NewString(),
		RemoteActorURI:    actorURI,
		FollowingActorURI: followingActorURI,
		Status:            db.FollowAccepted,
		CreatedAt:         time.Now(),
	}))
}

func TestFanOutResolvedSurvivesRowDeletion(t *testing.T) {
	ctx := context.Background()
	var posts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	d, store, urls := newTestDispatcher(t)
	user := seedLocalUser(t, store, "alice")
	actorURI := urls.Actor("alice")
	seedRemoteFollower(t, store, "https://peer.example/users/runner", ts.URL+"/inbox", "", actorURI)

	del := BuildDeleteActor(urls, actorURI)
	require.NoError(t, d.FanOutResolved(ctx, user, del))

	// Wipe the rows the resolution read; the delivery must already hold
	// everything it needs.
	require.NoError(t, store.DeleteUser(ctx, user.ID))
	require.NoError(t, store.DeleteFollowsOfActor(ctx, actorURI))

	d.Drain(5 * time.Second)
	assert.Equal(t, int32(1), posts.Load())
}

func TestFanOutCollapsesSharedInbox(t *testing.T) {
	ctx := context.Background()
	var posts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	d, store, urls := newTestDispatcher(t)
	user := seedLocalUser(t, store, "alice")
	actorURI := urls.Actor("alice")
	shared := ts.URL + "/shared"
	seedRemoteFollower(t, store, "https://peer.example/users/one", ts.URL+"/one", shared, actorURI)
	seedRemoteFollower(t, store, "https://peer.example/users/two", ts.URL+"/two", shared, actorURI)

	note := BuildDeleteActor(urls, actorURI)
	require.NoError(t, d.FanOutResolved(ctx, user, note))
	d.Drain(5 * time.Second)

	assert.Equal(t, int32(1), posts.Load(), "shared-inbox followers collapse into one POST")
}
