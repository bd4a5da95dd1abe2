package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

func newTestProcessor(t *testing.T) (*Processor, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	urls := NewURLs("https://stride.example", "stride.example")
	client := NewClient()
	resolver := NewResolver(store, client, log)
	outbox := NewDispatcher(store, client, resolver, urls, log)
	return NewProcessor(store, resolver, outbox, urls, log), store
}

// seedRemoteActor plants a fresh cache entry so the resolver never goes over
// the wire during a test.
func seedRemoteActor(t *testing.T, store *db.Store, uri string) *db.RemoteActor {
	t.Helper()
	ra := &db.RemoteActor{
		ActorURI:    uri,
		Username:    "runner",
		InboxURL:    uri + "/inbox",
		DisplayName: "Remote Runner",
		LastFetched: time.Now(),
	}
	require.NoError(t, store.UpsertRemoteActor(context.Background(), ra))
	return ra
}

func seedLocalUser(t *testing.T, store *db.Store, username string) *db.User {
	t.Helper()
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	u := &db.User{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         username + "@example.com",
		PasswordHash:  "x",
		PrivateKeyPEM: priv,
		PublicKeyPEM:  pub,
		Enabled:       true,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

// seedAcceptedFollow gives a local user an accepted follow onto an actor, so
// the actor's posts pass the inbox follower gate.
func seedAcceptedFollow(t *testing.T, store *db.Store, userID, followingActorURI string) {
	t.Helper()
	require.NoError(t, store.CreateFollow(context.Background(), &db.Follow{
		ID:                uuid.NewString(),
		FollowerUserID:    userID,
		FollowingActorURI: followingActorURI,
		Status:            db.FollowAccepted,
		CreatedAt:         time.Now(),
	}))
}

func seedLocalActivity(t *testing.T, store *db.Store, userID string) *db.Activity {
	t.Helper()
	started := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	a := &db.Activity{
		ID:              uuid.NewString(),
		UserID:          userID,
		ActivityType:    "running",
		Title:           "test run",
		StartedAt:       &started,
		Timezone:        "UTC",
		Visibility:      db.VisibilityPublic,
		DistanceMeters:  5000,
		DurationSeconds: 1500,
		SourceFormat:    "GPX",
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.SaveActivity(context.Background(), a, &db.Metrics{ActivityID: a.ID}))
	return a
}

func createActivity(t *testing.T, id, actor string, note *IncomingNote, to ...string) *IncomingActivity {
	t.Helper()
	obj, err := json.Marshal(note)
	require.NoError(t, err)
	return &IncomingActivity{
		ID:     id,
		Type:   "Create",
		Actor:  actor,
		Object: obj,
		To:     StringOrArray(to),
	}
}

func TestProcessStoresRemoteWorkout(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	user := seedLocalUser(t, store, "alice")
	seedAcceptedFollow(t, store, user.ID, actor.ActorURI)

	note := &IncomingNote{
		ID:      "https://peer.example/notes/1",
		Type:    "Note",
		Content: "<p>Morning <b>run</b></p><script>alert(1)</script>",
		WorkoutData: &WorkoutData{
			ActivityType:    "running",
			StartedAt:       "2026-06-01T08:00:00Z",
			DistanceMeters:  10000,
			DurationSeconds: 3000,
			AveragePace:     300,
			ElevationGain:   42,
			AvgHeartRate:    150,
			MapImageURL:     "https://peer.example/maps/1.png",
			TrackGeoJSONURL: "https://peer.example/tracks/1.geojson",
		},
	}
	act := createActivity(t, "https://peer.example/creates/1", actor.ActorURI, note, PublicURI)
	require.NoError(t, p.Process(ctx, "alice", act))

	got, err := store.ListRemoteActivitiesByActors(ctx, []string{actor.ActorURI}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	started := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	want := &db.RemoteActivity{
		ActivityURI:     "https://peer.example/notes/1",
		ActorURI:        actor.ActorURI,
		Content:         "Morning run",
		StartedAt:       &started,
		ActivityType:    "running",
		DistanceMeters:  10000,
		DurationSeconds: 3000,
		AveragePace:     300,
		ElevationGain:   42,
		AvgHeartRate:    150,
		MapImageURL:     "https://peer.example/maps/1.png",
		TrackGeoJSONURL: "https://peer.example/tracks/1.geojson",
		Visibility:      db.VisibilityPublic,
	}
	opts := cmpopts.IgnoreFields(db.RemoteActivity{}, "ReceivedAt")
	if diff := cmp.Diff(want, got[0], opts); diff != "" {
		t.Errorf("stored remote workout mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessDuplicateDeliverySkipped(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	user := seedLocalUser(t, store, "alice")
	seedAcceptedFollow(t, store, user.ID, actor.ActorURI)

	note := &IncomingNote{ID: "https://peer.example/notes/2", Type: "Note", Content: "first"}
	act := createActivity(t, "https://peer.example/creates/2", actor.ActorURI, note, PublicURI)
	require.NoError(t, p.Process(ctx, "", act))

	// The shared inbox redelivers the same activity id with a mutated body.
	note.Content = "second"
	require.NoError(t, p.Process(ctx, "", createActivity(t, act.ID, actor.ActorURI, note, PublicURI)))

	got, err := store.ListRemoteActivitiesByActors(ctx, []string{actor.ActorURI}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Content)
}

func TestProcessStoresCommentAndNotifies(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	user := seedLocalUser(t, store, "alice")
	activity := seedLocalActivity(t, store, user.ID)

	note := &IncomingNote{
		ID:        "https://peer.example/notes/3",
		Type:      "Note",
		Content:   "<p>Nice <em>pace</em>!</p>",
		InReplyTo: fmt.Sprintf("https://stride.example/activities/%s/note", activity.ID),
	}
	act := createActivity(t, "https://peer.example/creates/3", actor.ActorURI, note, PublicURI)
	require.NoError(t, p.Process(ctx, "alice", act))

	comments, err := store.ListComments(ctx, activity.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Nice pace!", comments[0].Content)
	assert.Equal(t, actor.ActorURI, comments[0].RemoteActorURI)

	notifs, err := store.ListNotifications(ctx, user.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, db.NotificationComment, notifs[0].Type)
	assert.Equal(t, "Remote Runner", notifs[0].ActorName)
	assert.Equal(t, activity.ID, notifs[0].ActivityID)
}

func TestProcessLikeAndUndo(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	user := seedLocalUser(t, store, "alice")
	activity := seedLocalActivity(t, store, user.ID)

	noteURI := fmt.Sprintf("https://stride.example/activities/%s/note", activity.ID)
	like := &IncomingActivity{
		ID:     "https://peer.example/likes/1",
		Type:   "Like",
		Actor:  actor.ActorURI,
		Object: json.RawMessage(fmt.Sprintf("%q", noteURI)),
	}
	require.NoError(t, p.Process(ctx, "alice", like))

	stats, err := store.GetActivityStats(ctx, []string{activity.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[activity.ID].Likes)

	inner, _ := json.Marshal(like)
	undo := &IncomingActivity{
		ID:     "https://peer.example/undos/1",
		Type:   "Undo",
		Actor:  actor.ActorURI,
		Object: inner,
	}
	require.NoError(t, p.Process(ctx, "alice", undo))

	stats, err = store.GetActivityStats(ctx, []string{activity.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats[activity.ID].Likes)
}

func TestProcessFollowAutoAccepts(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	user := seedLocalUser(t, store, "alice")

	follow := &IncomingActivity{
		ID:     "https://peer.example/follows/1",
		Type:   "Follow",
		Actor:  actor.ActorURI,
		Object: json.RawMessage(`"https://stride.example/users/alice"`),
	}
	require.NoError(t, p.Process(ctx, "alice", follow))

	edge, err := store.GetFollowByActivityPubID(ctx, follow.ID)
	require.NoError(t, err)
	assert.Equal(t, db.FollowAccepted, edge.Status)
	assert.Equal(t, actor.ActorURI, edge.RemoteActorURI)

	notifs, err := store.ListNotifications(ctx, user.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, db.NotificationFollow, notifs[0].Type)
}

func TestProcessUndoFollowRemovesEdge(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	seedLocalUser(t, store, "alice")

	follow := &IncomingActivity{
		ID:     "https://peer.example/follows/2",
		Type:   "Follow",
		Actor:  actor.ActorURI,
		Object: json.RawMessage(`"https://stride.example/users/alice"`),
	}
	require.NoError(t, p.Process(ctx, "alice", follow))

	inner, _ := json.Marshal(follow)
	undo := &IncomingActivity{
		ID:     "https://peer.example/undos/2",
		Type:   "Undo",
		Actor:  actor.ActorURI,
		Object: inner,
	}
	require.NoError(t, p.Process(ctx, "alice", undo))

	_, err := store.GetFollowByActivityPubID(ctx, follow.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestProcessFollowRejectsForeignTarget(t *testing.T) {
	p, store := newTestProcessor(t)
	seedRemoteActor(t, store, "https://peer.example/users/runner")

	follow := &IncomingActivity{
		ID:     "https://peer.example/follows/3",
		Type:   "Follow",
		Actor:  "https://peer.example/users/runner",
		Object: json.RawMessage(`"https://elsewhere.example/users/bob"`),
	}
	err := p.Process(context.Background(), "", follow)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestProcessIgnoresWorkoutFromUnfollowedActor(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	seedLocalUser(t, store, "alice")

	note := &IncomingNote{ID: "https://peer.example/notes/9", Type: "Note", Content: "spam"}
	act := createActivity(t, "https://peer.example/creates/9", actor.ActorURI, note, PublicURI)
	require.NoError(t, p.Process(ctx, "alice", act))

	got, err := store.ListRemoteActivitiesByActors(ctx, []string{actor.ActorURI}, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "workout from an unfollowed actor must not be stored")

	// Same on the shared inbox, where no recipient is named.
	note.ID = "https://peer.example/notes/10"
	require.NoError(t, p.Process(ctx, "",
		createActivity(t, "https://peer.example/creates/10", actor.ActorURI, note, PublicURI)))
	got, err = store.ListRemoteActivitiesByActors(ctx, []string{actor.ActorURI}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProcessDeleteActorPurgesData(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	user := seedLocalUser(t, store, "alice")
	seedAcceptedFollow(t, store, user.ID, actor.ActorURI)

	note := &IncomingNote{ID: "https://peer.example/notes/4", Type: "Note", Content: "hi"}
	require.NoError(t, p.Process(ctx, "alice",
		createActivity(t, "https://peer.example/creates/4", actor.ActorURI, note, PublicURI)))

	del := &IncomingActivity{
		ID:     "https://peer.example/deletes/1",
		Type:   "Delete",
		Actor:  actor.ActorURI,
		Object: json.RawMessage(fmt.Sprintf("%q", actor.ActorURI)),
	}
	require.NoError(t, p.Process(ctx, "alice", del))

	_, err := store.GetRemoteActor(ctx, actor.ActorURI)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	got, err := store.ListRemoteActivitiesByActors(ctx, []string{actor.ActorURI}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProcessDeleteOnlyRemovesOwnObject(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t)
	actor := seedRemoteActor(t, store, "https://peer.example/users/runner")
	imposter := seedRemoteActor(t, store, "https://evil.example/users/imposter")
	user := seedLocalUser(t, store, "alice")
	seedAcceptedFollow(t, store, user.ID, actor.ActorURI)

	note := &IncomingNote{ID: "https://peer.example/notes/5", Type: "Note", Content: "keep me"}
	require.NoError(t, p.Process(ctx, "alice",
		createActivity(t, "https://peer.example/creates/5", actor.ActorURI, note, PublicURI)))

	// A Delete from anyone but the author matches nothing.
	del := &IncomingActivity{
		ID:     "https://evil.example/deletes/1",
		Type:   "Delete",
		Actor:  imposter.ActorURI,
		Object: json.RawMessage(fmt.Sprintf("%q", note.ID)),
	}
	require.NoError(t, p.Process(ctx, "alice", del))

	got, err := store.ListRemoteActivitiesByActors(ctx, []string{actor.ActorURI}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// The author's own Delete removes it.
	del.ID = "https://peer.example/deletes/2"
	del.Actor = actor.ActorURI
	require.NoError(t, p.Process(ctx, "alice", del))
	got, err = store.ListRemoteActivitiesByActors(ctx, []string{actor.ActorURI}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAudienceVisibility(t *testing.T) {
	pub := &IncomingActivity{To: StringOrArray{PublicURI}}
	assert.Equal(t, db.VisibilityPublic, audienceVisibility(pub, &IncomingNote{}))

	ccPub := &IncomingActivity{CC: StringOrArray{PublicURI}}
	assert.Equal(t, db.VisibilityPublic, audienceVisibility(ccPub, &IncomingNote{}))

	noteOnly := &IncomingActivity{}
	assert.Equal(t, db.VisibilityPublic,
		audienceVisibility(noteOnly, &IncomingNote{CC: StringOrArray{PublicURI}}))

	followers := &IncomingActivity{To: StringOrArray{"https://peer.example/users/runner/followers"}}
	assert.Equal(t, db.VisibilityFollowers, audienceVisibility(followers, &IncomingNote{}))
}
