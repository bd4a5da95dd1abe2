package ap

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/db"
)

var testURLs = NewURLs("https://stride.example", "stride.example")

func testUser() *db.User {
	return &db.User{
		ID:           "u1",
		Username:     "alice",
		DisplayName:  "Alice",
		PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
	}
}

func testActivity(visibility string) *db.Activity {
	started := time.Date(2026, 4, 1, 6, 30, 0, 0, time.UTC)
	return &db.Activity{
		ID:              "a1",
		UserID:          "u1",
		ActivityType:    "running",
		Title:           "Morning run",
		Visibility:      visibility,
		DistanceMeters:  10000,
		DurationSeconds: 3000,
		ElevationGain:   120,
		StartedAt:       &started,
	}
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://stride.example/users/alice", testURLs.Actor("alice"))
	assert.Equal(t, "https://stride.example/users/alice/inbox", testURLs.Inbox("alice"))
	assert.Equal(t, "https://stride.example/users/alice#main-key", testURLs.KeyID("alice"))
	assert.Equal(t, "https://stride.example/inbox", testURLs.SharedInbox())
	assert.Equal(t, "https://stride.example/activities/a1", testURLs.Note("a1"))

	assert.True(t, testURLs.IsLocal("https://stride.example/activities/a1"))
	assert.False(t, testURLs.IsLocal("https://other.example/activities/a1"))
	assert.False(t, testURLs.IsLocal("https://stride.example.evil/users/x"))

	assert.Equal(t, "alice", testURLs.LocalUsername("https://stride.example/users/alice"))
	assert.Empty(t, testURLs.LocalUsername("https://stride.example/users/alice/outbox"))
	assert.Empty(t, testURLs.LocalUsername("https://other.example/users/alice"))
}

func TestBuildActor(t *testing.T) {
	actor := BuildActor(testURLs, testUser())
	assert.Equal(t, "https://stride.example/users/alice", actor.ID)
	assert.Equal(t, "Person", actor.Type)
	assert.Equal(t, "alice", actor.PreferredUsername)
	require.NotNil(t, actor.PublicKey)
	assert.Equal(t, actor.ID+"#main-key", actor.PublicKey.ID)
	assert.Equal(t, actor.ID, actor.PublicKey.Owner)
	require.NotNil(t, actor.Endpoints)
	assert.Equal(t, "https://stride.example/inbox", actor.Endpoints.SharedInbox)
}

func TestBuildWorkoutNotePublicAudience(t *testing.T) {
	note := BuildWorkoutNote(testURLs, testUser(), testActivity(db.VisibilityPublic), &db.Metrics{AvgHeartRate: 150}, true)

	assert.Equal(t, []string{PublicURI}, note.To)
	assert.Equal(t, []string{testURLs.Followers("alice")}, note.CC)

	require.NotNil(t, note.WorkoutData)
	assert.Equal(t, "running", note.WorkoutData.ActivityType)
	assert.Equal(t, 10000.0, note.WorkoutData.DistanceMeters)
	assert.Equal(t, int64(3000), note.WorkoutData.DurationSeconds)
	// 3000 s over 10 km is a 300 s/km pace.
	assert.InDelta(t, 300, note.WorkoutData.AveragePace, 0.001)
	assert.Equal(t, 150.0, note.WorkoutData.AvgHeartRate)
	assert.Equal(t, testURLs.TrackGeoJSON("a1"), note.WorkoutData.TrackGeoJSONURL)

	// The map image and the GeoJSON track ride along as attachments for
	// clients that only render generic notes.
	require.Len(t, note.Attachment, 2)
	assert.Equal(t, "Image", note.Attachment[0].Type)
	assert.Equal(t, testURLs.MapImage("a1"), note.Attachment[0].URL)
	assert.Equal(t, "Document", note.Attachment[1].Type)
	assert.Equal(t, "application/geo+json", note.Attachment[1].MediaType)
	assert.Equal(t, testURLs.TrackGeoJSON("a1"), note.Attachment[1].URL)

	assert.Contains(t, note.Content, "Morning run")
	assert.Contains(t, note.Content, "10.00 km")
}

func TestBuildWorkoutNoteFollowersAudience(t *testing.T) {
	note := BuildWorkoutNote(testURLs, testUser(), testActivity(db.VisibilityFollowers), &db.Metrics{}, false)
	assert.Equal(t, []string{testURLs.Followers("alice")}, note.To)
	assert.Empty(t, note.CC)
	assert.Empty(t, note.WorkoutData.MapImageURL)
	assert.Empty(t, note.Attachment)
}

func TestBuildCreateMatchesNoteAudience(t *testing.T) {
	note := BuildWorkoutNote(testURLs, testUser(), testActivity(db.VisibilityPublic), &db.Metrics{}, false)
	create := BuildCreate(testURLs, testURLs.Actor("alice"), note)
	assert.Equal(t, note.ID+"/create", create.ID)
	assert.Equal(t, "Create", create.Type)
	assert.Equal(t, note.To, create.To)
	assert.Equal(t, note.CC, create.CC)
	assert.Same(t, note, create.Object)
}

func TestBuildAccept(t *testing.T) {
	follow := &IncomingActivity{
		ID:    "https://peer.example/follows/1",
		Type:  "Follow",
		Actor: "https://peer.example/users/bob",
	}
	accept := BuildAccept(testURLs, testURLs.Actor("alice"), follow)
	assert.Equal(t, "Accept", accept.Type)
	assert.Equal(t, []string{follow.Actor}, accept.To)
	obj, ok := accept.Object.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, follow.ID, obj["id"])
	assert.Equal(t, testURLs.Actor("alice"), obj["object"])
}

func TestBuildUndoCarriesInnerAudience(t *testing.T) {
	follow := BuildFollow(testURLs, testURLs.NewID("follows"),
		testURLs.Actor("alice"), "https://peer.example/users/bob")
	undo := BuildUndo(testURLs, testURLs.Actor("alice"), follow)
	assert.Equal(t, "Undo", undo.Type)
	assert.Equal(t, follow.To, undo.To)
	assert.Same(t, follow, undo.Object)
}

func TestBuildDeleteActor(t *testing.T) {
	actorURI := testURLs.Actor("alice")
	del := BuildDeleteActor(testURLs, actorURI)
	assert.Equal(t, actorURI+"#delete", del.ID)
	assert.Equal(t, actorURI, del.Object)
	assert.Equal(t, []string{PublicURI}, del.To)
}

func TestWorkoutHTMLEscapes(t *testing.T) {
	a := testActivity(db.VisibilityPublic)
	a.Title = `<script>alert("x")</script>`
	html := workoutHTML(a)
	assert.NotContains(t, html, "<script>")
	assert.True(t, strings.Contains(html, "&lt;script&gt;"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "50:00", formatDuration(3000))
	assert.Equal(t, "1:01:05", formatDuration(3665))
	assert.Equal(t, "0:45", formatDuration(45))
}
