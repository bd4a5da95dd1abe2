package ap

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stridefed/stride/internal/db"
)

// URLs derives every local ActivityPub identifier from the instance base URL.
type URLs struct {
	Base   string // e.g. https://stride.example
	Domain string // e.g. stride.example
}

func NewURLs(base, domain string) URLs {
	return URLs{Base: strings.TrimRight(base, "/"), Domain: domain}
}

func (u URLs) Actor(username string) string     { return u.Base + "/users/" + username }
func (u URLs) Inbox(username string) string     { return u.Actor(username) + "/inbox" }
func (u URLs) Outbox(username string) string    { return u.Actor(username) + "/outbox" }
func (u URLs) Followers(username string) string { return u.Actor(username) + "/followers" }
func (u URLs) Following(username string) string { return u.Actor(username) + "/following" }
func (u URLs) KeyID(username string) string     { return u.Actor(username) + "#main-key" }
func (u URLs) SharedInbox() string              { return u.Base + "/inbox" }
func (u URLs) Note(activityID string) string    { return u.Base + "/activities/" + activityID }
func (u URLs) ActivityPage(activityID string) string {
	return u.Base + "/activities/" + activityID
}
func (u URLs) MapImage(activityID string) string {
	return u.Base + "/activities/" + activityID + "/map.png"
}
func (u URLs) TrackGeoJSON(activityID string) string {
	return u.Base + "/activities/" + activityID + "/track.geojson"
}
func (u URLs) NewID(kind string) string {
	return u.Base + "/" + kind + "/" + uuid.NewString()
}

// IsLocal reports whether an AP id belongs to this instance.
func (u URLs) IsLocal(apID string) bool {
	return apID == u.Base || strings.HasPrefix(apID, u.Base+"/")
}

// LocalUsername extracts the username from a local actor URI, or "" when the
// URI is not a local actor.
func (u URLs) LocalUsername(actorURI string) string {
	prefix := u.Base + "/users/"
	if !strings.HasPrefix(actorURI, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(actorURI, prefix)
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// BuildActor renders the actor document of a local user.
func BuildActor(u URLs, user *db.User) *Actor {
	actorURI := u.Actor(user.Username)
	a := &Actor{
		Context:           DefaultContext,
		ID:                actorURI,
		Type:              "Person",
		Name:              user.DisplayName,
		PreferredUsername: user.Username,
		Inbox:             u.Inbox(user.Username),
		Outbox:            u.Outbox(user.Username),
		Followers:         u.Followers(user.Username),
		Following:         u.Following(user.Username),
		URL:               u.Base + "/@" + user.Username,
		PublicKey: &PublicKey{
			ID:           u.KeyID(user.Username),
			Owner:        actorURI,
			PublicKeyPem: user.PublicKeyPEM,
		},
		Endpoints: &Endpoints{SharedInbox: u.SharedInbox()},
	}
	if user.AvatarURL != "" {
		a.Icon = &Image{Type: "Image", URL: user.AvatarURL}
	}
	return a
}

// BuildWorkoutNote renders the federated Note for a local activity: an HTML
// summary for generic fediverse clients plus the structured workoutData
// extension, a map image attachment and a GeoJSON link for peers that speak
// the extension. Geometry URLs are only attached for outdoor activities with
// shareable geometry.
func BuildWorkoutNote(u URLs, user *db.User, a *db.Activity, m *db.Metrics, hasShareGeometry bool) *Note {
	actorURI := u.Actor(user.Username)
	note := &Note{
		ID:           u.Note(a.ID),
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      workoutHTML(a),
		URL:          u.ActivityPage(a.ID),
		WorkoutData: &WorkoutData{
			ActivityType:    a.ActivityType,
			DistanceMeters:  a.DistanceMeters,
			DurationSeconds: a.DurationSeconds,
			AveragePace:     averagePace(a),
			ElevationGain:   a.ElevationGain,
			AvgHeartRate:    m.AvgHeartRate,
		},
	}
	if a.StartedAt != nil {
		note.Published = a.StartedAt.UTC().Format(time.RFC3339)
		note.WorkoutData.StartedAt = note.Published
	}
	if hasShareGeometry {
		note.WorkoutData.MapImageURL = u.MapImage(a.ID)
		note.WorkoutData.TrackGeoJSONURL = u.TrackGeoJSON(a.ID)
		note.Attachment = append(note.Attachment,
			Attachment{
				Type:      "Image",
				URL:       u.MapImage(a.ID),
				MediaType: "image/png",
				Name:      "Route map",
			},
			Attachment{
				Type:      "Document",
				URL:       u.TrackGeoJSON(a.ID),
				MediaType: "application/geo+json",
				Name:      "Track",
			})
	}

	switch a.Visibility {
	case db.VisibilityPublic:
		note.To = []string{PublicURI}
		note.CC = []string{u.Followers(user.Username)}
	case db.VisibilityFollowers:
		note.To = []string{u.Followers(user.Username)}
	}
	return note
}

// BuildCreate wraps a Note into its Create activity, with matching audience.
func BuildCreate(u URLs, actorURI string, note *Note) *Activity {
	return &Activity{
		Context:   DefaultContext,
		ID:        note.ID + "/create",
		Type:      "Create",
		Actor:     actorURI,
		Object:    note,
		To:        note.To,
		CC:        note.CC,
		Published: note.Published,
	}
}

// BuildAccept wraps a received Follow into the Accept sent back.
func BuildAccept(u URLs, actorURI string, followActivity *IncomingActivity) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      u.NewID("accepts"),
		Type:    "Accept",
		Actor:   actorURI,
		Object: map[string]interface{}{
			"id":     followActivity.ID,
			"type":   "Follow",
			"actor":  followActivity.Actor,
			"object": actorURI,
		},
		To: []string{followActivity.Actor},
	}
}

// BuildFollow creates an outgoing Follow of a remote actor.
func BuildFollow(u URLs, id, actorURI, targetActorURI string) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      id,
		Type:    "Follow",
		Actor:   actorURI,
		Object:  targetActorURI,
		To:      []string{targetActorURI},
	}
}

// BuildUndo wraps a previously sent activity for retraction.
func BuildUndo(u URLs, actorURI string, inner *Activity) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      u.NewID("undos"),
		Type:    "Undo",
		Actor:   actorURI,
		Object:  inner,
		To:      inner.To,
	}
}

// BuildDeleteNote retracts a federated workout Note.
func BuildDeleteNote(u URLs, actorURI, noteID string) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      noteID + "/delete",
		Type:    "Delete",
		Actor:   actorURI,
		Object:  noteID,
		To:      []string{PublicURI},
	}
}

// BuildDeleteActor announces account deletion; receivers purge everything
// attributed to the actor.
func BuildDeleteActor(u URLs, actorURI string) *Activity {
	return &Activity{
		Context: DefaultContext,
		ID:      actorURI + "#delete",
		Type:    "Delete",
		Actor:   actorURI,
		Object:  actorURI,
		To:      []string{PublicURI},
	}
}

// workoutHTML is the human-readable fallback shown by clients that do not
// understand workoutData.
func workoutHTML(a *db.Activity) string {
	title := a.Title
	if title == "" {
		title = a.ActivityType
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<p><strong>%s</strong></p>", htmlEscape(title))
	fmt.Fprintf(&b, "<p>%s · %.2f km · %s",
		htmlEscape(a.ActivityType), a.DistanceMeters/1000, formatDuration(a.DurationSeconds))
	if a.ElevationGain > 0 {
		fmt.Fprintf(&b, " · %.0f m ↑", a.ElevationGain)
	}
	b.WriteString("</p>")
	if a.Description != "" {
		fmt.Fprintf(&b, "<p>%s</p>", htmlEscape(a.Description))
	}
	return b.String()
}

func averagePace(a *db.Activity) float64 {
	if a.DistanceMeters <= 0 {
		return 0
	}
	return float64(a.DurationSeconds) / (a.DistanceMeters / 1000)
}

func formatDuration(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;",
)

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }
