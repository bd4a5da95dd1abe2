package ap

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

// seenCacheSize bounds the dedup window for activity ids. Shared-inbox
// fan-in can deliver the same activity once per addressed follower; one pass
// through the processor is enough.
const seenCacheSize = 4096

// Processor handles verified inbound activities. Handlers are idempotent:
// the database uniqueness rules plus the seen-cache make replayed deliveries
// no-ops.
type Processor struct {
	store    *db.Store
	resolver *Resolver
	outbox   *Dispatcher
	urls     URLs
	log      *slog.Logger

	sanitize *bluemonday.Policy

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func NewProcessor(store *db.Store, resolver *Resolver, outbox *Dispatcher, urls URLs, log *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		resolver: resolver,
		outbox:   outbox,
		urls:     urls,
		log:      log,
		sanitize: bluemonday.StrictPolicy(),
		seen:     make(map[string]struct{}, seenCacheSize),
	}
}

// Process dispatches one verified activity. The recipient is the local
// username whose inbox received it, empty for shared-inbox deliveries.
// Unknown types are logged and dropped without error, per the
// live-and-let-live rule of federation.
func (p *Processor) Process(ctx context.Context, recipient string, act *IncomingActivity) error {
	if act.ID != "" && p.alreadySeen(act.ID) {
		p.log.Debug("duplicate delivery skipped", "activity", act.ID)
		return nil
	}

	switch act.Type {
	case "Follow":
		return p.handleFollow(ctx, act)
	case "Undo":
		return p.handleUndo(ctx, act)
	case "Accept":
		return p.handleAccept(ctx, act)
	case "Create":
		return p.handleCreate(ctx, recipient, act)
	case "Like":
		return p.handleLike(ctx, act)
	case "Delete":
		return p.handleDelete(ctx, act)
	default:
		p.log.Debug("ignoring activity type", "type", act.Type, "actor", act.Actor)
		return nil
	}
}

func (p *Processor) alreadySeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return true
	}
	p.seen[id] = struct{}{}
	p.order = append(p.order, id)
	if len(p.order) > seenCacheSize {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	return false
}

// handleFollow records the edge, auto-accepts and notifies the followee.
func (p *Processor) handleFollow(ctx context.Context, act *IncomingActivity) error {
	targetURI := act.ObjectID()
	username := p.urls.LocalUsername(targetURI)
	if username == "" {
		return apperr.E(apperr.KindValidation, "follow target %s is not a local actor", targetURI)
	}
	user, err := p.store.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}

	remote, err := p.resolver.Resolve(ctx, act.Actor)
	if err != nil {
		return err
	}

	err = p.store.CreateFollow(ctx, &db.Follow{
		ID:                uuid.NewString(),
		RemoteActorURI:    remote.ActorURI,
		FollowingActorURI: targetURI,
		Status:            db.FollowAccepted, // auto-accept
		ActivityPubID:     act.ID,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		return err
	}

	accept := BuildAccept(p.urls, targetURI, act)
	p.outbox.DeliverToInbox(remote.InboxURL, accept, p.urls.KeyID(username), user.PrivateKeyPEM)

	return p.notify(ctx, user.ID, db.NotificationFollow, remote, "")
}

func (p *Processor) handleUndo(ctx context.Context, act *IncomingActivity) error {
	inner, err := act.EmbeddedActivity()
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "undo carries no activity object")
	}
	switch inner.Type {
	case "Follow":
		if inner.ID != "" {
			if err := p.store.DeleteFollowByActivityPubID(ctx, inner.ID); err != nil {
				return err
			}
		}
		// Some servers regenerate the Follow without its original id.
		return p.store.DeleteFollowByPair(ctx, act.Actor, inner.ObjectID())
	case "Like":
		activityID := p.localActivityID(inner.ObjectID())
		if activityID == "" {
			return nil
		}
		return p.store.DeleteLike(ctx, activityID, "", act.Actor)
	default:
		p.log.Debug("ignoring undo of type", "type", inner.Type)
		return nil
	}
}

// handleAccept marks our outgoing follow as accepted.
func (p *Processor) handleAccept(ctx context.Context, act *IncomingActivity) error {
	inner, err := act.EmbeddedActivity()
	if err != nil || inner.Type != "Follow" {
		p.log.Debug("ignoring accept without follow object", "actor", act.Actor)
		return nil
	}
	if inner.ID != "" {
		return p.store.AcceptFollow(ctx, inner.ID)
	}
	username := p.urls.LocalUsername(inner.Actor)
	if username == "" {
		return nil
	}
	user, err := p.store.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	return p.store.AcceptFollowByPair(ctx, user.ID, act.Actor)
}

// handleCreate stores either a remote workout Note or a comment on a local
// activity, depending on inReplyTo.
func (p *Processor) handleCreate(ctx context.Context, recipient string, act *IncomingActivity) error {
	var note IncomingNote
	if err := json.Unmarshal(act.Object, &note); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "create carries no note object")
	}
	if note.ID == "" {
		return apperr.E(apperr.KindValidation, "note without id")
	}

	if activityID := p.localActivityID(note.InReplyTo); activityID != "" {
		return p.storeComment(ctx, act, &note, activityID)
	}
	return p.storeRemoteWorkout(ctx, recipient, act, &note)
}

func (p *Processor) storeComment(ctx context.Context, act *IncomingActivity, note *IncomingNote, activityID string) error {
	activity, err := p.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	remote, err := p.resolver.Resolve(ctx, act.Actor)
	if err != nil {
		return err
	}

	// Remote HTML is stripped to plain text before it is stored.
	content := strings.TrimSpace(p.sanitize.Sanitize(note.Content))
	if content == "" {
		return nil
	}

	if err := p.store.CreateComment(ctx, &db.Comment{
		ID:             uuid.NewString(),
		ActivityID:     activityID,
		RemoteActorURI: remote.ActorURI,
		Content:        content,
		ActivityPubID:  note.ID,
		CreatedAt:      time.Now(),
	}); err != nil {
		return err
	}
	return p.notify(ctx, activity.UserID, db.NotificationComment, remote, activityID)
}

func (p *Processor) storeRemoteWorkout(ctx context.Context, recipient string, act *IncomingActivity, note *IncomingNote) error {
	// Unsolicited posts never land on timelines: the sender must be followed
	// by the recipient, or by anyone here when the shared inbox took it.
	followed, err := p.followsSender(ctx, recipient, act.Actor)
	if err != nil {
		return err
	}
	if !followed {
		p.log.Debug("dropping workout from unfollowed actor", "actor", act.Actor)
		return nil
	}

	remote, err := p.resolver.Resolve(ctx, act.Actor)
	if err != nil {
		return err
	}

	ra := &db.RemoteActivity{
		ActivityURI: note.ID,
		ActorURI:    remote.ActorURI,
		Content:     p.sanitize.Sanitize(note.Content),
		Visibility:  audienceVisibility(act, note),
		ReceivedAt:  time.Now(),
	}
	if wd := note.WorkoutData; wd != nil {
		ra.ActivityType = wd.ActivityType
		ra.DistanceMeters = wd.DistanceMeters
		ra.DurationSeconds = wd.DurationSeconds
		ra.AveragePace = wd.AveragePace
		ra.ElevationGain = wd.ElevationGain
		ra.AvgHeartRate = wd.AvgHeartRate
		ra.MapImageURL = wd.MapImageURL
		ra.TrackGeoJSONURL = wd.TrackGeoJSONURL
		if wd.StartedAt != "" {
			if t, err := time.Parse(time.RFC3339, wd.StartedAt); err == nil {
				utc := t.UTC()
				ra.StartedAt = &utc
			}
		}
	}
	if ra.StartedAt == nil && note.Published != "" {
		if t, err := time.Parse(time.RFC3339, note.Published); err == nil {
			utc := t.UTC()
			ra.StartedAt = &utc
		}
	}
	return p.store.UpsertRemoteActivity(ctx, ra)
}

func (p *Processor) followsSender(ctx context.Context, recipient, actorURI string) (bool, error) {
	if recipient == "" {
		return p.store.HasAcceptedLocalFollower(ctx, actorURI)
	}
	user, err := p.store.GetUserByUsername(ctx, recipient)
	if err != nil {
		return false, err
	}
	return p.store.IsFollowing(ctx, user.ID, "", actorURI)
}

func (p *Processor) handleLike(ctx context.Context, act *IncomingActivity) error {
	activityID := p.localActivityID(act.ObjectID())
	if activityID == "" {
		return nil
	}
	activity, err := p.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	remote, err := p.resolver.Resolve(ctx, act.Actor)
	if err != nil {
		return err
	}
	if err := p.store.CreateLike(ctx, &db.Like{
		ID:             uuid.NewString(),
		ActivityID:     activityID,
		RemoteActorURI: remote.ActorURI,
		CreatedAt:      time.Now(),
	}); err != nil {
		return err
	}
	return p.notify(ctx, activity.UserID, db.NotificationLike, remote, activityID)
}

// handleDelete distinguishes actor deletion (purge everything the actor left
// here) from single-object deletion.
func (p *Processor) handleDelete(ctx context.Context, act *IncomingActivity) error {
	objectID := act.ObjectID()
	if objectID == "" {
		return nil
	}
	if objectID == act.Actor {
		p.log.Info("remote actor deleted, purging data", "actor", act.Actor)
		return p.store.DeleteRemoteActorData(ctx, act.Actor)
	}
	// Only the author may delete their object.
	return p.store.DeleteRemoteActivity(ctx, objectID, act.Actor)
}

func (p *Processor) notify(ctx context.Context, userID, kind string, actor *db.RemoteActor, activityID string) error {
	name := actor.DisplayName
	if name == "" {
		name = actor.Username
	}
	return p.store.CreateNotification(ctx, &db.Notification{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       kind,
		ActorName:  name,
		ActorURI:   actor.ActorURI,
		ActivityID: activityID,
		CreatedAt:  time.Now(),
	})
}

// localActivityID maps a local Note URI back to the activity id it names.
func (p *Processor) localActivityID(noteURI string) string {
	prefix := p.urls.Base + "/activities/"
	if !strings.HasPrefix(noteURI, prefix) {
		return ""
	}
	id := strings.TrimPrefix(noteURI, prefix)
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	return id
}

func audienceVisibility(act *IncomingActivity, note *IncomingNote) string {
	for _, uri := range append(append([]string{}, act.To...), act.CC...) {
		if uri == PublicURI {
			return db.VisibilityPublic
		}
	}
	for _, uri := range append(append([]string{}, note.To...), note.CC...) {
		if uri == PublicURI {
			return db.VisibilityPublic
		}
	}
	return db.VisibilityFollowers
}
