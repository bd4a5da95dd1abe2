package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/timeline"
)

var commentPolicy = bluemonday.StrictPolicy()

// ─── Timeline ─────────────────────────────────────────────────────────────────

func (s *Server) handleHomeTimeline(w http.ResponseWriter, r *http.Request) {
	entries, err := s.timeline.Home(r.Context(), currentUserID(r),
		queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jsonResponse(w, entriesJSON(entries), http.StatusOK)
}

func (s *Server) handlePublicTimeline(w http.ResponseWriter, r *http.Request) {
	activities, err := s.store.ListPublicActivities(r.Context(),
		queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(activities))
	for i, a := range activities {
		out[i] = activityJSON(a, nil, nil)
	}
	jsonResponse(w, out, http.StatusOK)
}

func entriesJSON(entries []*timeline.Entry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Local != nil:
			item := activityJSON(e.Local, nil, nil)
			item["origin"] = "local"
			if e.LocalUser != nil {
				item["author"] = map[string]string{
					"username":    e.LocalUser.Username,
					"displayName": e.LocalUser.DisplayName,
					"avatarUrl":   e.LocalUser.AvatarURL,
				}
			}
			if e.Stats != nil {
				item["likes"] = e.Stats.Likes
				item["comments"] = e.Stats.Comments
				item["liked"] = e.Stats.Liked
			}
			out = append(out, item)
		case e.Remote != nil:
			item := map[string]interface{}{
				"origin":          "remote",
				"uri":             e.Remote.ActivityURI,
				"content":         e.Remote.Content,
				"activityType":    e.Remote.ActivityType,
				"distanceMeters":  e.Remote.DistanceMeters,
				"durationSeconds": e.Remote.DurationSeconds,
				"elevationGain":   e.Remote.ElevationGain,
				"mapImageUrl":     e.Remote.MapImageURL,
			}
			if e.Remote.StartedAt != nil {
				item["startedAt"] = e.Remote.StartedAt.UTC().Format(time.RFC3339)
			}
			if e.RemoteActor != nil {
				item["author"] = map[string]string{
					"actor":       e.RemoteActor.ActorURI,
					"username":    e.RemoteActor.Username,
					"displayName": e.RemoteActor.DisplayName,
					"avatarUrl":   e.RemoteActor.AvatarURL,
				}
			}
			out = append(out, item)
		}
	}
	return out
}

// ─── Likes and Comments ───────────────────────────────────────────────────────

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	activity, err := s.loadVisible(r, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := currentUserID(r)
	err = s.store.CreateLike(r.Context(), &db.Like{
		ID:         uuid.NewString(),
		ActivityID: activity.ID,
		UserID:     userID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifyOwner(r.Context(), activity, userID, db.NotificationLike)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteLike(r.Context(), chi.URLParam(r, "id"), currentUserID(r), ""); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	activity, err := s.loadVisible(r, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	comments, err := s.store.ListComments(r.Context(), activity.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(comments))
	for i, c := range comments {
		item := map[string]interface{}{
			"id":        c.ID,
			"content":   c.Content,
			"createdAt": c.CreatedAt.Format(time.RFC3339),
		}
		if c.UserID != "" {
			if u, err := s.store.GetUser(r.Context(), c.UserID); err == nil {
				item["author"] = map[string]string{"username": u.Username, "displayName": u.DisplayName}
			}
		} else {
			item["author"] = map[string]string{"actor": c.RemoteActorURI}
		}
		out[i] = item
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	activity, err := s.loadVisible(r, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	content := strings.TrimSpace(commentPolicy.Sanitize(req.Content))
	if content == "" {
		s.writeError(w, r, apperr.E(apperr.KindValidation, "empty comment"))
		return
	}
	if len(content) > 2000 {
		s.writeError(w, r, apperr.E(apperr.KindValidation, "comment exceeds 2000 characters"))
		return
	}

	comment := &db.Comment{
		ID:            uuid.NewString(),
		ActivityID:    activity.ID,
		UserID:        currentUserID(r),
		Content:       content,
		ActivityPubID: s.urls.NewID("comments"),
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateComment(r.Context(), comment); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifyOwner(r.Context(), activity, comment.UserID, db.NotificationComment)
	jsonResponse(w, map[string]string{"id": comment.ID}, http.StatusCreated)
}

// notifyOwner records a like/comment notification unless the actor is the
// activity's own author.
func (s *Server) notifyOwner(ctx context.Context, activity *db.Activity, actorUserID, kind string) {
	if activity.UserID == actorUserID {
		return
	}
	actorName := actorUserID
	if u, err := s.store.GetUser(ctx, actorUserID); err == nil {
		actorName = u.Username
	}
	err := s.store.CreateNotification(ctx, &db.Notification{
		ID:         uuid.NewString(),
		UserID:     activity.UserID,
		Type:       kind,
		ActorName:  actorName,
		ActivityID: activity.ID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		s.log.Warn("failed to record notification", "activity", activity.ID, "error", err)
	}
}

// ─── Follows ──────────────────────────────────────────────────────────────────

// handleFollowRemote resolves a fediverse handle and sends a Follow.
func (s *Server) handleFollowRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle string `json:"handle"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.store.GetUser(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	actorURI, err := s.client.WebFingerResolve(r.Context(), req.Handle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	remote, err := s.resolver.Resolve(r.Context(), actorURI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	followID := s.urls.NewID("follows")
	err = s.store.CreateFollow(r.Context(), &db.Follow{
		ID:                uuid.NewString(),
		FollowerUserID:    user.ID,
		FollowingActorURI: remote.ActorURI,
		Status:            db.FollowPending,
		ActivityPubID:     followID,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	follow := ap.BuildFollow(s.urls, followID, s.urls.Actor(user.Username), remote.ActorURI)
	s.outbox.DeliverToInbox(remote.InboxURL, follow, s.urls.KeyID(user.Username), user.PrivateKeyPEM)
	jsonResponse(w, map[string]string{"actor": remote.ActorURI, "status": db.FollowPending}, http.StatusAccepted)
}

func (s *Server) handleUnfollowRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.store.GetUser(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	edges, err := s.store.ListFollowing(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var edge *db.Follow
	for _, f := range edges {
		if f.FollowingActorURI == req.Actor {
			edge = f
			break
		}
	}
	if edge == nil {
		s.writeError(w, r, apperr.E(apperr.KindNotFound, "not following %s", req.Actor))
		return
	}

	if remote, err := s.resolver.Resolve(r.Context(), req.Actor); err == nil {
		actorURI := s.urls.Actor(user.Username)
		inner := ap.BuildFollow(s.urls, edge.ActivityPubID, actorURI, req.Actor)
		undo := ap.BuildUndo(s.urls, actorURI, inner)
		s.outbox.DeliverToInbox(remote.InboxURL, undo, s.urls.KeyID(user.Username), user.PrivateKeyPEM)
	}

	if err := s.store.DeleteFollowByActivityPubID(r.Context(), edge.ActivityPubID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFollowing(w http.ResponseWriter, r *http.Request) {
	edges, err := s.store.ListFollowing(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]string, len(edges))
	for i, f := range edges {
		out[i] = map[string]string{
			"actor":  f.FollowingActorURI,
			"status": f.Status,
		}
	}
	jsonResponse(w, out, http.StatusOK)
}

// ─── Notifications ────────────────────────────────────────────────────────────

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	notifications, err := s.store.ListNotifications(r.Context(), userID,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	unread, err := s.store.CountUnreadNotifications(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]map[string]interface{}, len(notifications))
	for i, n := range notifications {
		items[i] = map[string]interface{}{
			"id":         n.ID,
			"type":       n.Type,
			"actorName":  n.ActorName,
			"actorUri":   n.ActorURI,
			"activityId": n.ActivityID,
			"read":       n.Read,
			"createdAt":  n.CreatedAt.Format(time.RFC3339),
		}
	}
	jsonResponse(w, map[string]interface{}{"unread": unread, "items": items}, http.StatusOK)
}

func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkNotificationsRead(r.Context(), currentUserID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
