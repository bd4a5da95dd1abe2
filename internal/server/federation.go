package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

const collectionPageSize = 20

// ─── ActivityPub Handlers ─────────────────────────────────────────────────────

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, ap.WithContext(ap.BuildActor(s.urls, user)))
}

// handleInbox verifies the HTTP signature BEFORE interpreting any of the
// body, then acknowledges with 202 and processes asynchronously. Malformed
// JSON after a valid signature is the sender's bug: 400.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if _, err := ap.VerifyRequest(r, body, s.resolver); err != nil {
		s.log.Warn("rejected inbox delivery", "error", err, "remote", r.RemoteAddr,
			"kind", apperr.KindOf(err).String())
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var activity ap.IncomingActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}
	if activity.Type == "" || activity.Actor == "" {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}

	select {
	case s.inboxSem <- struct{}{}:
	default:
		s.log.Warn("inbox overloaded, asking peer to retry", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusServiceUnavailable)
		return
	}
	recipient := chi.URLParam(r, "username") // empty on the shared inbox
	go func() {
		defer func() { <-s.inboxSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.inbox.Process(ctx, recipient, &activity); err != nil {
			s.log.Warn("failed to process activity", "type", activity.Type,
				"actor", activity.Actor, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, err := s.store.GetUserByUsername(r.Context(), username); err != nil {
		http.NotFound(w, r)
		return
	}
	actorURI := s.urls.Actor(username)
	follows, err := s.store.ListAcceptedFollowers(r.Context(), actorURI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]string, 0, len(follows))
	for _, f := range follows {
		if f.RemoteActorURI != "" {
			items = append(items, f.RemoteActorURI)
		} else if u, err := s.store.GetUser(r.Context(), f.FollowerUserID); err == nil {
			items = append(items, s.urls.Actor(u.Username))
		}
	}
	s.serveCollection(w, r, actorURI+"/followers", items)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	uris, err := s.store.ListAcceptedFollowingURIs(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveCollection(w, r, s.urls.Following(username), uris)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	// Unauthenticated peers only see public posts.
	activities, err := s.store.ListUserActivities(r.Context(), user.ID,
		[]string{db.VisibilityPublic}, 1000, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]string, len(activities))
	for i, a := range activities {
		items[i] = s.urls.Note(a.ID) + "/create"
	}
	s.serveCollection(w, r, s.urls.Outbox(username), items)
}

// serveCollection renders an OrderedCollection header or one of its pages,
// switching on the ?page query the way Mastodon does.
func (s *Server) serveCollection(w http.ResponseWriter, r *http.Request, collectionID string, items []string) {
	pageParam := r.URL.Query().Get("page")
	if pageParam == "" {
		header := ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collectionID,
			Type:       "OrderedCollection",
			TotalItems: len(items),
		}
		if len(items) > 0 {
			header.First = collectionID + "?page=1"
		}
		apResponse(w, header)
		return
	}

	pageNum, err := strconv.Atoi(pageParam)
	if err != nil || pageNum < 1 {
		http.Error(w, "invalid page", http.StatusBadRequest)
		return
	}
	start := (pageNum - 1) * collectionPageSize
	if start > len(items) {
		start = len(items)
	}
	end := start + collectionPageSize
	if end > len(items) {
		end = len(items)
	}

	page := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           fmt.Sprintf("%s?page=%d", collectionID, pageNum),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionID,
		OrderedItems: items[start:end],
	}
	if end < len(items) {
		page.Next = fmt.Sprintf("%s?page=%d", collectionID, pageNum+1)
	}
	apResponse(w, page)
}

// handleActivityObject serves the Note behind a local activity to AP peers.
// Only PUBLIC activities are dereferenceable without a signed request.
func (s *Server) handleActivityObject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	activity, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if activity.Visibility != db.VisibilityPublic {
		http.NotFound(w, r)
		return
	}
	user, err := s.store.GetUser(r.Context(), activity.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics, err := s.store.GetActivityMetrics(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	note := ap.BuildWorkoutNote(s.urls, user, activity, metrics, activity.ShareGeometry != "")
	apResponse(w, ap.WithContext(note))
}

// handleTrackGeoJSON serves the privacy-masked share geometry as a GeoJSON
// Feature. This is the only geometry endpoint exposed to peers.
func (s *Server) handleTrackGeoJSON(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	activity, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if activity.Visibility != db.VisibilityPublic || activity.ShareGeometry == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	cacheHeaders(w, 3600)
	fmt.Fprintf(w, `{"type":"Feature","properties":{"activityType":%q},"geometry":{"type":"LineString","coordinates":%s}}`,
		activity.ActivityType, activity.ShareGeometry)
}

// ─── Discovery Handlers ───────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	username, host := parts[0], parts[1]
	if host != s.cfg.URL().Host && host != s.cfg.Domain {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if _, err := s.store.GetUserByUsername(r.Context(), username); err != nil {
		http.NotFound(w, r)
		return
	}

	actorURI := s.urls.Actor(username)
	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURI},
		Links: []ap.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: actorURI},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.BaseURL)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": s.cfg.Abs("/nodeinfo/2.1"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}
	info := ap.NodeInfo{
		Version: "2.1",
		Software: ap.NodeInfoSoftware{
			Name:    "stride",
			Version: version,
		},
		Protocols:         []string{"activitypub"},
		OpenRegistrations: s.cfg.RegistrationEnabled,
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}
