// Package timeline merges local and federated activities into a single feed.
package timeline

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

// Entry is one feed item: exactly one of Local or Remote is set. Stats and
// actor data are pre-joined so rendering never goes back to the store.
type Entry struct {
	Local       *db.Activity
	LocalUser   *db.User
	Remote      *db.RemoteActivity
	RemoteActor *db.RemoteActor
	Stats       *db.ActivityStats
	StartedAt   *time.Time
}

// Service assembles feeds. Both streams are over-fetched by a factor of two
// before the merge so a page boundary cannot starve either side.
type Service struct {
	store *db.Store
	urls  ap.URLs
	log   *slog.Logger
}

func New(store *db.Store, urls ap.URLs, log *slog.Logger) *Service {
	return &Service{store: store, urls: urls, log: log}
}

// Home returns a page of the user's following feed: their own activities
// plus those of accepted followees, local and remote, newest first with
// undated items last.
func (s *Service) Home(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	fetch := (offset + limit) * 2

	followingURIs, err := s.store.ListAcceptedFollowingURIs(ctx, userID)
	if err != nil {
		return nil, err
	}

	localUserIDs := []string{userID}
	var remoteURIs []string
	for _, uri := range followingURIs {
		if username := s.urls.LocalUsername(uri); username != "" {
			u, err := s.store.GetUserByUsername(ctx, username)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindNotFound {
					continue
				}
				return nil, err
			}
			localUserIDs = append(localUserIDs, u.ID)
		} else {
			remoteURIs = append(remoteURIs, uri)
		}
	}

	// Followees expose PUBLIC and FOLLOWERS posts; the viewer additionally
	// sees their own PRIVATE ones. Fetch broad, then drop private rows that
	// belong to others.
	local, err := s.store.ListActivitiesByUsers(ctx, localUserIDs,
		[]string{db.VisibilityPublic, db.VisibilityFollowers, db.VisibilityPrivate}, fetch)
	if err != nil {
		return nil, err
	}
	filtered := local[:0]
	for _, a := range local {
		if a.Visibility == db.VisibilityPrivate && a.UserID != userID {
			continue
		}
		filtered = append(filtered, a)
	}
	local = filtered

	remote, err := s.store.ListRemoteActivitiesByActors(ctx, remoteURIs, fetch)
	if err != nil {
		return nil, err
	}

	entries, err := s.assemble(ctx, userID, local, remote)
	if err != nil {
		return nil, err
	}
	return page(entries, limit, offset), nil
}

// Profile returns a page of one local user's activities as seen by viewerID
// (empty for anonymous).
func (s *Service) Profile(ctx context.Context, ownerID, viewerID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	visibilities := []string{db.VisibilityPublic}
	switch {
	case viewerID == ownerID:
		visibilities = []string{db.VisibilityPublic, db.VisibilityFollowers, db.VisibilityPrivate}
	case viewerID != "":
		owner, err := s.store.GetUser(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		following, err := s.store.IsFollowing(ctx, viewerID, "", s.urls.Actor(owner.Username))
		if err != nil {
			return nil, err
		}
		if following {
			visibilities = append(visibilities, db.VisibilityFollowers)
		}
	}

	local, err := s.store.ListUserActivities(ctx, ownerID, visibilities, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.assemble(ctx, viewerID, local, nil)
}

func (s *Service) assemble(ctx context.Context, viewerID string, local []*db.Activity, remote []*db.RemoteActivity) ([]*Entry, error) {
	ids := make([]string, len(local))
	for i, a := range local {
		ids[i] = a.ID
	}
	stats, err := s.store.GetActivityStats(ctx, ids, viewerID)
	if err != nil {
		return nil, err
	}

	users := make(map[string]*db.User)
	entries := make([]*Entry, 0, len(local)+len(remote))
	for _, a := range local {
		u, ok := users[a.UserID]
		if !ok {
			u, err = s.store.GetUser(ctx, a.UserID)
			if err != nil {
				return nil, err
			}
			users[a.UserID] = u
		}
		entries = append(entries, &Entry{
			Local: a, LocalUser: u, Stats: stats[a.ID], StartedAt: a.StartedAt,
		})
	}

	var actorURIs []string
	for _, ra := range remote {
		actorURIs = append(actorURIs, ra.ActorURI)
	}
	actors, err := s.store.GetRemoteActors(ctx, actorURIs)
	if err != nil {
		return nil, err
	}
	for _, ra := range remote {
		entries = append(entries, &Entry{
			Remote: ra, RemoteActor: actors[ra.ActorURI], StartedAt: ra.StartedAt,
		})
	}

	sortEntries(entries)
	return entries, nil
}

// sortEntries orders newest-started first; entries without a start time sink
// to the end in stable order.
func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].StartedAt, entries[j].StartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

func page(entries []*Entry, limit, offset int) []*Entry {
	if offset >= len(entries) {
		return nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end]
}
