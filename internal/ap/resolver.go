package ap

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"strings"
	"time"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

// actorCacheTTL bounds how long a cached remote profile is trusted before a
// re-fetch. Stale-flagged actors are always re-fetched.
const actorCacheTTL = time.Hour

// Resolver resolves remote actor URIs to cached profiles, fetching over the
// wire when the cache misses, expires or is stale. It also implements
// KeyResolver for inbound signature verification.
type Resolver struct {
	store  *db.Store
	client *Client
	log    *slog.Logger
}

func NewResolver(store *db.Store, client *Client, log *slog.Logger) *Resolver {
	return &Resolver{store: store, client: client, log: log}
}

// Resolve returns the remote actor behind a URI, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*db.RemoteActor, error) {
	cached, err := r.store.GetRemoteActor(ctx, actorURI)
	if err == nil && !cached.Stale && time.Since(cached.LastFetched) < actorCacheTTL {
		return cached, nil
	}
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	fetched, fetchErr := r.client.FetchActor(ctx, actorURI)
	if fetchErr != nil {
		// A stale-but-present cache entry still beats nothing when the
		// remote is down, unless it was stale-flagged on purpose.
		if cached != nil && !cached.Stale {
			r.log.Warn("actor re-fetch failed, serving cached profile",
				"actor", actorURI, "error", fetchErr)
			return cached, nil
		}
		return nil, fetchErr
	}

	ra := &db.RemoteActor{
		ActorURI:     fetched.ID,
		Username:     fetched.PreferredUsername,
		InboxURL:     fetched.Inbox,
		PublicKeyPEM: fetched.PublicKey.PublicKeyPem,
		PublicKeyID:  fetched.PublicKey.ID,
		DisplayName:  fetched.Name,
		Summary:      fetched.Summary,
		LastFetched:  time.Now(),
	}
	if fetched.Endpoints != nil {
		ra.SharedInboxURL = fetched.Endpoints.SharedInbox
	}
	if fetched.Icon != nil {
		ra.AvatarURL = fetched.Icon.URL
	}
	if err := r.store.UpsertRemoteActor(ctx, ra); err != nil {
		return nil, err
	}
	return ra, nil
}

// ResolveKey maps a signature keyId to the actor's RSA public key. The keyId
// convention is actorURI#fragment.
func (r *Resolver) ResolveKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	actorURI := strings.SplitN(keyID, "#", 2)[0]
	actor, err := r.Resolve(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if actor.PublicKeyPEM == "" {
		return nil, apperr.E(apperr.KindKeyUnavailable, "actor %s has no public key", actorURI)
	}
	return ParsePublicKeyPEM(actor.PublicKeyPEM)
}

// MarkStale flags an actor so its key material is re-fetched before the next
// trust decision.
func (r *Resolver) MarkStale(ctx context.Context, actorURI string) error {
	return r.store.MarkRemoteActorStale(ctx, actorURI)
}
