package ap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stridefed/stride/internal/db"
)

// retryDelays paces redelivery after transient failures. Auth rejections and
// other 4xx responses are never retried.
var retryDelays = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second}

const maxDeliveryWorkers = 8

// Dispatcher fans activities out to follower inboxes. Deliveries run on
// bounded background goroutines; a failed inbox never blocks the rest of the
// fan-out.
type Dispatcher struct {
	store    *db.Store
	client   *Client
	resolver *Resolver
	urls     URLs
	log      *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

func NewDispatcher(store *db.Store, client *Client, resolver *Resolver, urls URLs, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		client:   client,
		resolver: resolver,
		urls:     urls,
		log:      log,
		sem:      make(chan struct{}, maxDeliveryWorkers),
		sleep:    time.Sleep,
	}
}

// FanOut delivers an activity to every accepted follower of the user, one
// POST per distinct inbox. Followers on the same instance that advertise a
// shared inbox are collapsed into a single delivery.
func (d *Dispatcher) FanOut(user *db.User, activity *Activity) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := d.FanOutResolved(ctx, user, activity); err != nil {
			d.log.Error("fan-out aborted, cannot list followers",
				"user", user.Username, "error", err)
		}
	}()
}

// FanOutResolved resolves the follower inbox set before returning, then
// hands the deliveries to background workers. Callers about to delete the
// rows the resolution reads (account deletion) use this instead of FanOut.
func (d *Dispatcher) FanOutResolved(ctx context.Context, user *db.User, activity *Activity) error {
	inboxes, err := d.followerInboxes(ctx, user)
	if err != nil {
		return err
	}
	keyID := d.urls.KeyID(user.Username)
	for inbox, actorURI := range inboxes {
		d.spawnDelivery(inbox, actorURI, activity, keyID, user.PrivateKeyPEM)
	}
	return nil
}

// followerInboxes maps inbox URL to one representative actor URI. Shared
// inboxes dedup naturally through the map key.
func (d *Dispatcher) followerInboxes(ctx context.Context, user *db.User) (map[string]string, error) {
	follows, err := d.store.ListAcceptedFollowers(ctx, d.urls.Actor(user.Username))
	if err != nil {
		return nil, err
	}

	var remoteURIs []string
	for _, f := range follows {
		if f.RemoteActorURI != "" {
			remoteURIs = append(remoteURIs, f.RemoteActorURI)
		}
	}
	actors, err := d.store.GetRemoteActors(ctx, remoteURIs)
	if err != nil {
		return nil, err
	}

	inboxes := make(map[string]string, len(actors))
	for _, uri := range remoteURIs {
		actor, ok := actors[uri]
		if !ok {
			// Cache miss; resolve over the wire once.
			actor, err = d.resolver.Resolve(ctx, uri)
			if err != nil {
				d.log.Warn("skipping unreachable follower", "actor", uri, "error", err)
				continue
			}
		}
		inbox := actor.SharedInboxURL
		if inbox == "" {
			inbox = actor.InboxURL
		}
		if inbox != "" {
			inboxes[inbox] = actor.ActorURI
		}
	}
	return inboxes, nil
}

// DeliverToInbox sends one activity to one inbox in the background, with the
// same retry policy as fan-out deliveries.
func (d *Dispatcher) DeliverToInbox(inbox string, activity *Activity, keyID, privKeyPEM string) {
	d.spawnDelivery(inbox, "", activity, keyID, privKeyPEM)
}

func (d *Dispatcher) spawnDelivery(inbox, actorURI string, activity *Activity, keyID, privKeyPEM string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		d.deliverWithRetry(inbox, actorURI, activity, keyID, privKeyPEM)
	}()
}

func (d *Dispatcher) deliverWithRetry(inbox, actorURI string, activity *Activity, keyID, privKeyPEM string) {
	privKey, err := ParsePrivateKeyPEM(privKeyPEM)
	if err != nil {
		d.log.Error("delivery aborted, unusable private key", "inbox", inbox, "error", err)
		return
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := d.client.Deliver(ctx, inbox, activity, keyID, privKey)
		cancel()
		if err == nil {
			d.log.Debug("delivered", "inbox", inbox, "type", activity.Type, "attempt", attempt+1)
			return
		}

		var de *DeliveryError
		if errors.As(err, &de) && de.Permanent() {
			if de.AuthRejected() && actorURI != "" {
				// The peer no longer trusts the exchange; force a key
				// re-fetch before the next signed contact.
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				if merr := d.resolver.MarkStale(sctx, actorURI); merr != nil {
					d.log.Warn("failed to mark actor stale", "actor", actorURI, "error", merr)
				}
				scancel()
			}
			d.log.Warn("delivery rejected, dropping", "inbox", inbox,
				"type", activity.Type, "status", de.StatusCode)
			return
		}

		if attempt >= len(retryDelays) {
			d.log.Warn("delivery failed after retries, dropping",
				"inbox", inbox, "type", activity.Type, "error", err)
			return
		}
		d.sleep(retryDelays[attempt])
	}
}

// Drain waits for in-flight deliveries to finish, up to the given timeout.
func (d *Dispatcher) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.log.Warn("shutdown with deliveries still in flight")
	}
}
