package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stridefed/stride/internal/apperr"
)

const (
	userAgent      = "stride/1.0 (https://github.com/stridefed/stride)"
	acceptActivity = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	fetchTimeout   = 10 * time.Second
	deliverTimeout = 30 * time.Second
)

// DeliveryError carries the remote status code so the dispatcher can decide
// between retry, drop and stale-marking.
type DeliveryError struct {
	Inbox      string
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: HTTP %d", e.Inbox, e.StatusCode)
}

// Permanent reports whether the failure will not be fixed by retrying.
func (e *DeliveryError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// AuthRejected reports a 401/403, the signal that the peer no longer trusts
// our key material (or we no longer trust theirs).
func (e *DeliveryError) AuthRejected() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client performs outbound federation HTTP: actor fetches, WebFinger lookups
// and signed inbox deliveries.
type Client struct {
	fetch   *http.Client
	deliver *http.Client
}

func NewClient() *Client {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
	}
	return &Client{
		fetch:   &http.Client{Timeout: fetchTimeout, Transport: transport},
		deliver: &http.Client{Timeout: deliverTimeout, Transport: transport},
	}
}

// FetchActor fetches and parses a remote AP actor document.
func (c *Client) FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedActor, err, "actor request %s", actorURL)
	}
	req.Header.Set("Accept", acceptActivity)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.fetch.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteUnreachable, err, "fetch actor %s", actorURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.E(apperr.KindRemoteUnreachable, "fetch actor %s: HTTP %d", actorURL, resp.StatusCode)
	}

	var actor Actor
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&actor); err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedActor, err, "decode actor %s", actorURL)
	}
	if actor.ID == "" || actor.Inbox == "" {
		return nil, apperr.E(apperr.KindMalformedActor, "actor %s missing id or inbox", actorURL)
	}
	if actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "" {
		return nil, apperr.E(apperr.KindMalformedActor, "actor %s has no public key", actorURL)
	}
	return &actor, nil
}

// WebFingerResolve resolves a handle like "alice@mastodon.social" to the
// actor URL advertised by the remote instance.
func (c *Client) WebFingerResolve(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", apperr.E(apperr.KindValidation, "invalid handle %q: expected user@domain", handle)
	}
	domain := parts[1]

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:"+handle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindRemoteUnreachable, err, "webfinger request")
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.fetch.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindRemoteUnreachable, err, "webfinger fetch %s", domain)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.E(apperr.KindRemoteUnreachable, "webfinger for %s: HTTP %d", handle, resp.StatusCode)
	}

	var wf WebFingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wf); err != nil {
		return "", apperr.Wrap(apperr.KindMalformedActor, err, "webfinger decode")
	}
	for _, link := range wf.Links {
		if link.Rel == "self" && (link.Type == "application/activity+json" ||
			link.Type == `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`) {
			return link.Href, nil
		}
	}
	return "", apperr.E(apperr.KindMalformedActor, "no ActivityPub actor link for %s", handle)
}

// Deliver POSTs a signed activity to a remote inbox. Non-2xx responses come
// back as *DeliveryError so callers can classify them.
func (c *Client) Deliver(ctx context.Context, inbox string, activity interface{}, keyID string, privKey *rsa.PrivateKey) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "marshal activity")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create delivery request")
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	if err := SignRequest(req, body, keyID, privKey); err != nil {
		return err
	}

	resp, err := c.deliver.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindRemoteUnreachable, err, "deliver to %s", inbox)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &DeliveryError{Inbox: inbox, StatusCode: resp.StatusCode}
	}
	return nil
}
