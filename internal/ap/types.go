// Package ap implements the ActivityPub federation layer: actor documents,
// HTTP signatures, inbox processing and outbox delivery.
package ap

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"

	// WorkoutDataNS namespaces the structured workout extension carried on
	// outgoing Notes. Peers that speak the extension get structured metrics;
	// everyone else still renders the HTML content.
	WorkoutDataNS = "https://stridefed.org/ns#workoutData"
)

// DefaultContext is the JSON-LD @context for outgoing objects.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"stride":      "https://stridefed.org/ns#",
		"workoutData": "stride:workoutData",
	},
}

// Actor represents an ActivityPub actor (Person, Service, etc.).
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Name              string      `json:"name,omitempty"`
	PreferredUsername string      `json:"preferredUsername"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
	Icon              *Image      `json:"icon,omitempty"`
	URL               string      `json:"url,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
}

// PublicKey represents an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image represents an ActivityPub Image object.
type Image struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// Endpoints holds shared inbox and other endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// WorkoutData is the structured extension embedded in workout Notes. Numeric
// fields use base SI units (meters, seconds, m/s).
type WorkoutData struct {
	ActivityType    string  `json:"activityType"`
	StartedAt       string  `json:"startedAt,omitempty"`
	DistanceMeters  float64 `json:"distanceMeters,omitempty"`
	DurationSeconds int64   `json:"durationSeconds,omitempty"`
	AveragePace     float64 `json:"averagePace,omitempty"` // seconds per km
	ElevationGain   float64 `json:"elevationGain,omitempty"`
	AvgHeartRate    float64 `json:"avgHeartRate,omitempty"`
	MapImageURL     string  `json:"mapImageUrl,omitempty"`
	TrackGeoJSONURL string  `json:"trackGeoJsonUrl,omitempty"`
}

// Note represents an ActivityPub Note. Workout notes additionally carry the
// workoutData extension and map attachments.
type Note struct {
	Context      interface{}  `json:"@context,omitempty"`
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	AttributedTo string       `json:"attributedTo"`
	Content      string       `json:"content"`
	Published    string       `json:"published,omitempty"`
	To           []string     `json:"to,omitempty"`
	CC           []string     `json:"cc,omitempty"`
	Attachment   []Attachment `json:"attachment,omitempty"`
	URL          string       `json:"url,omitempty"`
	InReplyTo    string       `json:"inReplyTo,omitempty"`
	WorkoutData  *WorkoutData `json:"workoutData,omitempty"`
}

// Attachment represents media attached to a Note.
type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"` // alt text (AP "name" field)
}

// Activity is a generic outgoing ActivityPub activity.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// IncomingActivity is used for parsing incoming activities where the object
// might be a string reference or an embedded object.
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
}

// ObjectID extracts the object's id whether the object is a bare string
// reference or an embedded JSON object.
func (a *IncomingActivity) ObjectID() string {
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// EmbeddedActivity decodes the object as a nested activity, as carried by
// Undo and Accept.
func (a *IncomingActivity) EmbeddedActivity() (*IncomingActivity, error) {
	var inner IncomingActivity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return nil, err
	}
	return &inner, nil
}

// IncomingNote is the parsed object of a Create activity.
type IncomingNote struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Content      string        `json:"content"`
	Published    string        `json:"published,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	To           StringOrArray `json:"to,omitempty"`
	CC           StringOrArray `json:"cc,omitempty"`
	Attachment   []Attachment  `json:"attachment,omitempty"`
	WorkoutData  *WorkoutData  `json:"workoutData,omitempty"`
}

// OrderedCollection is the unpaged header of an AP collection.
type OrderedCollection struct {
	Context    interface{} `json:"@context"`
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
}

// OrderedCollectionPage is one page of an AP collection.
type OrderedCollectionPage struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	PartOf       string      `json:"partOf"`
	Next         string      `json:"next,omitempty"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFinger response structures.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo structures.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

// WithContext wraps an object with the default AP @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
