package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stridefed/stride/internal/ap"
	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
	"github.com/stridefed/stride/internal/pipeline"
)

// handleUpload ingests one workout file. The file arrives as multipart form
// field "file"; title, description and visibility ride along as form values.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "malformed multipart upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperr.E(apperr.KindValidation, "missing file field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInternal, err, "read upload"))
		return
	}
	if len(data) > maxUploadBytes {
		s.writeError(w, r, apperr.E(apperr.KindValidation, "file exceeds %d MB", maxUploadBytes>>20))
		return
	}

	visibility := r.FormValue("visibility")
	if visibility != "" && !validVisibility(visibility) {
		s.writeError(w, r, apperr.E(apperr.KindValidation, "invalid visibility %q", visibility))
		return
	}

	activity, err := s.pipeline.Ingest(r.Context(), user, data, header.Filename, pipeline.Options{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Visibility:  visibility,
		Timezone:    r.FormValue("timezone"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jsonResponse(w, activityJSON(activity, nil, nil), http.StatusCreated)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	activities, err := s.store.ListUserActivities(r.Context(), currentUserID(r),
		[]string{db.VisibilityPublic, db.VisibilityFollowers, db.VisibilityPrivate},
		limit, offset)
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

// handleGetActivity enforces visibility: PRIVATE and FOLLOWERS activities of
// other users 404 rather than 403, so their existence never leaks.
func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := s.loadVisible(r, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics, err := s.store.GetActivityMetrics(r.Context(), activity.ID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		s.writeError(w, r, err)
		return
	}
	weather, _ := s.store.GetActivityWeather(r.Context(), activity.ID)
	jsonResponse(w, activityJSON(activity, metrics, weather), http.StatusOK)
}

func (s *Server) loadVisible(r *http.Request, id string) (*db.Activity, error) {
	activity, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		return nil, err
	}
	owner, err := s.store.GetUser(r.Context(), activity.UserID)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.CanViewActivity(r.Context(), activity, currentUserID(r), "",
		s.urls.Actor(owner.Username))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "activity not found")
	}
	return activity, nil
}

// handleUpdateActivity edits the mutable fields. Widening visibility from
// PRIVATE federates the activity for the first time.
func (s *Server) handleUpdateActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	activity, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if activity.UserID != currentUserID(r) {
		s.writeError(w, r, apperr.E(apperr.KindNotFound, "activity not found"))
		return
	}

	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Visibility  *string `json:"visibility"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	title, description, visibility := activity.Title, activity.Description, activity.Visibility
	if req.Title != nil {
		title = *req.Title
	}
	if req.Description != nil {
		description = *req.Description
	}
	if req.Visibility != nil {
		if !validVisibility(*req.Visibility) {
			s.writeError(w, r, apperr.E(apperr.KindValidation, "invalid visibility %q", *req.Visibility))
			return
		}
		visibility = *req.Visibility
	}

	if err := s.store.UpdateActivityMeta(r.Context(), id, title, description, visibility); err != nil {
		s.writeError(w, r, err)
		return
	}

	if activity.Visibility == db.VisibilityPrivate && visibility != db.VisibilityPrivate {
		user, err := s.store.GetUser(r.Context(), activity.UserID)
		if err == nil {
			updated := *activity
			updated.Title, updated.Description, updated.Visibility = title, description, visibility
			if metrics, err := s.store.GetActivityMetrics(r.Context(), id); err == nil {
				s.pipeline.Federate(r.Context(), user, &updated, metrics)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteActivity removes an activity, federates the retraction when it
// had been shared, and rebuilds the derived data it contributed to.
func (s *Server) handleDeleteActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	activity, err := s.store.GetActivity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := currentUserID(r)
	if activity.UserID != userID {
		s.writeError(w, r, apperr.E(apperr.KindNotFound, "activity not found"))
		return
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if activity.Visibility != db.VisibilityPrivate {
		del := ap.BuildDeleteNote(s.urls, s.urls.Actor(user.Username), s.urls.Note(id))
		s.outbox.FanOut(user, del)
	}

	if err := s.store.DeleteActivity(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.pipeline.RebuildAnalytics(ctx, userID); err != nil {
			s.log.Error("post-delete analytics rebuild failed", "user", userID, "error", err)
		}
	}()
	w.WriteHeader(http.StatusNoContent)
}

func validVisibility(v string) bool {
	switch v {
	case db.VisibilityPublic, db.VisibilityFollowers, db.VisibilityPrivate:
		return true
	}
	return false
}

func activityJSON(a *db.Activity, m *db.Metrics, weather *db.ActivityWeather) map[string]interface{} {
	out := map[string]interface{}{
		"id":              a.ID,
		"activityType":    a.ActivityType,
		"title":           a.Title,
		"description":     a.Description,
		"visibility":      a.Visibility,
		"distanceMeters":  a.DistanceMeters,
		"durationSeconds": a.DurationSeconds,
		"elevationGain":   a.ElevationGain,
		"elevationLoss":   a.ElevationLoss,
		"indoor":          a.Indoor,
		"sourceFormat":    a.SourceFormat,
	}
	if a.StartedAt != nil {
		out["startedAt"] = a.StartedAt.UTC().Format(time.RFC3339)
	}
	if a.Indoor {
		out["indoorMethod"] = a.IndoorMethod
	}
	if a.SimplifiedGeometry != "" {
		out["geometry"] = json.RawMessage(a.SimplifiedGeometry)
	}
	if m != nil {
		out["metrics"] = map[string]interface{}{
			"avgHeartRate":   m.AvgHeartRate,
			"maxHeartRate":   m.MaxHeartRate,
			"avgCadence":     m.AvgCadence,
			"avgPower":       m.AvgPower,
			"avgSpeed":       m.AvgSpeed,
			"maxSpeed":       m.MaxSpeed,
			"calories":       m.Calories,
			"minElevation":   m.MinElevation,
			"maxElevation":   m.MaxElevation,
			"avgTemperature": m.AvgTemperature,
		}
	}
	if weather != nil {
		out["weather"] = map[string]interface{}{
			"temperature":   weather.Temperature,
			"humidity":      weather.Humidity,
			"windSpeed":     weather.WindSpeed,
			"windDirection": weather.WindDirection,
			"condition":     weather.Condition,
		}
	}
	return out
}
