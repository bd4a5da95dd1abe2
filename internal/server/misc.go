package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/batch"
	"github.com/stridefed/stride/internal/db"
)

// ─── Heatmap ──────────────────────────────────────────────────────────────────

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	minLat, err1 := queryFloat(r, "minLat")
	minLon, err2 := queryFloat(r, "minLon")
	maxLat, err3 := queryFloat(r, "maxLat")
	maxLon, err4 := queryFloat(r, "maxLon")
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		s.writeError(w, r, apperr.E(apperr.KindValidation, "minLat, minLon, maxLat and maxLon are required"))
		return
	}
	zoom := queryInt(r, "zoom", 12)

	cells, cellSize, err := s.heatmap.Query(r.Context(), currentUserID(r),
		minLat, minLon, maxLat, maxLon, zoom)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(cells))
	for i, c := range cells {
		out[i] = map[string]interface{}{
			"lat":    c.CellLat,
			"lon":    c.CellLon,
			"points": c.PointCount,
		}
	}
	jsonResponse(w, map[string]interface{}{"cellSize": cellSize, "cells": out}, http.StatusOK)
}

func queryFloat(r *http.Request, key string) (float64, error) {
	return strconv.ParseFloat(r.URL.Query().Get(key), 64)
}

// ─── Privacy Zones ────────────────────────────────────────────────────────────

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.store.ListPrivacyZones(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(zones))
	for i, z := range zones {
		out[i] = zoneJSON(z)
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var req zoneRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	zone := &db.PrivacyZone{
		ID:           uuid.NewString(),
		UserID:       currentUserID(r),
		Name:         req.Name,
		CenterLat:    req.Lat,
		CenterLon:    req.Lon,
		RadiusMeters: req.RadiusMeters,
		Active:       true,
	}
	if req.Active != nil {
		zone.Active = *req.Active
	}
	if err := s.store.CreatePrivacyZone(r.Context(), zone); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.remaskInBackground(zone.UserID)
	jsonResponse(w, zoneJSON(zone), http.StatusCreated)
}

func (s *Server) handleUpdateZone(w http.ResponseWriter, r *http.Request) {
	var req zoneRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	zone := &db.PrivacyZone{
		ID:           chi.URLParam(r, "id"),
		UserID:       currentUserID(r),
		Name:         req.Name,
		CenterLat:    req.Lat,
		CenterLon:    req.Lon,
		RadiusMeters: req.RadiusMeters,
		Active:       true,
	}
	if req.Active != nil {
		zone.Active = *req.Active
	}
	if err := s.store.UpdatePrivacyZone(r.Context(), zone); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.remaskInBackground(zone.UserID)
	jsonResponse(w, zoneJSON(zone), http.StatusOK)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if err := s.store.DeletePrivacyZone(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.remaskInBackground(userID)
	w.WriteHeader(http.StatusNoContent)
}

// remaskInBackground recomputes share geometries after a zone change so
// already shared tracks honor the new zones.
func (s *Server) remaskInBackground(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.pipeline.RemaskShareGeometry(ctx, userID); err != nil {
			s.log.Error("share geometry remask failed", "user", userID, "error", err)
		}
	}()
}

type zoneRequest struct {
	Name         string  `json:"name"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	RadiusMeters float64 `json:"radiusMeters"`
	Active       *bool   `json:"active"`
}

func zoneJSON(z *db.PrivacyZone) map[string]interface{} {
	return map[string]interface{}{
		"id":           z.ID,
		"name":         z.Name,
		"lat":          z.CenterLat,
		"lon":          z.CenterLon,
		"radiusMeters": z.RadiusMeters,
		"active":       z.Active,
	}
}

// ─── Batch Import ─────────────────────────────────────────────────────────────

func (s *Server) handleBatchImport(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := r.ParseMultipartForm(batch.MaxArchiveBytes); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, err, "malformed multipart upload"))
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		s.writeError(w, r, apperr.E(apperr.KindValidation, "missing archive field"))
		return
	}
	defer file.Close()

	archive, err := io.ReadAll(io.LimitReader(file, batch.MaxArchiveBytes+1))
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindInternal, err, "read archive"))
		return
	}

	jobID, err := s.importer.Submit(r.Context(), user, archive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jsonResponse(w, map[string]string{"jobId": jobID, "status": db.BatchPending}, http.StatusAccepted)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetBatchJob(r.Context(), jobID, currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	files, err := s.store.ListBatchFiles(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	fileItems := make([]map[string]interface{}, len(files))
	for i, f := range files {
		item := map[string]interface{}{
			"fileName": f.FileName,
			"status":   f.Status,
		}
		if f.ActivityID != "" {
			item["activityId"] = f.ActivityID
		}
		if f.ErrorType != "" {
			item["errorType"] = f.ErrorType
			item["errorMessage"] = f.ErrorMessage
		}
		fileItems[i] = item
	}

	out := map[string]interface{}{
		"jobId":        job.ID,
		"status":       job.Status,
		"totalFiles":   job.TotalFiles,
		"successCount": job.SuccessCount,
		"failedCount":  job.FailedCount,
		"createdAt":    job.CreatedAt.Format(time.RFC3339),
		"files":        fileItems,
	}
	if job.CompletedAt != nil {
		out["completedAt"] = job.CompletedAt.Format(time.RFC3339)
	}
	jsonResponse(w, out, http.StatusOK)
}

// ─── Analytics ────────────────────────────────────────────────────────────────

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListPersonalRecords(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		out[i] = map[string]interface{}{
			"activityType": rec.ActivityType,
			"recordType":   rec.RecordType,
			"value":        rec.Value,
			"activityId":   rec.ActivityID,
			"achievedAt":   rec.AchievedAt.Format(time.RFC3339),
		}
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleAchievements(w http.ResponseWriter, r *http.Request) {
	achievements, err := s.store.ListAchievements(r.Context(), currentUserID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(achievements))
	for i, a := range achievements {
		out[i] = map[string]interface{}{
			"type":       a.AchievementType,
			"activityId": a.ActivityID,
			"earnedAt":   a.EarnedAt.Format(time.RFC3339),
		}
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleTrainingLoad(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if to == "" {
		to = time.Now().UTC().Format("2006-01-02")
	}
	from := r.URL.Query().Get("from")
	if from == "" {
		from = time.Now().UTC().AddDate(0, 0, -90).Format("2006-01-02")
	}
	days, err := s.store.ListTrainingLoad(r.Context(), currentUserID(r), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(days))
	for i, d := range days {
		out[i] = map[string]interface{}{
			"day":  d.Day,
			"tss":  d.TSS,
			"atl":  d.ATL,
			"ctl":  d.CTL,
			"tsb":  d.TSB,
			"form": d.Form,
		}
	}
	jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = db.PeriodWeekly
	}
	switch period {
	case db.PeriodWeekly, db.PeriodMonthly, db.PeriodYearly:
	default:
		s.writeError(w, r, apperr.E(apperr.KindValidation, "invalid period %q", period))
		return
	}
	summaries, err := s.store.ListActivitySummaries(r.Context(), currentUserID(r),
		period, queryInt(r, "limit", 12))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]interface{}, len(summaries))
	for i, sum := range summaries {
		out[i] = map[string]interface{}{
			"periodType":       sum.PeriodType,
			"periodStart":      sum.PeriodStart,
			"activityCount":    sum.ActivityCount,
			"totalDuration":    sum.TotalDuration,
			"totalDistance":    sum.TotalDistance,
			"totalElevation":   sum.TotalElevation,
			"maxSpeed":         sum.MaxSpeed,
			"avgSpeed":         sum.AvgSpeed,
			"prCount":          sum.PRCount,
			"achievementCount": sum.AchievementCount,
		}
		if sum.TypeBreakdown != "" {
			out[i]["typeBreakdown"] = json.RawMessage(sum.TypeBreakdown)
		}
	}
	jsonResponse(w, out, http.StatusOK)
}
