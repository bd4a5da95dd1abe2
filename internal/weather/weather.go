// Package weather fetches historical conditions for outdoor activities from
// a keyed weather API. Enrichment is strictly best-effort: any failure here
// never blocks or fails the activity pipeline.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/stridefed/stride/internal/apperr"
	"github.com/stridefed/stride/internal/db"
)

// historyLimit is how far back the provider serves historical observations.
// Older activities are skipped without error.
const historyLimit = 5 * 24 * time.Hour

const requestTimeout = 10 * time.Second

// Service queries the provider and persists per-activity conditions.
type Service struct {
	apiKey  string
	baseURL string
	client  *http.Client
	store   *db.Store
	log     *slog.Logger
}

func New(apiKey string, store *db.Store, log *slog.Logger) *Service {
	return &Service{
		apiKey:  apiKey,
		baseURL: "https://api.weatherapi.com/v1",
		client:  &http.Client{Timeout: requestTimeout},
		store:   store,
		log:     log,
	}
}

// Enrich fetches conditions at the activity's start position and time and
// stores them. Returns (false, nil) when the activity is out of the history
// window or has no usable position.
func (s *Service) Enrich(ctx context.Context, activityID string, lat, lon float64, startedAt time.Time) (bool, error) {
	if startedAt.IsZero() || time.Since(startedAt) > historyLimit {
		s.log.Debug("weather skipped, outside history window", "activity", activityID)
		return false, nil
	}

	obs, err := s.fetchHistory(ctx, lat, lon, startedAt)
	if err != nil {
		return false, err
	}

	err = s.store.UpsertActivityWeather(ctx, &db.ActivityWeather{
		ActivityID:    activityID,
		Temperature:   obs.Temperature,
		Humidity:      obs.Humidity,
		WindSpeed:     obs.WindKph / 3.6,
		WindDirection: obs.WindDegree,
		Condition:     obs.Condition,
		FetchedAt:     time.Now(),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

type observation struct {
	Temperature float64
	Humidity    float64
	WindKph     float64
	WindDegree  float64
	Condition   string
}

// fetchHistory pulls the hour nearest the start time from the provider's
// history endpoint.
func (s *Service) fetchHistory(ctx context.Context, lat, lon float64, at time.Time) (*observation, error) {
	q := url.Values{}
	q.Set("key", s.apiKey)
	q.Set("q", fmt.Sprintf("%.4f,%.4f", lat, lon))
	q.Set("dt", at.Format("2006-01-02"))
	q.Set("hour", fmt.Sprintf("%d", at.Hour()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/history.json?"+q.Encode(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "weather request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteUnreachable, err, "weather fetch")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.E(apperr.KindRemoteUnreachable, "weather provider: HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Forecast struct {
			Forecastday []struct {
				Hour []struct {
					TempC      float64 `json:"temp_c"`
					Humidity   float64 `json:"humidity"`
					WindKph    float64 `json:"wind_kph"`
					WindDegree float64 `json:"wind_degree"`
					Condition  struct {
						Text string `json:"text"`
					} `json:"condition"`
				} `json:"hour"`
			} `json:"forecastday"`
		} `json:"forecast"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, apperr.Wrap(apperr.KindParseError, err, "weather decode")
	}
	if len(payload.Forecast.Forecastday) == 0 || len(payload.Forecast.Forecastday[0].Hour) == 0 {
		return nil, apperr.E(apperr.KindParseError, "weather provider returned no observations")
	}

	h := payload.Forecast.Forecastday[0].Hour[0]
	return &observation{
		Temperature: h.TempC,
		Humidity:    h.Humidity,
		WindKph:     h.WindKph,
		WindDegree:  h.WindDegree,
		Condition:   h.Condition.Text,
	}, nil
}
