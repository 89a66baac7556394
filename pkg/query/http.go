/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

const defaultRowsWindow = 24 * time.Hour

// Routes returns the JSON endpoints of the service keyed by mux pattern.
func (s *Service) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"GET /api/v1/machines":                       http.HandlerFunc(s.handleFleet),
		"GET /api/v1/machines/{id}/health":           http.HandlerFunc(s.handleHealth),
		"GET /api/v1/machines/{id}/freshness":        http.HandlerFunc(s.handleFreshness),
		"GET /api/v1/machines/{id}/rows/{table}":     http.HandlerFunc(s.handleRows),
		"GET /api/v1/machines/{id}/factors/{factor}": http.HandlerFunc(s.handleFactorHistory),
		"GET /api/v1/alerts":                         http.HandlerFunc(s.handleAlerts),
		"GET /api/v1/alerts/{id}":                    http.HandlerFunc(s.handleAlertHistory),
	}
}

// Handler mounts Routes on a fresh mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	for pattern, h := range s.Routes() {
		mux.Handle(pattern, h)
	}

	return mux
}

func (s *Service) handleFleet(w http.ResponseWriter, r *http.Request) {
	fleet, err := s.Fleet(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, fleet)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.LatestHealth(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, h)
}

func (s *Service) handleFreshness(w http.ResponseWriter, r *http.Request) {
	report, err := s.Freshness(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, report)
}

func (s *Service) handleRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, end, err := s.parseTimeRange(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit, err := parseLimit(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.Rows(r.Context(), RowsRequest{
		Table:     r.PathValue("table"),
		MachineID: r.PathValue("id"),
		Source:    q.Get("source"),
		From:      start,
		To:        end,
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, rows)
}

func (s *Service) handleFactorHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history, err := s.FactorHistory(r.Context(), r.PathValue("id"), r.PathValue("factor"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, history)
}

// handleAlerts lists active alerts unless state parameters are given.
func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseLimit(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filter := store.AlertFilter{
		MachineID: q.Get("machine_id"),
		Type:      q.Get("type"),
		Limit:     limit,
	}

	for _, st := range q["state"] {
		filter.States = append(filter.States, models.AlertState(st))
	}

	if len(filter.States) == 0 {
		filter.States = []models.AlertState{models.AlertOpen, models.AlertAcknowledged}
	}

	alerts, err := s.Alerts(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, alerts)
}

func (s *Service) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.AlertHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, history)
}

func (s *Service) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Error encoding query response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrMachineRequired),
		errors.Is(err, ErrTableRequired),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, store.ErrUnknownTable):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error().Err(err).Msg("Query failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// parseTimeRange reads RFC 3339 start and end parameters, defaulting to the
// last 24 hours.
func (s *Service) parseTimeRange(query url.Values) (start, end time.Time, err error) {
	end = s.now()
	start = end.Add(-defaultRowsWindow)

	if v := query.Get("start"); v != "" {
		start, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time format: %w", err)
		}
	}

	if v := query.Get("end"); v != "" {
		end, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time format: %w", err)
		}
	}

	return start, end, nil
}

func parseLimit(query url.Values) (int, error) {
	v := query.Get("limit")
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}

	return n, nil
}
