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

package daemon

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/carverauto/fleetwatch/pkg/alert"
	"github.com/carverauto/fleetwatch/pkg/store"
)

type ackRequest struct {
	Actor string `json:"actor"`
}

func (d *Daemon) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := d.Acknowledge(r.Context(), r.PathValue("id"), req.Actor)

	switch {
	case err == nil:
	case errors.Is(err, errAckActorRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, alert.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		d.logger.Error().Err(err).Str("alert_id", r.PathValue("id")).Msg("Acknowledge failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(a); err != nil {
		d.logger.Error().Err(err).Msg("Error encoding acknowledge response")
	}
}

func (d *Daemon) handleCollectors(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(d.Collectors()); err != nil {
		d.logger.Error().Err(err).Msg("Error encoding collectors response")
	}
}
