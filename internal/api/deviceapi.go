package api

import (
	"encoding/json"
	"net/http"
)

// registerRequest is the provisioning payload a controller posts after
// the installer types in a pairing code.
type registerRequest struct {
	Code       string `json:"code"`
	MAC        string `json:"mac"`
	RelayIndex int    `json:"relay_index"`
	FWVersion  string `json:"fw_version"`
}

// handleDeviceRegister provisions a controller against a pairing code.
// Unauthenticated: possession of a live code is the credential, and the
// code burns on first use either way.
//
// POST /api/v1/device/register
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Code == "" || req.MAC == "" {
		writeBadRequest(w, "code and mac are required")
		return
	}

	creds, err := s.devices.Register(r.Context(), req.Code, req.MAC, req.RelayIndex, req.FWVersion)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, creds)
}

// heartbeatRequest is the HTTP heartbeat fallback payload.
type heartbeatRequest struct {
	MAC       string `json:"mac"`
	FWVersion string `json:"fw_version"`
}

// handleDeviceHeartbeat refreshes a controller's last-seen marker over
// HTTP, for firmware that cannot publish its MQTT heartbeat.
//
// POST /api/v1/device/heartbeat
func (s *Server) handleDeviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.MAC == "" {
		writeBadRequest(w, "mac is required")
		return
	}

	if err := s.devices.Heartbeat(r.Context(), req.MAC, req.FWVersion); err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
