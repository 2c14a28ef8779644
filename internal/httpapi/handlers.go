package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pyde1/pyde1-go/internal/apperr"
	"github.com/pyde1/pyde1-go/internal/bus"
	"github.com/pyde1/pyde1-go/internal/buildinfo"
	"github.com/pyde1/pyde1-go/internal/flowseq"
	"github.com/pyde1/pyde1-go/internal/profile"
)

// writeJSON encodes v as JSON to w, logging any encode failure at
// debug level (a disconnected client, not actionable).
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("httpapi: failed to write JSON response", "error", err)
	}
}

// writeError maps err to its fixed status code (400/409/418/501,
// default 500) and writes a plain-text body naming the error kind and
// message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperr.HTTPStatus(err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, "%T: %s", err, err.Error())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, buildinfo.VersionInfo())
}

func (s *Server) handleDE1State(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	state, ok := s.lastState, s.haveState
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, &apperr.NotFound{Kind: "de1_state", ID: "current"})
		return
	}
	s.writeJSON(w, state)
}

// flowStates are the machine states whose API-initiated entry is
// refused while a Group Head Controller is active: with a GHC, the machine's own controls are the
// only flow trigger and the daemon is a pure observer.
var flowStates = map[bus.MachineState]bool{
	bus.StateEspresso:      true,
	bus.StateSteam:         true,
	bus.StateHotWater:      true,
	bus.StateHotWaterRinse: true,
}

type statePatchRequest struct {
	State bus.MachineState `json:"state"`
}

func (s *Server) handleDE1StatePatch(w http.ResponseWriter, r *http.Request) {
	var req statePatchRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if s.requester == nil {
		s.writeError(w, &apperr.UnsupportedFeature{Feature: "state_request"})
		return
	}
	if s.flags.GHCActive && flowStates[req.State] {
		s.mu.RLock()
		from := string(s.lastState.State)
		s.mu.RUnlock()
		s.writeError(w, &apperr.UnsupportedStateTransition{From: from, To: string(req.State)})
		return
	}
	if err := s.requester.RequestState(r.Context(), req.State); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, []setterResult{{Action: "state:" + string(req.State), Status: "ok"}})
}

func (s *Server) handleFeatureFlags(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.flags)
}

// handleConnectivity reports the health of transport-level dependencies
// monitored independently of any single device role, e.g. the MQTT
// broker the notify forwarder publishes to.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.watchers == nil {
		s.writeJSON(w, map[string]any{})
		return
	}
	s.writeJSON(w, s.watchers.Snapshot())
}

// availabilityRequest is the PATCH /de1/availability body: one action
// against one role.
type availabilityRequest struct {
	Role    bus.DeviceRole `json:"role"`
	Action  string         `json:"action"`
	Address string         `json:"address,omitempty"`
}

// setterResult is one element of the JSON array every PATCH handler returns.
type setterResult struct {
	Role   bus.DeviceRole `json:"role,omitempty"`
	Action string         `json:"action"`
	Status string         `json:"status"`
}

// handleAvailabilityGet returns the current availability snapshot of
// every managed role, the polling counterpart of the
// DeviceAvailability events on the notification bus.
func (s *Server) handleAvailabilityGet(w http.ResponseWriter, r *http.Request) {
	out := make(map[bus.DeviceRole]bus.DeviceAvailability, len(s.devices))
	for role, handle := range s.devices {
		out[role] = handle.Availability()
	}
	s.writeJSON(w, out)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	handle, ok := s.devices[req.Role]
	if !ok {
		s.writeError(w, &apperr.DeviceNotConnected{Role: string(req.Role)})
		return
	}

	switch req.Action {
	case "assign_address":
		handle.AssignAddress(req.Address)
	case "capture":
		handle.Capture()
	case "release":
		handle.Release()
	case "forget":
		handle.AssignAddress("")
		handle.Release()
	default:
		s.writeError(w, &apperr.InvalidRequest{Detail: "unknown action: " + req.Action})
		return
	}

	s.writeJSON(w, []setterResult{{Role: req.Role, Action: req.Action, Status: "ok"}})
}

// scanRequest is the PATCH /scan body: `{begin: null|number}`.
type scanRequest struct {
	Begin *float64 `json:"begin"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if s.scanner == nil {
		s.writeError(w, &apperr.UnsupportedFeature{Feature: "scan"})
		return
	}
	if req.Begin == nil {
		s.writeJSON(w, []setterResult{{Action: "scan", Status: "not_started"}})
		return
	}
	duration := time.Duration(*req.Begin * float64(time.Second))
	if err := s.scanner.BeginScan(r.Context(), duration); err != nil {
		s.writeError(w, &apperr.TransportError{Cause: err})
		return
	}
	s.writeJSON(w, []setterResult{{Action: "scan", Status: "started"}})
}

func (s *Server) handleControlGet(w http.ResponseWriter, r *http.Request) {
	if s.sequencer == nil {
		s.writeError(w, &apperr.UnsupportedFeature{Feature: "flowseq"})
		return
	}
	mode := bus.MachineState(r.PathValue("mode"))
	cfg, ok := s.sequencer.StateConfig(mode)
	if !ok {
		s.writeError(w, &apperr.NotFound{Kind: "control_mode", ID: string(mode)})
		return
	}
	s.writeJSON(w, cfg)
}

func (s *Server) handleControlPatch(w http.ResponseWriter, r *http.Request) {
	if s.sequencer == nil {
		s.writeError(w, &apperr.UnsupportedFeature{Feature: "flowseq"})
		return
	}
	mode := bus.MachineState(r.PathValue("mode"))

	var cfg flowseq.StateConfig
	if existing, ok := s.sequencer.StateConfig(mode); ok {
		cfg = existing
	}
	if err := s.decodeJSON(r, &cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.sequencer.SetStateConfig(mode, cfg)
	s.writeJSON(w, []setterResult{{Action: "control:" + string(mode), Status: "ok"}})
}

func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		s.writeError(w, &apperr.UnsupportedFeature{Feature: "profile"})
		return
	}
	source, err := io.ReadAll(io.LimitReader(r.Body, s.patchSizeLimit+1))
	if err != nil {
		s.writeError(w, &apperr.InvalidRequest{Detail: "could not read body: " + err.Error()})
		return
	}
	if int64(len(source)) > s.patchSizeLimit {
		s.writeError(w, &apperr.InvalidRequest{Detail: "profile exceeds patch_size_limit"})
		return
	}

	format := profile.FormatJSONv2
	if r.URL.Query().Get("format") == "legacy" {
		format = profile.FormatLegacy
	}
	meta := profile.Metadata{
		Title:    r.URL.Query().Get("title"),
		Author:   r.URL.Query().Get("author"),
		Notes:    r.URL.Query().Get("notes"),
		Beverage: r.URL.Query().Get("beverage"),
	}

	id, err := s.profiles.Insert(source, format, meta)
	if err != nil {
		s.writeError(w, &apperr.TransportError{Cause: err})
		return
	}

	s.applyProfileOverride(id)
	s.writeJSON(w, []setterResult{{Action: "profile:insert", Status: "ok:" + id}})
}

type profileSelectRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleProfileSelect(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		s.writeError(w, &apperr.UnsupportedFeature{Feature: "profile"})
		return
	}
	var req profileSelectRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.profiles.Select(req.ID); err != nil {
		s.writeError(w, &apperr.NotFound{Kind: "profile", ID: req.ID})
		return
	}
	s.applyProfileOverride(req.ID)
	s.writeJSON(w, []setterResult{{Action: "profile:select", Status: "ok:" + req.ID}})
}

// applyProfileOverride installs the selected profile's target_weight/
// target_volume as the ensuing sequence's override. A lookup failure
// here is logged, not fatal: the profile is still the active
// selection even without override targets.
func (s *Server) applyProfileOverride(id string) {
	if s.sequencer == nil || s.profiles == nil {
		return
	}
	p, err := s.profiles.Get(id)
	if err != nil {
		s.logger.Warn("httpapi: could not load profile for override", "id", id, "error", err)
		return
	}
	s.sequencer.SetProfileOverride(&flowseq.ProfileOverride{
		TargetWeight: p.TargetWeight,
		TargetVolume: p.TargetVolume,
	})
}

func (s *Server) handleLogsList(w http.ResponseWriter, r *http.Request) {
	if s.logDir == "" {
		s.writeJSON(w, []string{})
		return
	}
	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		s.writeError(w, &apperr.TransportError{Cause: err})
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	s.writeJSON(w, names)
}

func (s *Server) handleLogGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// filepath.Base strips any path traversal attempt; a rotated log
	// file is named by its base name only.
	name := filepath.Base(id)
	if s.logDir == "" || name == "." || name == string(filepath.Separator) {
		s.writeError(w, &apperr.NotFound{Kind: "log", ID: id})
		return
	}
	path := filepath.Join(s.logDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		s.writeError(w, &apperr.NotFound{Kind: "log", ID: id})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

// decodeJSON decodes r's body into v, capped at patchSizeLimit,
// translating a decode failure into *apperr.InvalidRequest (400).
func (s *Server) decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, s.patchSizeLimit+1))
	if err := dec.Decode(v); err != nil {
		return &apperr.InvalidRequest{Detail: err.Error()}
	}
	return nil
}
