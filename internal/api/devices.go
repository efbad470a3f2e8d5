package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// DeviceView is one device as returned by the API: its identity, its
// shadow, and the value to display for every field.
type DeviceView struct {
	ID          string                               `json:"id"`
	Name        string                               `json:"name,omitempty"`
	ProductType string                               `json:"product_type,omitempty"`
	Shadow      shadow.Shadow                        `json:"shadow"`
	Display     map[shadow.Field]shadow.DisplayValue `json:"display"`
	Stale       []shadow.Field                       `json:"stale"`
	Unconfirmed []shadow.Field                       `json:"unconfirmed"`
	Pending     []command.Command                    `json:"pending_commands"`
}

// SetFieldRequest is the body of POST /devices/{id}/commands.
// Value may be a code (6) or an option label ("55C").
type SetFieldRequest struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

func (s *Server) deviceView(sh shadow.Shadow) DeviceView {
	v := DeviceView{
		ID:          sh.DeviceID,
		Shadow:      sh,
		Display:     make(map[shadow.Field]shadow.DisplayValue, len(shadow.ReportedFields)),
		Stale:       sh.StaleFields(),
		Unconfirmed: sh.UnconfirmedFields(),
		Pending:     s.commands.Pending(sh.DeviceID),
	}
	for _, f := range shadow.ReportedFields {
		v.Display[f] = sh.Display(f)
	}
	if d, ok := s.lookupDevice(sh.DeviceID); ok {
		v.Name = d.Name
		v.ProductType = d.ProductType
	}
	if v.Stale == nil {
		v.Stale = []shadow.Field{}
	}
	if v.Unconfirmed == nil {
		v.Unconfirmed = []shadow.Field{}
	}
	if v.Pending == nil {
		v.Pending = []command.Command{}
	}
	return v
}

// handleListDevices returns every device with a shadow record, plus any
// discovered device not yet seen.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	shadows := s.shadows.List()
	seen := make(map[string]bool, len(shadows))
	views := make([]DeviceView, 0, len(shadows))
	for _, sh := range shadows {
		seen[sh.DeviceID] = true
		views = append(views, s.deviceView(sh))
	}
	if s.poller != nil {
		for _, d := range s.poller.Devices() {
			if !seen[d.ID] {
				views = append(views, s.deviceView(shadow.Shadow{DeviceID: d.ID}))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sh, err := s.shadows.Get(id)
	if err != nil {
		if _, known := s.lookupDevice(id); known && errors.Is(err, shadow.ErrDeviceNotFound) {
			sh = shadow.Shadow{DeviceID: id}
		} else {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.deviceView(sh))
}

func (s *Server) lookupDevice(id string) (cloud.Device, bool) {
	if s.poller == nil {
		return cloud.Device{}, false
	}
	for _, d := range s.poller.Devices() {
		if d.ID == id {
			return d, true
		}
	}
	return cloud.Device{}, false
}

// handleRefreshDevice polls one device now and returns its record.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "poller not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.poller.PollDevice(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	sh, err := s.shadows.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deviceView(sh))
}

// handleSetField issues a command and returns 202 with its id. The
// outcome is observed via GET .../commands/{cid} or the WebSocket feed.
func (s *Server) handleSetField(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SetFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	field, err := shadow.ParseField(req.Field)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	value, err := parseValue(field, req.Value)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cid, err := s.commands.SetField(r.Context(), id, field, value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": cid,
		"device_id":  id,
		"field":      field,
		"value":      value,
		"state":      command.StateSent,
	})
}

// parseValue accepts a JSON number (the code) or a JSON string (code or label).
func parseValue(f shadow.Field, raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing value", shadow.ErrInvalidValue)
	}
	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		return f.ParseValue(label)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || n != float64(int(n)) {
		return 0, fmt.Errorf("%w: %s", shadow.ErrInvalidValue, strings.TrimSpace(string(raw)))
	}
	if err := f.ValidateCode(int(n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// handleGetCommand returns one command of a device.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cid := chi.URLParam(r, "cid")

	c, err := s.commands.Get(r.Context(), cid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if c.DeviceID != id {
		writeNotFound(w, "command not found for device")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleListCommands returns a device's recent commands, newest first.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.commandLog == nil {
		pending := s.commands.Pending(id)
		writeJSON(w, http.StatusOK, map[string]any{"commands": pending, "count": len(pending)})
		return
	}

	limit, err := queryLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cmds, err := s.commandLog.List(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing commands", "device_id", id, "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "count": len(cmds)})
}

// handleDeviceHistory returns recorded field changes, newest first.
//
// Query parameters:
//   - field: restrict to one field
//   - limit: maximum entries (default 50)
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history not configured")
		return
	}
	id := chi.URLParam(r, "id")

	var field shadow.Field
	if raw := r.URL.Query().Get("field"); raw != "" {
		f, err := shadow.ParseField(raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		field = f
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.List(r.Context(), id, field, limit)
	if err != nil {
		s.logger.Error("listing history", "device_id", id, "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	if entries == nil {
		entries = []shadow.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries, "count": len(entries)})
}

// handleWaterUsage returns the backend's dispensed-volume history for one
// period (?period=day|week|month, default day).
func (s *Server) handleWaterUsage(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "poller not configured")
		return
	}
	id := chi.URLParam(r, "id")
	period, err := cloud.ParseUsagePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	records, err := s.poller.WaterUsage(r.Context(), id, period)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"period":    period,
		"records":   records,
		"count":     len(records),
	})
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}
