package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/discovery"
	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/mqtt"
	"shelly-go-home/internal/queue"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBulkDevices      = 256
)

// errorStatus maps command errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrDeviceExists):
		return http.StatusConflict
	case errors.Is(err, mqtt.ErrNotConnected), errors.Is(err, mqtt.ErrPublishFailed):
		return http.StatusBadGateway
	case errors.Is(err, queue.ErrShutdown), errors.Is(err, queue.ErrDropped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeCommandError(w http.ResponseWriter, err error, attrs ...any) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("device command failed", append(attrs, "err", err)...)
	}
	if status == http.StatusInternalServerError {
		s.writeError(w, status, "internal server error")
		return
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Devices())
}

// deviceView is a device record plus its queue depth.
type deviceView struct {
	device.Record
	PendingCommands int `json:"pending_commands"`
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gw.Device(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, deviceView{Record: rec, PendingCommands: s.gw.PendingCommands(rec.DeviceID)})
}

type createDeviceRequest struct {
	DeviceID    string `json:"device_id"`
	TransportID string `json:"transport_id"`
	Name        string `json:"name"`
}

func (s *Server) handleAPICreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.gw.Register(device.Record{DeviceID: req.DeviceID, TransportID: req.TransportID, Name: req.Name})
	switch {
	case errors.Is(err, gateway.ErrDeviceExists):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

type updateDeviceRequest struct {
	Name        string `json:"name"`
	TransportID string `json:"transport_id"`
}

func (s *Server) handleAPIUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req updateDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.gw.Rename(r.PathValue("id"), req.Name, req.TransportID)
	if err != nil {
		s.writeCommandError(w, err, "id", r.PathValue("id"))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.Remove(id); err != nil {
		s.writeCommandError(w, err, "id", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.Refresh(r.Context(), id); err != nil {
		s.writeCommandError(w, err, "id", id, "op", "refresh")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "device_id": id})
}

// handleAPIDeviceAction runs one operation on one device. The body carries
// the operation's parameters; omitted fields take their defaults.
func (s *Server) handleAPIDeviceAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, err := device.ParseOperation(r.PathValue("action"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	p := device.DefaultParams(op)
	if err := decodeBody(w, r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.gw.Execute(r.Context(), id, op, p); err != nil {
		s.writeCommandError(w, err, "id", id, "op", op)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "device_id": id, "operation": string(op)})
}

func (s *Server) handleAPIClearQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dropped, err := s.gw.ClearQueue(id)
	if err != nil {
		s.writeCommandError(w, err, "id", id)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "device_id": id, "dropped": dropped})
}

func (s *Server) handleAPIDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "command history disabled")
		return
	}
	rec, err := s.gw.Device(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := s.history.List(r.Context(), rec.DeviceID, limit)
	if err != nil {
		s.logger.Error("list history", "device_id", rec.DeviceID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type bulkRequest struct {
	DeviceIDs []string `json:"device_ids"`
	Mode      string   `json:"mode"`
	device.Params
}

func (s *Server) handleAPIBulk(w http.ResponseWriter, r *http.Request) {
	op, err := device.ParseOperation(r.PathValue("operation"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	req := bulkRequest{Params: device.DefaultParams(op)}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.DeviceIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "device_ids must not be empty")
		return
	}
	if len(req.DeviceIDs) > maxBulkDevices {
		s.writeError(w, http.StatusBadRequest, "too many device_ids")
		return
	}
	mode, err := queue.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.gw.ExecuteBulk(r.Context(), req.DeviceIDs, op, req.Params, mode))
}

// Command delay is exchanged in seconds.
type commandDelayBody struct {
	CommandDelay float64 `json:"command_delay"`
}

func (s *Server) handleAPIGetCommandDelay(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, commandDelayBody{CommandDelay: s.gw.CommandDelay().Seconds()})
}

func (s *Server) handleAPISetCommandDelay(w http.ResponseWriter, r *http.Request) {
	var req commandDelayBody
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CommandDelay <= 0 {
		s.writeError(w, http.StatusBadRequest, "command_delay must be positive")
		return
	}
	applied, err := s.gw.SetCommandDelay(time.Duration(req.CommandDelay * float64(time.Second)))
	if err != nil {
		// The delay is active; only persisting it failed.
		s.logger.Error("persist command delay", "err", err)
	}
	s.writeJSON(w, http.StatusOK, commandDelayBody{CommandDelay: applied.Seconds()})
}

func (s *Server) handleAPIDiscoveryTest(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		s.writeError(w, http.StatusNotFound, "discovery disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.discovery.Test(r.Context()))
}

func (s *Server) handleAPIDiscoveryScan(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		s.writeError(w, http.StatusNotFound, "discovery disabled")
		return
	}
	found, err := s.discovery.Scan(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, discovery.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": found, "count": len(found)})
}

func (s *Server) handleAPISetDonglePath(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		s.writeError(w, http.StatusNotFound, "discovery disabled")
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.discovery.SetDonglePath(req.Path)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "dongle_path": req.Path})
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	connected := true
	if s.connected != nil {
		connected = s.connected()
	}
	status := "ok"
	if !connected {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"mqtt_connected": connected,
		"devices":        len(s.gw.Snapshot()),
		"subscribers":    s.wsHub.Clients(),
		"queues":         s.gw.QueueStats(),
		"command_delay":  s.gw.CommandDelay().Seconds(),
	})
}
