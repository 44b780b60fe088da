package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
)

// SwitchRequest is the body of POST /switch. TX 0 unassigns the receiver.
type SwitchRequest struct {
	TX int `json:"tx"`
	RX int `json:"rx"`
}

// NameRequest is the body of PUT .../name.
type NameRequest struct {
	Name string `json:"name"`
}

// ValueRequest is the body of PUT .../resolution and PUT .../hdcp.
type ValueRequest struct {
	Value string `json:"value"`
}

// SerialRequest is the body of POST .../serial.
type SerialRequest struct {
	// Baud defaults to 9600-8n1.
	Baud string `json:"baud,omitempty"`
	// Data is space-separated hex bytes, for example "50 57 0D".
	Data string `json:"data"`
}

// IRRequest is the body of POST .../ir.
type IRRequest struct {
	Data string `json:"data"`
}

// RawRequest is the body of POST /raw: one line-protocol command.
type RawRequest struct {
	Command string `json:"command"`
}

// RawResponse carries the controller's reply lines.
type RawResponse struct {
	Lines []string `json:"lines"`
}

// CommandResponse acknowledges a command accepted by the controller.
type CommandResponse struct {
	Status string `json:"status"`
}

var accepted = CommandResponse{Status: "accepted"}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ctrl.Switch(r.Context(), req.TX, req.RX); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	rx, ok := indexParam(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.Unassign(r.Context(), rx); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleRename(kind moip.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		var req NameRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.ctrl.Rename(r.Context(), kind, index, req.Name); err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, accepted)
	}
}

func (s *Server) handleSetResolution(w http.ResponseWriter, r *http.Request) {
	s.handleValue(w, r, s.ctrl.SetResolution)
}

func (s *Server) handleSetHDCP(w http.ResponseWriter, r *http.Request) {
	s.handleValue(w, r, s.ctrl.SetHDCP)
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, rx int, value string) error) {
	rx, ok := indexParam(w, r)
	if !ok {
		return
	}
	var req ValueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := set(r.Context(), rx, req.Value); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

// handleCEC serves POST /receivers/{index}/cec/{action}.
func (s *Server) handleCEC(w http.ResponseWriter, r *http.Request) {
	rx, ok := indexParam(w, r)
	if !ok {
		return
	}
	var send func(ctx context.Context, rx int) error
	switch action := chi.URLParam(r, "action"); action {
	case moip.CECActionPowerOn:
		send = s.ctrl.CECPowerOn
	case moip.CECActionPowerOff:
		send = s.ctrl.CECPowerOff
	case moip.CECActionVolumeUp:
		send = s.ctrl.CECVolumeUp
	case moip.CECActionVolumeDown:
		send = s.ctrl.CECVolumeDown
	case moip.CECActionMute:
		send = s.ctrl.CECMute
	default:
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown CEC action %q", action))
		return
	}
	if err := send(r.Context(), rx); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleSendSerial(kind moip.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		var req SerialRequest
		if !decodeBody(w, r, &req) {
			return
		}
		baud := moip.DefaultBaudSpec
		if req.Baud != "" {
			var err error
			if baud, err = moip.ParseBaudSpec(req.Baud); err != nil {
				writeControllerError(w, err)
				return
			}
		}
		data, err := moip.DecodeHexBytes(req.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		if err := s.ctrl.SendSerial(r.Context(), kind, index, baud, data); err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, accepted)
	}
}

func (s *Server) handleSendIR(kind moip.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := indexParam(w, r)
		if !ok {
			return
		}
		var req IRRequest
		if !decodeBody(w, r, &req) {
			return
		}
		data, err := moip.DecodeHexBytes(req.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		if err := s.ctrl.SendIR(r.Context(), kind, index, data); err != nil {
			writeControllerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, accepted)
	}
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	var req RawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	lines, err := s.ctrl.Raw(r.Context(), req.Command)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, RawResponse{Lines: lines})
}
