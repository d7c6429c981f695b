package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/avatar"
	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/model"
	"github.com/yabosen/presence/internal/presence"
)

const (
	malformedBody = "malformed request body"
	bodyTooLarge  = "request body too large"
)

var errTrailingData = errors.New("unexpected data after JSON body")

type statusResponse struct {
	Success bool `json:"success"`
	model.StatusRecord
}

type heartbeatResponse struct {
	Success bool `json:"success"`
	presence.HeartbeatResult
}

type heartbeatsResponse struct {
	Sources map[string]*int64 `json:"sources"`
}

type avatarResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Size    string `json:"size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.presence.Ping(r.Context()); err != nil {
		logging.C(r.Context()).Warn("health check failed", zap.Error(err))
		respondJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetStatus never fails; store problems surface as an offline record.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.presence.Current(r.Context())
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, r, http.StatusOK, rec)
}

func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	var req presence.UpdateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		respondBodyError(w, r, err)
		return
	}
	rec, err := s.presence.Update(r.Context(), req)
	if err != nil {
		respondError(w, r, err, "Failed to update status")
		return
	}
	respondJSON(w, r, http.StatusOK, statusResponse{Success: true, StatusRecord: rec})
}

// handlePostHeartbeat accepts an empty or unparsable body as {}. idleSeconds
// is the producer's own measure of user inactivity.
func (s *Server) handlePostHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source      string  `json:"source"`
		IdleSeconds float64 `json:"idleSeconds"`
	}
	if err := s.decodeJSON(w, r, &body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondBodyError(w, r, err)
			return
		}
		body.Source, body.IdleSeconds = "", 0
	}
	idle := time.Duration(body.IdleSeconds * float64(time.Second))
	res, err := s.presence.HeartbeatIdle(r.Context(), body.Source, idle)
	if err != nil {
		respondError(w, r, err, "Heartbeat failed")
		return
	}
	respondJSON(w, r, http.StatusOK, heartbeatResponse{Success: true, HeartbeatResult: res})
}

func (s *Server) handleGetHeartbeats(w http.ResponseWriter, r *http.Request) {
	sources, err := s.presence.Heartbeats(r.Context())
	if err != nil {
		respondError(w, r, err, "Failed to read heartbeats")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, r, http.StatusOK, heartbeatsResponse{Sources: sources})
}

// handleGetAvatar serves the stored image or redirects to the default one.
func (s *Server) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	if s.avatars == nil {
		target := s.cfg.DefaultAvatarURL
		if target == "" {
			target = avatar.DefaultURL
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	img, err := s.avatars.Get(r.Context())
	if err != nil {
		http.Redirect(w, r, s.avatars.DefaultURL(), http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", avatar.CacheControlValue)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

func (s *Server) handlePostAvatar(w http.ResponseWriter, r *http.Request) {
	if s.avatars == nil {
		respondJSON(w, r, http.StatusNotFound, errorBody{Error: "avatar storage not configured"})
		return
	}
	var body map[string]interface{}
	if err := s.decodeJSON(w, r, &body); err != nil {
		respondBodyError(w, r, err)
		return
	}
	// A non-string value is treated like a missing one.
	dataURL, _ := body["avatar"].(string)
	size, err := s.avatars.Set(r.Context(), dataURL)
	if err != nil {
		respondError(w, r, err, "Failed to update avatar")
		return
	}
	respondJSON(w, r, http.StatusOK, avatarResponse{
		Success: true,
		Message: "Avatar updated successfully",
		Size:    avatar.FormatSize(size),
	})
}

// decodeJSON reads at most MaxBodyBytes and decodes exactly one JSON value.
// An empty body yields io.EOF.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	switch _, err := dec.Token(); {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	default:
		return errTrailingData
	}
}

func respondBodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondJSON(w, r, http.StatusRequestEntityTooLarge, errorBody{Error: bodyTooLarge})
		return
	}
	respondJSON(w, r, http.StatusBadRequest, errorBody{Error: malformedBody})
}
