package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/reelmix/internal/artifact"
	"github.com/MrWong99/reelmix/internal/observe"
)

// liveWriteTimeout bounds one websocket write of the live feed.
const liveWriteTimeout = 10 * time.Second

// api serves the recordings endpoints on top of a [SessionManager].
type api struct {
	sessions *SessionManager
	logger   *slog.Logger
}

// register adds the routes:
//
//	POST   /v1/recordings                 start a recording
//	GET    /v1/recordings                 list recordings
//	GET    /v1/recordings/{id}            one recording
//	DELETE /v1/recordings/{id}            forget a finished recording
//	POST   /v1/recordings/{id}/stop       finalize a recording
//	GET    /v1/recordings/{id}/artifact   download the artifact
//	POST   /v1/recordings/{id}/upload     upload the artifact
//	GET    /v1/recordings/{id}/live       websocket feed of encoded chunks
func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/recordings", a.handleStart)
	mux.HandleFunc("GET /v1/recordings", a.handleList)
	mux.HandleFunc("GET /v1/recordings/{id}", a.handleGet)
	mux.HandleFunc("DELETE /v1/recordings/{id}", a.handleRemove)
	mux.HandleFunc("POST /v1/recordings/{id}/stop", a.handleStop)
	mux.HandleFunc("GET /v1/recordings/{id}/artifact", a.handleArtifact)
	mux.HandleFunc("POST /v1/recordings/{id}/upload", a.handleUpload)
	mux.HandleFunc("GET /v1/recordings/{id}/live", a.handleLive)
}

// startRequest is the JSON body for POST /v1/recordings.
type startRequest struct {
	Participants []ParticipantSpec `json:"participants"`
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	info, err := a.sessions.Start(r.Context(), req.Participants)
	if err != nil {
		observe.Logger(r.Context()).Warn("start recording failed", "err", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Location", "/v1/recordings/"+info.ID)
	writeJSON(w, http.StatusCreated, info)
}

func (a *api) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	info, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Remove(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sessions.Stop(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	info, err := a.sessions.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (a *api) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	art, err := a.sessions.Artifact(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", art.MIMEType.MediaType())
	w.Header().Set("Content-Length", strconv.Itoa(art.Size()))
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.FileName(art, "")+`"`)
	if art.Partial {
		w.Header().Set("X-Reelmix-Partial", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.sessions.Upload(r.Context(), id)
	var uerr *artifact.UploadError
	switch {
	case err == nil:
	case errors.As(err, &uerr):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	default:
		writeError(w, statusFor(err), err.Error())
		return
	}
	info, err := a.sessions.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleLive streams every chunk emitted after the connection was accepted
// as one binary message. The connection is closed normally when the
// recording ends.
func (a *api) handleLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chunks, cancel, err := a.sessions.Subscribe(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the handshake error.
		a.logger.Debug("live feed handshake failed", "session_id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	// Reads are not expected; CloseRead handles pings and close frames.
	ctx := conn.CloseRead(r.Context())
	log := a.logger.With("session_id", id)
	log.Debug("live feed attached")

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "recording ended")
				return
			}
			if err := writeChunk(ctx, conn, c.Data); err != nil {
				log.Debug("live feed detached", "err", err)
				return
			}
		}
	}
}

func writeChunk(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSourceInUse), errors.Is(err, ErrStillRecording), errors.Is(err, ErrNoArtifact):
		return http.StatusConflict
	case errors.Is(err, ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUploadDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, ErrInvalidParticipants):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
