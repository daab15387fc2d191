package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/protocol"
	"github.com/medlearn/simquota/internal/store"
)

// handleRPC dispatches /rpc/{procedure}. Results are the store's result
// types; refusals travel in their reason fields with status 200.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	proc := chi.URLParam(r, "procedure")
	userID := r.Header.Get(protocol.HeaderUserID)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		s.requests.WithLabelValues(proc, strconv.Itoa(rec.status)).Inc()
	}()
	w = rec
	ctx := r.Context()

	if userID == "" && proc != protocol.ProcCanStart && proc != protocol.ProcExpireStale {
		writeError(w, http.StatusUnauthorized, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: "missing " + protocol.HeaderUserID})
		return
	}

	switch proc {
	case protocol.ProcCanStart:
		res, err := s.backend.CanStartSimulation(ctx, userID)
		s.reply(w, r, proc, res, err)

	case protocol.ProcStart:
		var req protocol.StartRequest
		if !s.decode(w, r, &req) {
			return
		}
		if ok, wait := s.startLimiter.Allow(userID); !ok {
			s.logger.Debug(ctx, "start attempt rate limited", slog.F("user_id", userID))
			writeRateLimited(w, wait)
			return
		}
		res, err := s.backend.StartSimulationSession(ctx, userID, req.Kind, req.Token)
		s.reply(w, r, proc, res, err)

	case protocol.ProcMarkCounted:
		var req protocol.TokenRequest
		if !s.decode(w, r, &req) {
			return
		}
		res, err := s.backend.MarkSimulationCounted(ctx, req.Token, userID)
		s.reply(w, r, proc, res, err)

	case protocol.ProcEnd, protocol.ProcAbort:
		var req protocol.TokenRequest
		if !s.decode(w, r, &req) {
			return
		}
		fn := s.backend.EndSimulationSession
		if proc == protocol.ProcAbort {
			fn = s.backend.AbortSimulationSession
		}
		res, err := fn(ctx, req.Token, userID)
		s.reply(w, r, proc, res, err)

	case protocol.ProcGetActive:
		res, err := s.backend.GetActiveSimulation(ctx, userID)
		s.reply(w, r, proc, res, err)

	case protocol.ProcGetQuota:
		res, err := s.backend.GetQuota(ctx, userID)
		s.reply(w, r, proc, res, err)

	case protocol.ProcSetUsedCount:
		var req protocol.SetUsedCountRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Next < req.Expected {
			writeError(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "used_count cannot decrease"})
			return
		}
		ok, err := s.backend.SetUsedCount(ctx, userID, req.Expected, req.Next)
		s.reply(w, r, proc, protocol.SetUsedCountResult{Applied: ok}, err)

	case protocol.ProcExpireStale:
		if !s.checkAdmin(r) {
			writeError(w, http.StatusUnauthorized, protocol.ErrorPayload{Code: protocol.ErrUnauthorized, Message: "invalid admin key"})
			return
		}
		var req protocol.ExpireStaleRequest
		if !s.decode(w, r, &req) {
			return
		}
		n, err := s.backend.ExpireStaleSessions(ctx, time.UnixMilli(req.StartedBefore).UTC())
		s.reply(w, r, proc, protocol.ExpireStaleResult{Expired: n}, err)

	default:
		writeError(w, http.StatusNotFound, protocol.ErrorPayload{Code: protocol.ErrUnknownProc, Message: "unknown procedure " + strconv.Quote(proc)})
	}
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, proc string, res interface{}, err error) {
	if err != nil {
		if xerrors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, protocol.ErrorPayload{Code: protocol.ErrNotFound, Message: string(plan.ReasonNotFound)})
			return
		}
		s.internalError(w, r, proc, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
