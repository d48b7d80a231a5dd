package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// routeCommand validates the request and dispatches it by command.
func (h *Handler) routeCommand(w http.ResponseWriter, r *http.Request, req *types.Request, startTime time.Time) {
	if err := req.Validate(); err != nil {
		log.Warn().Str("cmd", req.Cmd).Msg(err.Error())
		h.writeError(w, req.Cmd, err.Error(), startTime)
		return
	}

	switch req.Cmd {
	case types.CmdRequestGet, types.CmdRequestPost:
		h.handleRequest(w, r.Context(), req, startTime)
	case types.CmdSessionsCreate, types.CmdSessionsList, types.CmdSessionsDestroy:
		h.writeError(w, req.Cmd, msgSessionsNotImplemented, startTime)
	}
}
