package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/ispflash/internal/httputil"
	"github.com/banshee-data/ispflash/internal/isp"
	"github.com/banshee-data/ispflash/internal/monitoring"
)

// Commander runs control exchanges. *isp.Session and *SessionManager both
// satisfy it.
type Commander interface {
	ExecuteCmd(ctx context.Context, req []byte, expectedLen int, timeout time.Duration) ([]byte, isp.Result, error)
	LastError() error
}

const maxCommandTimeout = 30 * time.Second

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	Subcommand int    `json:"subcommand"`
	Params     string `json:"params"`
	ReplyLen   int    `json:"reply_len"`
	TimeoutMS  int    `json:"timeout_ms"`
}

// CommandResponse reports one control exchange. A failed exchange is still
// a 200 with Success false.
type CommandResponse struct {
	Success       bool       `json:"success"`
	Subcommand    int        `json:"subcommand"`
	Result        isp.Result `json:"result"`
	Reply         string     `json:"reply,omitempty"`
	BytesReceived int        `json:"bytes_received"`
	DurationMS    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
	Suggestion    string     `json:"suggestion,omitempty"`
}

// handleCommand handles POST /api/command
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	cmdr, ok := s.session.(Commander)
	if !ok {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no session accepts commands")
		return
	}

	var req CommandRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Subcommand < 0 || req.Subcommand > 0xFF {
		httputil.BadRequest(w, "subcommand must be between 0 and 255")
		return
	}
	if req.ReplyLen < 0 || req.ReplyLen > isp.MaxPayload-2 {
		httputil.BadRequest(w, fmt.Sprintf("reply_len must be between 0 and %d", isp.MaxPayload-2))
		return
	}
	params, err := hex.DecodeString(strings.TrimPrefix(req.Params, "0x"))
	if err != nil {
		httputil.BadRequest(w, "params must be hex")
		return
	}
	timeout := isp.DefaultConfig().CommandTimeout
	if req.TimeoutMS != 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		if timeout < 0 || timeout > maxCommandTimeout {
			httputil.BadRequest(w, fmt.Sprintf("timeout_ms must be between 1 and %d", maxCommandTimeout.Milliseconds()))
			return
		}
	}

	payload := append([]byte{isp.CmdControl, byte(req.Subcommand)}, params...)
	start := time.Now()
	// The reply payload is [0xA0][n][data].
	reply, res, err := cmdr.ExecuteCmd(r.Context(), payload, req.ReplyLen+2, timeout)
	if err != nil {
		switch {
		case errors.Is(err, isp.ErrBusy):
			httputil.WriteJSONError(w, http.StatusConflict, "session is busy with another operation")
		case errors.Is(err, isp.ErrClosed), errors.Is(err, ErrNoSession):
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no serial port is open")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, "request cancelled")
		default:
			monitoring.Logf("api: command 0x%02X: %v", req.Subcommand, err)
			httputil.BadRequest(w, err.Error())
		}
		return
	}

	resp := CommandResponse{
		Success:       res == isp.ResultSuccess,
		Subcommand:    req.Subcommand,
		Result:        res,
		BytesReceived: len(reply),
		DurationMS:    time.Since(start).Milliseconds(),
	}
	if resp.Success {
		resp.Reply = hex.EncodeToString(reply)
	} else {
		if cause := cmdr.LastError(); cause != nil {
			resp.Error = cause.Error()
		}
		resp.Suggestion = suggestionFor(res)
	}
	httputil.WriteJSONOK(w, resp)
}

// suggestionFor gives the operator a next step for a failed exchange.
func suggestionFor(res isp.Result) string {
	switch res {
	case isp.ResultNoResponse:
		return "Check the device is in ISP mode, the baud rate matches and reply_len is the length the device sends."
	case isp.ResultSpurious:
		return "The device answered with something other than a command reply. Retry once the link is quiet."
	default:
		return "Check device connection and retry."
	}
}
