package hil

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/refset/aegis/internal/httpjson"
)

type requestBody struct {
	ActionDescription string `json:"action_description"`
	RiskLevel         string `json:"risk_level"`
}

type decisionBody struct {
	Outcome string `json:"outcome"`
}

// NewHandler serves the approval surface consumed by the approval front-end.
func NewHandler(g *Gate) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /approvals", func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		if err := httpjson.Decode(r, &body); err != nil {
			httpjson.Error(w, err, http.StatusBadRequest)
			return
		}
		if body.ActionDescription == "" {
			httpjson.Error(w, errors.New("action_description is required"), http.StatusBadRequest)
			return
		}
		risk, err := ParseRisk(body.RiskLevel)
		if err != nil {
			httpjson.Error(w, err, http.StatusBadRequest)
			return
		}
		req, err := g.Request(body.ActionDescription, risk)
		if err != nil {
			httpjson.Error(w, err, http.StatusBadRequest)
			return
		}
		httpjson.Respond(w, http.StatusCreated, req)
	})

	mux.HandleFunc("POST /approvals/{id}/decision", func(w http.ResponseWriter, r *http.Request) {
		var body decisionBody
		if err := httpjson.Decode(r, &body); err != nil {
			httpjson.Error(w, err, http.StatusBadRequest)
			return
		}
		req, err := g.Decide(r.PathValue("id"), Status(body.Outcome))
		if err != nil {
			httpjson.Error(w, err, statusFor(err))
			return
		}
		httpjson.Respond(w, http.StatusOK, req)
	})

	mux.HandleFunc("GET /approvals", func(w http.ResponseWriter, r *http.Request) {
		status := Status(r.URL.Query().Get("status"))
		switch status {
		case "", StatusPending, StatusApproved, StatusRejected, StatusExpired:
		default:
			httpjson.Error(w, fmt.Errorf("unknown status %q", status), http.StatusBadRequest)
			return
		}
		httpjson.Respond(w, http.StatusOK, g.List(status))
	})

	mux.HandleFunc("GET /approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		req, err := g.Get(r.PathValue("id"))
		if err != nil {
			httpjson.Error(w, err, statusFor(err))
			return
		}
		httpjson.Respond(w, http.StatusOK, req)
	})
	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrInvalidRisk):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
