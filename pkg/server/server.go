// Copyright 2025 Certen Protocol
//
// Package server exposes the tower's single external route, POST
// /appointment (spec.md §6). HTTP framing, request-id logging, and JSON
// schema boilerplate beyond what's needed to decode and encode an
// Appointment are explicitly out of scope (spec.md §1) and left to
// whatever reverse proxy fronts this service; this package is plain
// net/http with manual json encode/decode, the same convention the
// teacher's ledger handlers use.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/certen/pisa/pkg/appointment"
	"github.com/certen/pisa/pkg/tower"
)

// Config configures the HTTP surface.
type Config struct {
	Tower *tower.Tower

	RateLimitUserMax      int
	RateLimitUserWindowMs int
	RateLimitUserMessage  string

	RateLimitGlobalMax      int
	RateLimitGlobalWindowMs int
	RateLimitGlobalMessage  string
}

// Server implements http.Handler for the tower's external surface.
type Server struct {
	cfg    Config
	perIP  *limiter
	global *limiter
	mux    *http.ServeMux
}

// New constructs a Server.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		perIP:  newLimiter(cfg.RateLimitUserMax, time.Duration(cfg.RateLimitUserWindowMs)*time.Millisecond),
		global: newLimiter(cfg.RateLimitGlobalMax, time.Duration(cfg.RateLimitGlobalWindowMs)*time.Millisecond),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/appointment", s.handleAppointment)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleAppointment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	if !s.global.allow("") {
		s.writeRateLimit(w, s.cfg.RateLimitGlobalMessage, http.StatusServiceUnavailable)
		return
	}
	ip := clientIP(r)
	if !s.perIP.allow(ip) {
		s.writeRateLimit(w, s.cfg.RateLimitUserMessage, http.StatusTooManyRequests)
		return
	}

	var a appointment.Appointment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"malformed request: %s"}`, err.Error()), http.StatusBadRequest)
		return
	}

	sig, err := s.cfg.Tower.AddAppointment(r.Context(), &a)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := writeReceipt(w, &a, sig); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeReceipt renders the accepted appointment plus its receipt
// signature as one JSON object (spec.md §6: "the same object plus a
// signature field"). Appointment already carries a custom MarshalJSON,
// so the signature is merged in via a raw-message map rather than
// struct embedding, which would just promote the embedded MarshalJSON
// and drop the extra field.
func writeReceipt(w http.ResponseWriter, a *appointment.Appointment, sig [65]byte) error {
	base, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return err
	}
	sigJSON, err := json.Marshal(fmt.Sprintf("0x%x", sig))
	if err != nil {
		return err
	}
	fields["signature"] = sigJSON
	return json.NewEncoder(w).Encode(fields)
}

func (s *Server) writeRateLimit(w http.ResponseWriter, message string, status int) {
	if message == "" {
		message = "rate limit exceeded"
	}
	http.Error(w, fmt.Sprintf(`{"error":%q}`, message), status)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var vf *tower.ValidationFailedError
	var insf *tower.InspectionFailedError
	switch {
	case errors.As(err, &vf):
		http.Error(w, fmt.Sprintf(`{"error":%q}`, vf.Error()), http.StatusBadRequest)
	case errors.As(err, &insf):
		http.Error(w, fmt.Sprintf(`{"error":%q}`, insf.Error()), http.StatusBadRequest)
	default:
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
