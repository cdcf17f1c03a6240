package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/grove-scheduler/internal/application/scheduler"
	"github.com/example/grove-scheduler/internal/application/usecases"
	"github.com/example/grove-scheduler/internal/auth"
	"github.com/example/grove-scheduler/internal/infrastructure/notify"
)

type Server struct {
	Auth      *auth.Store
	Gateway   auth.Gateway
	Users     usecases.AuthService
	Lifecycle usecases.Lifecycle
	Admin     usecases.Admin
	Sweeps    scheduler.Runner
	// Hub is optional; without it /ws/reminders is not served.
	Hub *notify.Hub
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.Auth.RequireAuth)
	api.HandleFunc("/reservations", s.handleListReservations).Methods(http.MethodGet)
	api.HandleFunc("/reservations", s.handleCreateReservation).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id}", s.handleGetReservation).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id}/harvest", s.handleHarvest).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id}/followups", s.handleFollowUps).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{id}/followups", s.handleRecordFollowUp).Methods(http.MethodPost)
	api.HandleFunc("/farms/{farmID}/payment-policy", s.handleGetPolicy).Methods(http.MethodGet)
	api.HandleFunc("/farms/{farmID}/payment-policy", s.handleOnboardFarm).Methods(http.MethodPut)
	api.HandleFunc("/farms/{farmID}/payment-policy/history", s.handlePolicyHistory).Methods(http.MethodGet)
	api.HandleFunc("/farms/{farmID}/payment-mode", s.handleTogglePaymentMode).Methods(http.MethodPost)
	api.HandleFunc("/sweeps/reminders", s.handleReminderSweep).Methods(http.MethodPost)
	api.HandleFunc("/sweeps/expirations", s.handleExpirationSweep).Methods(http.MethodPost)

	if s.Hub != nil {
		r.Handle("/ws/reminders", s.Auth.RequireAuth(http.HandlerFunc(s.Hub.ServeWs))).Methods(http.MethodGet)
	}

	cb := r.PathPrefix("/callbacks/payments").Subrouter()
	cb.Use(s.Gateway.RequireGateway)
	cb.HandleFunc("/{id}/submitted", s.handlePaymentSubmitted).Methods(http.MethodPost)
	cb.HandleFunc("/{id}/paid", s.handlePaymentPaid).Methods(http.MethodPost)

	return logging(r)
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}
	u, err := s.Users.VerifyPassword(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid username/password")
		return
	}
	if err := s.Auth.SetSession(w, r, u.Username); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"username": u.Username})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
