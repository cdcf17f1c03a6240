package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/grove-scheduler/internal/application/usecases"
	"github.com/example/grove-scheduler/internal/auth"
	"github.com/example/grove-scheduler/internal/domain/reservation"
	"github.com/example/grove-scheduler/internal/internaltypes"
)

func actor(r *http.Request) string {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	var f reservation.Filter
	q := r.URL.Query()
	if v := q.Get("farm"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondErr(w, r, internaltypes.Invalid("farm", "not a valid uuid"))
			return
		}
		f.FarmID = &id
	}
	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := reservation.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				respondErr(w, r, internaltypes.Invalid("status", "%v", err))
				return
			}
			f.Status = append(f.Status, st)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondErr(w, r, internaltypes.Invalid("limit", "must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	out, err := s.Admin.List(r.Context(), f)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type createReservationRequest struct {
	ID          uuid.UUID           `json:"id"`
	FarmID      uuid.UUID           `json:"farm_id"`
	Contact     reservation.Contact `json:"contact"`
	PathType    string              `json:"path_type"`
	TreesCount  int                 `json:"trees_count"`
	TotalAmount decimal.Decimal     `json:"total_amount"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Lifecycle.Create(r.Context(), usecases.CreateRequest{
		ID:          req.ID,
		FarmID:      req.FarmID,
		Contact:     req.Contact,
		PathType:    reservation.PathType(strings.TrimSpace(req.PathType)),
		TreesCount:  req.TreesCount,
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Admin.Get(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Lifecycle.Approve(r.Context(), id, actor(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req noteRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Lifecycle.Cancel(r.Context(), id, actor(r), req.Note)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Lifecycle.TransferToHarvest(r.Context(), id, actor(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type followUpsResponse struct {
	Events  []reservation.FollowUpEvent `json:"events"`
	Summary reservation.Summary         `json:"summary"`
}

func (s *Server) handleFollowUps(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	evs, sum, err := s.Admin.FollowUps(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if evs == nil {
		evs = []reservation.FollowUpEvent{}
	}
	respondJSON(w, http.StatusOK, followUpsResponse{Events: evs, Summary: sum})
}

func (s *Server) handleRecordFollowUp(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req noteRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	ev, err := s.Admin.RecordManualFollowUp(r.Context(), id, req.Note, actor(r))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	farmID, err := pathUUID(r, "farmID")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	p, err := s.Admin.Policy(r.Context(), farmID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type policyRequest struct {
	Mode      string `json:"mode"`
	GraceDays *int   `json:"grace_days"`
	Reason    string `json:"reason"`
}

func (s *Server) handleOnboardFarm(w http.ResponseWriter, r *http.Request) {
	farmID, err := pathUUID(r, "farmID")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req policyRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	p := reservation.FarmPaymentPolicy{FarmID: farmID, UpdatedBy: actor(r), Reason: req.Reason}
	if req.Mode != "" {
		if p.Mode, err = reservation.ParsePaymentMode(req.Mode); err != nil {
			respondErr(w, r, internaltypes.Invalid("mode", "%v", err))
			return
		}
		if p.Mode == reservation.ModeFlexible {
			p.GraceDays = reservation.DefaultGraceDays
		}
	}
	if req.GraceDays != nil {
		p.GraceDays = *req.GraceDays
	}
	out, err := s.Admin.OnboardFarm(r.Context(), p)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	farmID, err := pathUUID(r, "farmID")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Admin.PolicyHistory(r.Context(), farmID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if out == nil {
		out = []reservation.PolicyChange{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTogglePaymentMode(w http.ResponseWriter, r *http.Request) {
	farmID, err := pathUUID(r, "farmID")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req policyRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	mode, err := reservation.ParsePaymentMode(req.Mode)
	if err != nil {
		respondErr(w, r, internaltypes.Invalid("mode", "%v", err))
		return
	}
	grace := 0
	if req.GraceDays != nil {
		grace = *req.GraceDays
	}
	out, err := s.Admin.ToggleFarmPaymentMode(r.Context(), usecases.ToggleRequest{
		FarmID:    farmID,
		Mode:      mode,
		GraceDays: grace,
		Reason:    req.Reason,
		Actor:     actor(r),
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleReminderSweep(w http.ResponseWriter, r *http.Request) {
	out, err := s.Sweeps.RunReminderSweep(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleExpirationSweep(w http.ResponseWriter, r *http.Request) {
	out, err := s.Sweeps.RunExpirationSweep(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type submittedRequest struct {
	Ref string `json:"ref"`
}

func (s *Server) handlePaymentSubmitted(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req submittedRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Lifecycle.MarkSubmitted(r.Context(), id, req.Ref)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type paidRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

func (s *Server) handlePaymentPaid(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req paidRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	out, err := s.Lifecycle.MarkPaid(r.Context(), id, req.TransactionID, req.Amount)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
