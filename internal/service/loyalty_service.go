package service

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/config"
	"github.com/kkkkikiki/loyalty/internal/engine"
	"github.com/kkkkikiki/loyalty/internal/points"
	"github.com/kkkkikiki/loyalty/internal/repository"
	"github.com/kkkkikiki/loyalty/internal/scheduler"
)

// LoyaltyServer exposes the engine, points ledger and scheduler over HTTP
type LoyaltyServer struct {
	postgres   *sqlx.DB
	engine     *engine.RuleEngine
	lifecycle  *engine.OfferLifecycleManager
	ledger     *points.Ledger
	supervisor *scheduler.Supervisor
	insights   *repository.InsightsRepository
	cfg        config.LoyaltyConfig
	logger     *zap.Logger
}

// NewLoyaltyServer creates a new LoyaltyServer instance
func NewLoyaltyServer(
	postgres *sqlx.DB,
	eng *engine.RuleEngine,
	lifecycle *engine.OfferLifecycleManager,
	ledger *points.Ledger,
	supervisor *scheduler.Supervisor,
	cfg config.LoyaltyConfig,
	logger *zap.Logger,
) *LoyaltyServer {
	return &LoyaltyServer{
		postgres:   postgres,
		engine:     eng,
		lifecycle:  lifecycle,
		ledger:     ledger,
		supervisor: supervisor,
		insights:   repository.NewInsightsRepository(),
		cfg:        cfg,
		logger:     logger,
	}
}

// Routes builds the versioned API router
func (s *LoyaltyServer) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/engine/evaluate", s.handleEvaluateAll)
		r.Post("/engine/evaluate/{clientID}", s.handleEvaluateClient)

		r.Post("/offers/send", s.handleSendOffers)
		r.Post("/offers/use", s.handleUseOffer)
		r.Post("/offers/expire", s.handleExpireOffers)

		r.Post("/points/add", s.handleAddPoints)
		r.Post("/points/use", s.handleUsePoints)
		r.Post("/points/adjust", s.handleAdjustPoints)
		r.Post("/rewards/redeem", s.handleRedeemReward)

		r.Get("/clients/{clientID}/loyalty", s.handleClientLoyalty)
		r.Get("/clients/{clientID}/offers", s.handleClientOffers)
		r.Get("/loyalty/stats", s.handleProgramStats)
		r.Get("/rewards", s.handleListRewards)

		r.Post("/scheduler/start", s.handleSchedulerStart)
		r.Post("/scheduler/stop", s.handleSchedulerStop)
		r.Post("/scheduler/restart", s.handleSchedulerRestart)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.Post("/scheduler/tasks/{taskID}/run", s.handleSchedulerRunTask)
		r.Get("/scheduler/logs", s.handleSchedulerLogs)
	})

	return r
}

// respondDomainError maps domain sentinels onto HTTP statuses
func (s *LoyaltyServer) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrOfferNotFound),
		errors.Is(err, points.ErrAccountNotFound),
		errors.Is(err, repository.ErrClientNotFound),
		errors.Is(err, scheduler.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrOfferExpired),
		errors.Is(err, engine.ErrOfferAlreadyUsed),
		errors.Is(err, points.ErrInsufficientPoints),
		errors.Is(err, points.ErrRewardUnavailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, points.ErrNonPositivePoints),
		errors.Is(err, errEmptyBody):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func (s *LoyaltyServer) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.EvaluateAll(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *LoyaltyServer) handleEvaluateClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathInt64(r, "clientID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}

	offers, err := s.engine.EvaluateForClient(r.Context(), clientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id":        clientID,
		"offers_generated": len(offers),
		"offers":           offers,
	})
}

func (s *LoyaltyServer) handleSendOffers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OfferIDs []int64 `json:"offer_ids"`
		Channel  string  `json:"channel"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel == "" {
		req.Channel = s.cfg.SendChannel
	}

	sent, err := s.lifecycle.SendOffers(r.Context(), req.OfferIDs, req.Channel)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"offers_sent": sent,
		"channel":     req.Channel,
	})
}

func (s *LoyaltyServer) handleUseOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code          string `json:"code"`
		TransactionID *int64 `json:"transaction_id"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	result, err := s.lifecycle.UseOffer(r.Context(), req.Code, req.TransactionID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *LoyaltyServer) handleExpireOffers(w http.ResponseWriter, r *http.Request) {
	expired, err := s.lifecycle.CheckExpiredOffers(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offers_expired": expired})
}

type pointsRequest struct {
	ClientID      int64  `json:"client_id"`
	Points        int64  `json:"points"`
	TransactionID *int64 `json:"transaction_id"`
	Comment       string `json:"comment"`
}

func (s *LoyaltyServer) handleAddPoints(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mv, err := s.ledger.Accrue(r.Context(), req.ClientID, req.Points, points.Source{
		TransactionID: req.TransactionID,
		Comment:       req.Comment,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mv)
}

func (s *LoyaltyServer) handleUsePoints(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mv, err := s.ledger.Redeem(r.Context(), req.ClientID, req.Points, points.Source{
		TransactionID: req.TransactionID,
		Comment:       req.Comment,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mv)
}

func (s *LoyaltyServer) handleAdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID int64  `json:"client_id"`
		Delta    int64  `json:"delta"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mv, err := s.ledger.Adjust(r.Context(), req.ClientID, req.Delta, req.Reason)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mv)
}

func (s *LoyaltyServer) handleRedeemReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID      int64  `json:"client_id"`
		RewardID      int64  `json:"reward_id"`
		TransactionID *int64 `json:"transaction_id"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.ledger.RedeemReward(r.Context(), req.ClientID, req.RewardID, req.TransactionID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *LoyaltyServer) handleClientLoyalty(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathInt64(r, "clientID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}
	ctx := r.Context()

	client, err := s.insights.GetClient(ctx, s.postgres, clientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	account, err := s.insights.GetAccount(ctx, s.postgres, clientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	txStats, err := s.insights.TxStats(ctx, s.postgres, clientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	history, err := s.insights.LedgerHistory(ctx, s.postgres, clientID, 20)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	events, err := s.insights.ClientEvents(ctx, s.postgres, clientID, 20)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	offers, err := s.lifecycle.ClientOffers(ctx, clientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client":         client,
		"account":        account,
		"transactions":   txStats,
		"ledger_history": history,
		"events":         events,
		"offers":         offers,
	})
}

func (s *LoyaltyServer) handleClientOffers(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathInt64(r, "clientID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}

	offers, err := s.lifecycle.ClientOffers(r.Context(), clientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": clientID,
		"offers":    offers,
	})
}

func (s *LoyaltyServer) handleProgramStats(w http.ResponseWriter, r *http.Request) {
	periodDays := 30
	if raw := r.URL.Query().Get("period_days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid period_days")
			return
		}
		periodDays = parsed
	}

	stats, err := s.insights.ProgramStatistics(r.Context(), s.postgres, periodDays, time.Now())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *LoyaltyServer) handleListRewards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Without a client the affordability annotation is skipped
	clientPoints := int64(-1)
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		clientID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid client_id")
			return
		}
		account, err := s.insights.GetAccount(ctx, s.postgres, clientID)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		clientPoints = 0
		if account != nil {
			clientPoints = account.Balance
		}
	}

	rewards, err := s.insights.ActiveRewards(ctx, s.postgres, clientPoints)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rewards": rewards})
}

func (s *LoyaltyServer) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	report, err := s.supervisor.Start(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *LoyaltyServer) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	report, err := s.supervisor.Stop(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *LoyaltyServer) handleSchedulerRestart(w http.ResponseWriter, r *http.Request) {
	report, err := s.supervisor.Restart(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *LoyaltyServer) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.supervisor.Status(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *LoyaltyServer) handleSchedulerRunTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.supervisor.RunTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *LoyaltyServer) handleSchedulerLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.supervisor.Logs(limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
