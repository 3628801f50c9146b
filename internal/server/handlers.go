package server

import (
	"net/http"
	"time"

	"github.com/aristath/sentinel/internal/domain"
)

// healthResponse is the structured health summary the CLI/process
// surface's "health" command returns: one entry per registered agent
// plus the registry-wide health score and unhealthy-agent roster.
type healthResponse struct {
	Status      string                   `json:"status"`
	Score       float64                  `json:"health_score"`
	Unhealthy   []string                 `json:"unhealthy"`
	Agents      []domain.AgentDescriptor `json:"agents"`
	GeneratedAt time.Time                `json:"generated_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, healthResponse{Status: "unknown", GeneratedAt: time.Now()})
		return
	}

	score := s.registry.HealthScore()
	status := "healthy"
	if score < 0.5 {
		status = "degraded"
	}

	resp := healthResponse{
		Status:      status,
		Score:       score,
		Unhealthy:   s.registry.Unhealthy(),
		Agents:      s.registry.Descriptors(),
		GeneratedAt: time.Now(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Watchlist          []string `json:"watchlist"`
	ExecutedSymbols    []string `json:"executed_symbols"`
	RealizedPnL        float64  `json:"realized_pnl,omitempty"`
	UnrealizedPnL      float64  `json:"unrealized_pnl,omitempty"`
	PortfolioAvailable bool     `json:"portfolio_available"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Watchlist: s.watchlist}

	if s.coordinator != nil {
		resp.ExecutedSymbols = s.coordinator.ExecutedSymbols()
	}
	if s.portfolio != nil {
		realized, unrealized, err := s.portfolio.PnLSummary(50)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to load P&L summary for status endpoint")
		} else {
			resp.PortfolioAvailable = true
			resp.RealizedPnL = realized
			resp.UnrealizedPnL = unrealized
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

type cycleResponse struct {
	Decisions []*domain.Decision `json:"decisions"`
	Watchlist []string           `json:"watchlist"`
}

// handleRunCycle runs a single coordination cycle over the configured
// watchlist, the "run one cycle" command of the CLI/process surface.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		http.Error(w, "coordinator not wired", http.StatusServiceUnavailable)
		return
	}

	decisions := make([]*domain.Decision, 0, len(s.watchlist))
	collectAndExecute := func(symbol string, d *domain.Decision) error {
		decisions = append(decisions, d)
		return s.execute(symbol, d)
	}

	if err := s.coordinator.ExecuteCycle(r.Context(), s.watchlist, collectAndExecute); err != nil {
		s.log.Error().Err(err).Msg("coordination cycle failed")
		http.Error(w, "cycle failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, cycleResponse{Decisions: decisions, Watchlist: s.watchlist})
}

func (s *Server) handleExecutedDecisions(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		s.writeJSON(w, http.StatusOK, []string{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.coordinator.ExecutedSymbols())
}
