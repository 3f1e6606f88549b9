package webhookapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/muster/internal/apierr"
)

func (a *API) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	rep := a.orch.ComplianceReport(r.Context(), r.URL.Query().Get("period"))
	apierr.WriteJSON(w, http.StatusOK, "compliance report for "+rep.Period, rep)
}

func (a *API) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		apierr.Write(w, apierr.Invalid("query", "is required"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, "optimization suggestion", a.orch.Suggest(r.Context(), q))
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sum, ok := a.orch.Conversation(id)
	if !ok {
		apierr.Write(w, fmt.Errorf("conversation %s: %w", id, apierr.ErrNotFound))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, "conversation "+id, sum)
}

func (a *API) handleExplainReasoning(w http.ResponseWriter, r *http.Request) {
	problem := strings.TrimSpace(r.URL.Query().Get("problem"))
	if problem == "" {
		apierr.Write(w, apierr.Invalid("problem", "is required"))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, "reasoning explanation", map[string]string{
		"problem":     problem,
		"explanation": a.orch.ExplainReasoning(problem),
	})
}
