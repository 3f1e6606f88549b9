package webhookapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/muster/internal/apierr"
	"github.com/linnemanlabs/muster/internal/workflow"
)

// maxParallelTasks bounds one /parallel batch.
const maxParallelTasks = 32

func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("muster.request.kind", kind))

	var payload json.RawMessage
	if err := decodeBody(r, &payload); err != nil {
		a.fail(w, r, err, "invalid agent request", "kind", kind)
		return
	}
	res, err := a.orch.Route(r.Context(), kind, payload)
	if err != nil {
		a.fail(w, r, err, "agent request failed", "kind", kind)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("%s request processed", kind), res)
}

func (a *API) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("muster.workflow", name))

	var payload json.RawMessage
	if err := decodeBody(r, &payload); err != nil {
		a.fail(w, r, err, "invalid workflow request", "workflow", name)
		return
	}
	res, err := a.orch.Run(r.Context(), name, payload)
	if err != nil {
		a.fail(w, r, err, "workflow failed", "workflow", name)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("workflow %s complete", name), res)
}

type parallelRequest struct {
	Tasks []workflow.Task `json:"tasks"`
}

func (a *API) handleParallel(w http.ResponseWriter, r *http.Request) {
	var req parallelRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, err, "invalid parallel request")
		return
	}
	switch {
	case len(req.Tasks) == 0:
		apierr.Write(w, apierr.Invalid("tasks", "at least one task is required"))
		return
	case len(req.Tasks) > maxParallelTasks:
		apierr.Write(w, apierr.Invalid("tasks", "at most %d tasks per batch (got %d)", maxParallelTasks, len(req.Tasks)))
		return
	}

	results := a.orch.Parallel(r.Context(), req.Tasks)
	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}
	apierr.WriteJSON(w, http.StatusOK, fmt.Sprintf("%d tasks executed, %d failed", len(results), failed), map[string]any{
		"results": results,
		"count":   len(results),
		"failed":  failed,
	})
}
