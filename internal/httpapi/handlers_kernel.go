package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/conclavehq/conclave/internal/apikey"
	"github.com/conclavehq/conclave/internal/costengine"
	"github.com/conclavehq/conclave/internal/kernel"
	"github.com/conclavehq/conclave/internal/store"
)

// KernelRequestTracker is the minimal in-memory bookkeeping the kernel's
// async Submit handler needs: recording a request's live state while it
// is PENDING/RUNNING and forgetting it once persisted and terminal.
// Implemented by *app.kernelComponents; handlers only see this narrow
// interface so httpapi never imports the app package.
type KernelRequestTracker interface {
	Track(req *kernel.Request)
	Get(requestID string) *kernel.Request
	Forget(requestID string)
}

// kernelHistoryPageSize is the fixed page size the History interface
// (spec.md §6) returns per page.
const kernelHistoryPageSize = 20

// SubmitRequestBody is the request envelope for POST /v1/requests.
// Principal and Role normally derive from the authenticated API key
// rather than the body; Prompt/Mode are the caller's actual input.
type SubmitRequestBody struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

// SubmitResponseBody is the immediate reply to a Submit call: the
// pipeline keeps running in the background and progress/result are
// fetched through the other kernel endpoints.
type SubmitResponseBody struct {
	RequestID string `json:"requestId"`
}

// principalAndRole derives the (principal, role) pair the orchestration
// kernel's RateLimiter and persistence layer key on. An authenticated API
// key supplies both; an unauthenticated caller (APIKeyMgr disabled) falls
// back to the demo role keyed on client IP, mirroring apikey.AuthMiddleware's
// own IP fallback for unauthenticated routes.
func principalAndRole(r *http.Request) (principal, role string) {
	if rec := apikey.FromContext(r.Context()); rec != nil {
		role = "authenticated"
		if strings.Contains(rec.Scopes, "admin") {
			role = "admin"
		}
		return rec.ID, role
	}
	clientIP := r.Header.Get("X-Real-IP")
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	return clientIP, "demo"
}

// SubmitHandler handles POST /v1/requests: validates and kicks off one
// orchestration asynchronously, returning its ID immediately so the
// caller can attach to /progress before the pipeline finishes.
func SubmitHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orchestrator == nil {
			jsonError(w, "orchestration kernel not enabled", http.StatusServiceUnavailable)
			return
		}

		var body SubmitRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		mode := kernel.ExecutionMode(strings.ToUpper(strings.TrimSpace(body.Mode)))
		if mode == "" {
			mode = kernel.ModeBalanced
		}
		if !mode.Valid() {
			jsonError(w, "mode must be one of FAST, BALANCED, BEST_QUALITY", http.StatusBadRequest)
			return
		}
		if len(body.Prompt) < 1 || len(body.Prompt) > 5000 {
			jsonError(w, kernel.ErrInvalidInput.Message, http.StatusBadRequest)
			return
		}

		principal, role := principalAndRole(r)
		id := uuid.NewString()

		pending := &kernel.Request{
			ID:        id,
			Principal: principal,
			Role:      role,
			RawPrompt: body.Prompt,
			Mode:      mode,
			Status:    kernel.StatusPending,
			CreatedAt: time.Now(),
		}
		d.trackKernelRequest(pending)

		go func() {
			req, err := d.Orchestrator.ProcessWithID(context.Background(), id, principal, role, body.Prompt, mode)
			if req != nil {
				d.trackKernelRequest(req)
				d.persistKernelResult(req)
			}
			if err != nil {
				d.warnOnErr("orchestrator_process", err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(SubmitResponseBody{RequestID: id})
	}
}

// trackKernelRequest and enqueueStoreWrite/persistKernelResult/warnOnErr
// are thin Dependencies-scoped helpers so handlers don't reach into
// kernel internals directly.
func (d Dependencies) trackKernelRequest(req *kernel.Request) {
	if d.KernelRequests != nil {
		d.KernelRequests.Track(req)
	}
}

func (d Dependencies) enqueueStoreWrite(fn func()) {
	if d.Store == nil {
		return
	}
	if d.StoreWriteQueue == nil {
		fn()
		return
	}
	select {
	case d.StoreWriteQueue <- fn:
	default:
		d.warnOnErr("store_write_queue", errors.New("store write queue full"))
	}
}

func (d Dependencies) warnOnErr(op string, err error) {
	if err != nil {
		warnOnErr(op, err)
	}
}

// persistKernelResult writes a completed (succeeded, failed or cancelled)
// request, its final subtasks, responses, cost breakdown and any
// discrepancy to the store in one shot (the request row is inserted
// here, not at Submit time, since its subtasks are only known once the
// Decomposer has run), then drops it from the in-memory inflight map —
// Status and Result reads fall through to the store once that happens.
func (d Dependencies) persistKernelResult(req *kernel.Request) {
	rec := kernelRequestToRecord(req)

	var responses []store.KernelResponseRecord
	var costs []store.ProviderCostRecord
	if req.FinalResponse != nil {
		for _, st := range req.Subtasks {
			for _, resp := range st.Responses {
				if resp == nil {
					continue
				}
				responses = append(responses, store.KernelResponseRecord{
					SubtaskID:    resp.SubtaskID,
					RequestID:    req.ID,
					ModelID:      resp.ModelID,
					Text:         resp.Text,
					Confidence:   resp.Assessment.Confidence,
					RiskLevel:    string(resp.Assessment.RiskLevel),
					InputTokens:  resp.Assessment.InputTokens,
					OutputTokens: resp.Assessment.OutputTokens,
					ElapsedMs:    resp.Assessment.ElapsedMs,
					Success:      resp.Success,
					UsedFallback: resp.UsedFallback,
					Timestamp:    resp.Timestamp,
				})
			}
		}
		for modelID, costUSD := range req.FinalResponse.Cost.ByModel {
			providerID := modelID
			if d.Engine != nil {
				if m, ok := d.Engine.GetModel(modelID); ok {
					providerID = m.ProviderID
				}
			}
			costs = append(costs, store.ProviderCostRecord{
				RequestID:  req.ID,
				ModelID:    modelID,
				ProviderID: providerID,
				CostUSD:    costUSD,
			})
		}
	}

	subtasks := kernelSubtaskRecords(req)

	d.enqueueStoreWrite(func() {
		ctx := context.Background()
		d.warnOnErr("save_kernel_request", d.Store.SaveKernelRequest(ctx, rec, subtasks))
		d.warnOnErr("update_kernel_request", d.Store.UpdateKernelRequestResult(ctx, rec, responses, costs))
		if d.CostEngine != nil && req.FinalResponse != nil {
			est := d.CostEngine.Estimate(len(req.RawPrompt), req.Mode)
			if dq := d.CostEngine.Discrepancy(req.ID, req.Mode, est.EstimatedCostUSD, req.FinalResponse.Cost.TotalCostUSD); dq != nil {
				d.warnOnErr("log_cost_discrepancy", d.Store.LogCostDiscrepancy(ctx, store.CostDiscrepancyRecord{
					RequestID:        dq.RequestID,
					Mode:             string(dq.Mode),
					Direction:        dq.Direction,
					Ratio:            dq.Ratio,
					EstimatedCostUSD: dq.Estimated,
					ActualCostUSD:    dq.Actual,
					Timestamp:        time.Now(),
				}))
			}
		}
	})

	if d.ProgressBus != nil {
		d.ProgressBus.Close(req.ID)
	}
	if d.KernelRequests != nil {
		d.KernelRequests.Forget(req.ID)
	}
}

func kernelRequestToRecord(req *kernel.Request) store.KernelRequestRecord {
	rec := store.KernelRequestRecord{
		ID:        req.ID,
		Principal: req.Principal,
		Role:      req.Role,
		Prompt:    req.RawPrompt,
		Mode:      string(req.Mode),
		Status:    string(req.Status),
		CreatedAt: req.CreatedAt,
	}
	if req.CompletedAt != nil {
		rec.CompletedAt = req.CompletedAt
	}
	if kerr, ok := req.Err.(*kernel.KernelError); ok {
		rec.ErrorCode = kerr.Code
		rec.ErrorMessage = kerr.Message
	}
	if req.FinalResponse != nil {
		rec.FinalText = req.FinalResponse.Text
		rec.OverallConfidence = req.FinalResponse.OverallConfidence
		rec.TotalCostUSD = req.FinalResponse.Cost.TotalCostUSD
	}
	return rec
}

// kernelSubtaskRecords snapshots a request's subtasks as they stand once
// the pipeline has finished, for the single SaveKernelRequest call
// persistKernelResult makes.
func kernelSubtaskRecords(req *kernel.Request) []store.KernelSubtaskRecord {
	out := make([]store.KernelSubtaskRecord, 0, len(req.Subtasks))
	for _, st := range req.Subtasks {
		out = append(out, store.KernelSubtaskRecord{
			ID:                  st.ID,
			RequestID:           req.ID,
			Content:             st.Content,
			TaskType:            string(st.TaskType),
			Priority:            st.Priority,
			RiskLevel:           string(st.RiskLevel),
			AccuracyRequirement: st.AccuracyRequirement,
			AssignedModelID:     st.AssignedModelID,
			Status:              string(st.Status),
			EstimatedCostUSD:    st.EstimatedCostUSD,
		})
	}
	return out
}

// lookupKernelRequest resolves a request by ID, preferring the live
// in-memory copy (covers PENDING/RUNNING requests not yet persisted)
// and falling back to the store for completed, restart-surviving ones.
func lookupKernelRequest(d Dependencies, ctx context.Context, id string) (*kernel.Request, *store.KernelRequestRecord, error) {
	if d.KernelRequests != nil {
		if req := d.KernelRequests.Get(id); req != nil {
			return req, nil, nil
		}
	}
	if d.Store == nil {
		return nil, nil, nil
	}
	rec, err := d.Store.GetKernelRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return nil, rec, nil
}

// StatusHandler handles GET /v1/requests/{id}.
func StatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		req, rec, err := lookupKernelRequest(d, r.Context(), id)
		if err != nil {
			jsonError(w, "lookup failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if req == nil && rec == nil {
			jsonError(w, "request not found", http.StatusNotFound)
			return
		}

		resp := map[string]any{}
		if req != nil {
			resp["status"] = string(req.Status)
			resp["createdAt"] = req.CreatedAt.Format(time.RFC3339)
			if req.CompletedAt != nil {
				resp["completedAt"] = req.CompletedAt.Format(time.RFC3339)
			}
		} else {
			resp["status"] = rec.Status
			resp["createdAt"] = rec.CreatedAt.Format(time.RFC3339)
			if rec.CompletedAt != nil {
				resp["completedAt"] = rec.CompletedAt.Format(time.RFC3339)
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// ResultHandler handles GET /v1/requests/{id}/result.
func ResultHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		req, rec, err := lookupKernelRequest(d, r.Context(), id)
		if err != nil {
			jsonError(w, "lookup failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if req == nil && rec == nil {
			jsonError(w, "request not found", http.StatusNotFound)
			return
		}

		if req != nil {
			if !req.Status.Terminal() {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": string(req.Status)})
				return
			}
			if req.Status != kernel.StatusSucceeded || req.FinalResponse == nil {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"status": string(req.Status),
					"error":  kernelErrPayload(req.Err),
				})
				return
			}
			_ = json.NewEncoder(w).Encode(finalResponsePayload(req.FinalResponse))
			return
		}

		if rec.Status != string(kernel.StatusSucceeded) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": rec.Status,
				"error":  map[string]any{"code": rec.ErrorCode, "message": rec.ErrorMessage},
			})
			return
		}
		responses, _ := d.Store.ListKernelResponses(r.Context(), id)
		costs, _ := d.Store.ListProviderCosts(r.Context(), id)
		_ = json.NewEncoder(w).Encode(finalResponseFromRecords(*rec, responses, costs))
	}
}

func kernelErrPayload(err error) map[string]any {
	if kerr, ok := err.(*kernel.KernelError); ok {
		return map[string]any{"code": kerr.Code, "message": kerr.Message, "retryable": kerr.Retryable}
	}
	if err != nil {
		return map[string]any{"message": err.Error()}
	}
	return nil
}

func finalResponsePayload(fr *kernel.FinalResponse) map[string]any {
	return map[string]any{
		"status":             string(kernel.StatusSucceeded),
		"text":               fr.Text,
		"overallConfidence":  fr.OverallConfidence,
		"totalCostUsd":       fr.Cost.TotalCostUSD,
		"totalInputTokens":   fr.Cost.TotalInputTokens,
		"totalOutputTokens":  fr.Cost.TotalOutputTokens,
		"modelsUsed":         fr.ModelsUsed,
		"partialFailures":    fr.PartialFailures,
		"providerUsageCount": fr.ProviderUsageSummary,
	}
}

func finalResponseFromRecords(rec store.KernelRequestRecord, responses []store.KernelResponseRecord, costs []store.ProviderCostRecord) map[string]any {
	modelsUsed := make([]string, 0, len(costs))
	var inTok, outTok int
	for _, resp := range responses {
		inTok += resp.InputTokens
		outTok += resp.OutputTokens
	}
	for _, c := range costs {
		modelsUsed = append(modelsUsed, c.ModelID)
	}
	return map[string]any{
		"status":            rec.Status,
		"text":              rec.FinalText,
		"overallConfidence": rec.OverallConfidence,
		"totalCostUsd":      rec.TotalCostUSD,
		"totalInputTokens":  inTok,
		"totalOutputTokens": outTok,
		"modelsUsed":        modelsUsed,
	}
}

// ProgressHandler handles GET /v1/requests/{id}/progress, an SSE stream of
// kernel.ProgressMessage events. A reconnecting client passes ?since_seq=N
// to replay exactly what it missed, per the ProgressBus's resumable design.
func ProgressHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.ProgressBus == nil {
			jsonError(w, "orchestration kernel not enabled", http.StatusServiceUnavailable)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		id := chi.URLParam(r, "id")
		var sinceSeq uint64
		if v := r.URL.Query().Get("since_seq"); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				sinceSeq = n
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sub := d.ProgressBus.Subscribe(id, sinceSeq)
		defer d.ProgressBus.Unsubscribe(id, sub)

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				payload, _ := json.Marshal(msg.Payload)
				_, _ = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", msg.Kind, msg.Seq, payload)
				flusher.Flush()
				d.ProgressBus.Acknowledge(id, msg.Seq)
				if msg.Kind == kernel.KindFinalResponse || msg.Kind == kernel.KindError || msg.Kind == kernel.KindCancelled {
					return
				}
			}
		}
	}
}

// HistoryHandler handles GET /v1/requests: paginated, principal-scoped,
// sorted by creation time descending, fixed page size of 20 per spec.md §6.
func HistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		principal, _ := principalAndRole(r)
		page := 0
		if v := r.URL.Query().Get("page"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				page = n
			}
		}
		modeFilter := strings.ToUpper(r.URL.Query().Get("mode"))
		contains := r.URL.Query().Get("contains")

		records, err := d.Store.ListKernelRequests(r.Context(), principal, kernelHistoryPageSize*4, page*kernelHistoryPageSize)
		if err != nil {
			jsonError(w, "list failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		filtered := make([]store.KernelRequestRecord, 0, len(records))
		for _, rec := range records {
			if modeFilter != "" && rec.Mode != modeFilter {
				continue
			}
			if contains != "" && !strings.Contains(strings.ToLower(rec.Prompt), strings.ToLower(contains)) {
				continue
			}
			filtered = append(filtered, rec)
			if len(filtered) >= kernelHistoryPageSize {
				break
			}
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"page":     page,
			"pageSize": kernelHistoryPageSize,
			"requests": filtered,
		})
	}
}

// EstimateRequestBody is the input to POST /v1/estimate.
type EstimateRequestBody struct {
	Length int    `json:"length"`
	Mode   string `json:"mode,omitempty"`
}

// EstimateHandler handles POST /v1/estimate: returns the CostEngine's
// {cost, time} figure for every mode, or for a single requested mode.
func EstimateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.CostEngine == nil {
			jsonError(w, "orchestration kernel not enabled", http.StatusServiceUnavailable)
			return
		}
		var body EstimateRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if body.Length < 0 {
			jsonError(w, "length must be >= 0", http.StatusBadRequest)
			return
		}

		if body.Mode != "" {
			mode := kernel.ExecutionMode(strings.ToUpper(body.Mode))
			if !mode.Valid() {
				jsonError(w, "mode must be one of FAST, BALANCED, BEST_QUALITY", http.StatusBadRequest)
				return
			}
			est := d.CostEngine.Estimate(body.Length, mode)
			_ = json.NewEncoder(w).Encode(map[string]any{string(mode): estimatePayload(est)})
			return
		}

		all := d.CostEngine.EstimateAll(body.Length)
		out := make(map[string]any, len(all))
		for mode, est := range all {
			out[string(mode)] = estimatePayload(est)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

func estimatePayload(est costengine.EstimateResult) map[string]any {
	return map[string]any{
		"cost":                  est.EstimatedCostUSD,
		"time":                  est.EstimatedTimeSeconds,
		"estimatedInputTokens":  est.EstimatedInputTokens,
		"estimatedOutputTokens": est.EstimatedOutputTokens,
	}
}

// KernelWorkflowHandler handles GET /v1/requests/{id}/workflow: a
// read-only view of how a request moved through Analysis -> Decomposer ->
// Router -> Executor -> Arbiter -> Synthesizer, for debugging and
// transparency. Distinct from the Temporal-backed WorkflowDescribeHandler,
// which describes a durable workflow execution rather than one kernel
// request's pipeline trace.
func KernelWorkflowHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		req, rec, err := lookupKernelRequest(d, r.Context(), id)
		if err != nil {
			jsonError(w, "lookup failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if req == nil && rec == nil {
			jsonError(w, "request not found", http.StatusNotFound)
			return
		}
		if req == nil {
			// Completed request: rebuild the trace from persisted subtasks
			// and responses, since the in-memory Request was dropped.
			subtasks, _ := d.Store.ListKernelSubtasks(r.Context(), id)
			responses, _ := d.Store.ListKernelResponses(r.Context(), id)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"requestId": id,
				"status":    rec.Status,
				"subtasks":  subtasks,
				"responses": responses,
			})
			return
		}

		subtaskViews := make([]map[string]any, 0, len(req.Subtasks))
		for _, st := range req.Subtasks {
			subtaskViews = append(subtaskViews, map[string]any{
				"id":              st.ID,
				"taskType":        st.TaskType,
				"riskLevel":       st.RiskLevel,
				"assignedModelId": st.AssignedModelID,
				"status":          st.Status,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"requestId":    req.ID,
			"status":       string(req.Status),
			"analysis":     req.Analysis,
			"subtasks":     subtaskViews,
			"selectionLog": req.SelectionLog,
		})
	}
}

// DeleteRequestHandler handles DELETE /v1/requests/{id}: cascading delete
// of a request and everything derived from it, per spec.md §6's persisted
// state layout.
func DeleteRequestHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Store.DeleteKernelRequest(r.Context(), id); err != nil {
			jsonError(w, "delete failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if d.KernelRequests != nil {
			d.KernelRequests.Forget(id)
		}
		if d.ProgressBus != nil {
			d.ProgressBus.Close(id)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
