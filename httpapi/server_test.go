package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-workflow-orchestrator/core"
)

func newTestServer(t *testing.T, opts ...Option) (*core.Orchestrator, http.Handler) {
	t.Helper()
	var n atomic.Int64
	exec := core.ExecutorFunc(func(ctx context.Context, req core.TriggerRequest) (string, error) {
		return fmt.Sprintf("wf-%d", n.Add(1)), nil
	})
	o, err := core.New(exec, core.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o, NewServer(o, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func schedule(t *testing.T, h http.Handler, body ScheduleBody) ScheduleResponse {
	t.Helper()
	w := do(t, h, http.MethodPost, "/v1/schedules", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp ScheduleResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

// TestServer_ScheduleAndQuery verifies the schedule, get and list round trip
func TestServer_ScheduleAndQuery(t *testing.T) {
	_, h := newTestServer(t)

	resp := schedule(t, h, ScheduleBody{EntityID: "doc-1", EntityType: "document", Priority: "high", TriggeredBy: "api"})
	require.NotEmpty(t, resp.ScheduleID)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, core.DecisionSchedule, resp.Decision.Decision)

	w := do(t, h, http.MethodGet, "/v1/schedules/"+resp.ScheduleID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entry EntryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entry))
	assert.Equal(t, core.StatusRunning, entry.Entry.Status)
	assert.Equal(t, core.PriorityHigh, entry.Entry.Priority)
	require.NotNil(t, entry.Allocation)
	assert.True(t, entry.Allocation.AllocatedResources.AnyPositive())

	w = do(t, h, http.MethodGet, "/v1/schedules?status=running", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Entries []core.ScheduleEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)

	w = do(t, h, http.MethodGet, "/v1/schedules?status=completed", nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, 0, list.Count)

	w = do(t, h, http.MethodGet, "/v1/schedules?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/v1/schedules/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ScheduleValidation(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/v1/schedules", ScheduleBody{EntityType: "document"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing entity id")

	w = do(t, h, http.MethodPost, "/v1/schedules", ScheduleBody{EntityID: "x", Priority: "urgent"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown priority")

	w = do(t, h, http.MethodPost, "/v1/schedules", map[string]any{"entityId": "x", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown field")
}

// TestServer_Cancel verifies cancel status codes
// Main test items:
// 1. a deferred entry is cancelled
// 2. a running entry cannot be cancelled
// 3. an unknown entry is 404
func TestServer_Cancel(t *testing.T) {
	_, h := newTestServer(t)

	running := schedule(t, h, ScheduleBody{EntityID: "a", Priority: "high"})
	waiting := schedule(t, h, ScheduleBody{EntityID: "b", Priority: "high", Dependencies: []string{running.ScheduleID}})
	require.NotNil(t, waiting.Decision)
	assert.Equal(t, core.DecisionDefer, waiting.Decision.Decision)

	w := do(t, h, http.MethodDelete, "/v1/schedules/"+waiting.ScheduleID, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodDelete, "/v1/schedules/"+running.ScheduleID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodDelete, "/v1/schedules/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/v1/schedules/"+waiting.ScheduleID+"/decisions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Decisions []core.SchedulingDecision `json:"decisions"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&hist))
	assert.NotEmpty(t, hist.Decisions)
}

func TestServer_RejectedIsConflict(t *testing.T) {
	_, h := newTestServer(t)

	dep := schedule(t, h, ScheduleBody{EntityID: "a", Priority: "high"})
	waiting := schedule(t, h, ScheduleBody{EntityID: "b", Priority: "high", Dependencies: []string{dep.ScheduleID}})
	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/v1/schedules/"+waiting.ScheduleID, nil).Code)

	// depending on a cancelled entry is rejected
	w := do(t, h, http.MethodPost, "/v1/schedules", ScheduleBody{EntityID: "c", Priority: "high", Dependencies: []string{waiting.ScheduleID}})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	var er ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&er))
	assert.Contains(t, er.Error, "rejected")
}

func TestServer_ReportingEndpoints(t *testing.T) {
	metricsHit := false
	o, h := newTestServer(t, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metricsHit = true
		w.WriteHeader(http.StatusOK)
	})))
	schedule(t, h, ScheduleBody{EntityID: "doc-1", Priority: "medium"})
	require.NoError(t, o.Flush(context.Background()))

	w := do(t, h, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m core.OrchestrationMetrics
	require.NoError(t, json.NewDecoder(w.Body).Decode(&m))
	assert.EqualValues(t, 1, m.TotalScheduled)
	assert.Equal(t, 1, m.ActiveByPriority["medium"])

	w = do(t, h, http.MethodGet, "/v1/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ledger LedgerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ledger))
	assert.Equal(t, 1, ledger.ActiveAllocations)
	require.Len(t, ledger.Allocations, 1)
	assert.Equal(t, "wf-1", ledger.Allocations[0].WorkflowID)
	assert.True(t, ledger.Allocations[0].Active())

	w = do(t, h, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health core.SystemHealth
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Contains(t, health.Components, core.ComponentLedger)

	w = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/v1/records?kind=decision&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs struct {
		Records  []core.Record `json:"records"`
		Returned int           `json:"returned"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&recs))
	assert.Equal(t, 1, recs.Returned)
	assert.Equal(t, core.RecordDecision, recs.Records[0].Kind)

	w = do(t, h, http.MethodGet, "/v1/records?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	do(t, h, http.MethodGet, "/metrics", nil)
	assert.True(t, metricsHit)
}
