package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/engine"
	"github.com/continuum-infer/batchd/internal/manager"
	"github.com/continuum-infer/batchd/internal/schedule"
	"github.com/continuum-infer/batchd/internal/step"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng := engine.New(1, 1<<20, 1<<19, 1<<22, 1<<21)
	mgr := block.NewManager(block.ManagerConfig{BlockSize: 64, BlockTokenNum: 4, BlocksNum: 8, HostBlocksNum: 8}, eng)
	mgr.WarmUp()

	sched := schedule.New(schedule.Config{
		MaxBatchSize:       4,
		MaxTokenLen:        32,
		MaxStepTokens:      1024,
		MaxWaitingQueueLen: 4,
		BlockTokenNum:      4,
	}, mgr, 1)

	driver := step.New(2, func(ctx *engine.Context, rank int, tables step.Tables) ([][]float32, error) {
		n := len(tables.InputOffsetInt32) - 1
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{0}
		}
		return out, nil
	})

	mm := manager.New(sched, mgr, driver, eng, manager.Greedy, 4, []string{"m"})
	mm.Start()
	t.Cleanup(mm.Stop)

	return New(mm, sched, 1)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetUnknownRequestReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/requests/does-not-exist", nil)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsReportsBlockOccupancy(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "device_free")
}
