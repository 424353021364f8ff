// Package httpapi is the thin HTTP front end that gives the batch core
// something to be driven by outside of tests: enqueue a request, poll or
// stream its status, and inspect queue/pool occupancy. All policy lives in
// internal/manager, internal/schedule, and internal/block — this package
// only translates JSON in and NDJSON/JSON out, the way the teacher's
// completion handler wraps its scheduler.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/continuum-infer/batchd/internal/manager"
	"github.com/continuum-infer/batchd/internal/request"
	"github.com/continuum-infer/batchd/internal/schedule"
)

// Server wires a gin engine over a Manager and Scheduler.
type Server struct {
	mgr   *manager.Manager
	sched *schedule.Scheduler
	ranks int
	gin   *gin.Engine
	reg   *reqRegistry
}

// New builds a Server. numRanks is only used to size the per-rank lists of
// each request the server creates.
func New(mgr *manager.Manager, sched *schedule.Scheduler, numRanks int) *Server {
	s := &Server{mgr: mgr, sched: sched, ranks: numRanks, reg: newReqRegistry()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.POST("/v1/requests", s.createRequest)
	r.GET("/v1/requests/:id", s.getRequest)
	r.DELETE("/v1/requests/:id", s.cancelRequest)
	r.GET("/healthz", s.health)
	r.GET("/v1/stats", s.stats)

	s.gin = r
	return s
}

// Handler returns the http.Handler to pass to http.Server / httptest.
func (s *Server) Handler() http.Handler { return s.gin }

type createRequestBody struct {
	ReqID        string  `json:"req_id"`
	ModelName    string  `json:"model_name" binding:"required"`
	InputTokens  []int32 `json:"input_tokens" binding:"required"`
	MaxNewTokens int     `json:"max_new_tokens"`
	StopTokenIDs []int32 `json:"stop_token_ids"`
}

func (s *Server) createRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := request.New(body.ReqID, body.ModelName, body.InputTokens, request.SamplingConfig{
		MaxNewTokens: body.MaxNewTokens,
		StopTokenIDs: body.StopTokenIDs,
	}, s.ranks)

	s.registry().put(req)

	if err := s.mgr.Enqueue(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	s.streamResponse(c, req)
}

// streamResponse polls the request every 25ms and writes one NDJSON line
// carrying the tokens generated since the previous line, plus a final line
// when the request finishes, flushing after each line — the same chunked-encoding
// pattern the teacher's completion handler uses. It reads req only through
// Status(), never the struct fields directly: manager.sampleStep appends to
// req on the driver goroutine concurrently with this handler goroutine, and
// Status() is the lock-guarded seam that keeps that safe, the way the
// teacher instead hands token content to a per-sequence responses channel.
func (s *Server) streamResponse(c *gin.Context, req *request.InferRequest) {
	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	sent := 0
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-req.Done():
			writeLine(c, statusPayload(req, sent))
			if flusher != nil {
				flusher.Flush()
			}
			return
		case <-ticker.C:
			tokens, _, _ := req.Status()
			if len(tokens) > sent {
				payload := statusPayload(req, sent)
				writeLine(c, payload)
				sent += len(payload["new_tokens"].([]int32))
				if flusher != nil {
					flusher.Flush()
				}
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeLine(c *gin.Context, v any) {
	_ = writeJSONLine(c.Writer, v)
}

// statusPayload takes a single Status() snapshot and reports whatever of
// it is new since sent, so the finished/finish_reason fields and the
// tokens they describe never come from two different moments in time.
func statusPayload(req *request.InferRequest, sent int) gin.H {
	tokens, finished, reason := req.Status()
	if sent > len(tokens) {
		sent = len(tokens)
	}
	return gin.H{
		"req_id":        req.ReqID,
		"new_tokens":    tokens[sent:],
		"finished":      finished,
		"finish_reason": reason.String(),
	}
}

func (s *Server) getRequest(c *gin.Context) {
	req, ok := s.registry().get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
		return
	}
	c.JSON(http.StatusOK, statusPayload(req, 0))
}

func (s *Server) cancelRequest(c *gin.Context) {
	req, ok := s.registry().get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
		return
	}
	req.MarkFinished(request.FinishCancelled, context.Canceled)
	c.JSON(http.StatusOK, gin.H{"req_id": req.ReqID, "cancelled": true})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	st := s.sched.Stats()
	c.JSON(http.StatusOK, gin.H{
		"waiting":     st.Waiting,
		"running":     st.Running,
		"swapped":     st.Swapped,
		"buffered":    st.Buffered,
		"device_free": st.DeviceFree,
		"device_used": st.DeviceUsed,
		"host_free":   st.HostFree,
		"host_used":   st.HostUsed,
	})
}
