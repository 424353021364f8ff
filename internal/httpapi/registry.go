package httpapi

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/continuum-infer/batchd/internal/request"
)

// reqRegistry tracks in-flight requests by id so GET/DELETE can look them
// up after the streaming POST handler that created them has returned.
type reqRegistry struct {
	mu   sync.RWMutex
	byID map[string]*request.InferRequest
}

func newReqRegistry() *reqRegistry {
	return &reqRegistry{byID: make(map[string]*request.InferRequest)}
}

func (r *reqRegistry) put(req *request.InferRequest) {
	r.mu.Lock()
	r.byID[req.ReqID] = req
	r.mu.Unlock()
}

func (r *reqRegistry) get(id string) (*request.InferRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.byID[id]
	return req, ok
}

func (s *Server) registry() *reqRegistry {
	if s.reg == nil {
		s.reg = newReqRegistry()
	}
	return s.reg
}

func writeJSONLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	return enc.Encode(v)
}
