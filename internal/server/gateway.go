package server

import (
	"MarginLedger/internal/ingestion"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 1 << 20

type route struct {
	method  string
	pattern string
	name    string
	handle  func(r *http.Request, params map[string]string) (any, error)
}

// HTTPHandler returns the HTTP/JSON API mounted next to /healthz and /readyz.
// Every route calls the same service the gRPC server exposes.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, rt := range s.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.readiness != nil {
		httpMux.HandleFunc("/healthz", s.readiness.Live)
		httpMux.HandleFunc("/readyz", s.readiness.Ready)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) routes() []route {
	svc := s.service
	return []route{
		{"POST", "/v1/commands", "Submit", func(r *http.Request, _ map[string]string) (any, error) {
			var req ingestion.SubmitRequest
			if err := decodeBody(r, &req); err != nil {
				return nil, err
			}
			return svc.Submit(r.Context(), &req)
		}},
		{"GET", "/v1/accounts/{index}", "GetAccount", func(r *http.Request, p map[string]string) (any, error) {
			idx, err := intParam(p["index"], "index")
			if err != nil {
				return nil, err
			}
			return svc.GetAccount(r.Context(), &AccountRequest{Index: idx})
		}},
		{"GET", "/v1/accounts/{index}/margin", "GetMargin", func(r *http.Request, p map[string]string) (any, error) {
			idx, err := intParam(p["index"], "index")
			if err != nil {
				return nil, err
			}
			return svc.GetMargin(r.Context(), &AccountRequest{Index: idx})
		}},
		{"GET", "/v1/accounts/{index}/journals", "ListJournals", func(r *http.Request, p map[string]string) (any, error) {
			req := &JournalsRequest{}
			var err error
			if req.Index, err = intParam(p["index"], "index"); err != nil {
				return nil, err
			}
			q := r.URL.Query()
			if v := q.Get("limit"); v != "" {
				if req.Limit, err = intParam(v, "limit"); err != nil {
					return nil, err
				}
			}
			if v := q.Get("before_sequence"); v != "" {
				seq, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "invalid before_sequence: %v", err)
				}
				req.BeforeSequence = &seq
			}
			return svc.ListJournals(r.Context(), req)
		}},
		{"GET", "/v1/system", "GetSystem", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.GetSystem(r.Context(), &Empty{})
		}},
		{"GET", "/v1/withdrawals/pending", "ListPending", func(r *http.Request, _ map[string]string) (any, error) {
			req := &PendingRequest{}
			if v := r.URL.Query().Get("account"); v != "" {
				idx, err := intParam(v, "account")
				if err != nil {
					return nil, err
				}
				req.Account = &idx
			}
			return svc.ListPending(r.Context(), req)
		}},
		{"POST", "/v1/admin/snapshots", "TakeSnapshot", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.TakeSnapshot(r.Context(), &Empty{})
		}},
		{"GET", "/v1/admin/event-log", "GetEventLogInfo", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.GetEventLogInfo(r.Context(), &Empty{})
		}},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(r *http.Request, _ map[string]string) (any, error) {
			return svc.VerifyIntegrity(r.Context(), &Empty{})
		}},
	}
}

func (s *GRPCServer) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := rt.handle(r, params)
		s.observe(rt.name, start, err)
		if err != nil {
			st := status.Convert(err)
			writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]string{
				"code":    st.Code().String(),
				"message": st.Message(),
			})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

func intParam(v, name string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
