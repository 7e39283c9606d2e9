package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/job"
	"dockingserver/pkg/xmlrpc"
)

// rpcNames maps the public method names onto registered services.
var rpcNames = map[string]string{
	"SubmitQuery":        "Docking.SubmitQuery",
	"QueryStatus":        "Docking.QueryStatus",
	"QueryResults":       "Docking.QueryResults",
	"AddReceptor":        "Docking.AddReceptor",
	"ListReceptors":      "Docking.ListReceptors",
	"system.listMethods": "System.ListMethods",
}

var rpcPublicNames = func() map[string]string {
	m := make(map[string]string, len(rpcNames))
	for public, internal := range rpcNames {
		m[internal] = public
	}
	return m
}()

// newRPCServer serves XML-RPC (text/xml) and JSON-RPC 2.0 (application/json)
// on the same endpoint, picking the codec by Content-Type.
func newRPCServer(h *Handler) *rpc.Server {
	s := rpc.NewServer()

	jsonCodec := &methodCodec{
		Codec: json2.NewCustomCodecWithErrorMapper(rpc.DefaultEncoderSelector, func(err error) error {
			return &json2.Error{Code: json2.ErrorCode(apperrors.RPCCode(err)), Message: err.Error()}
		}),
		notFound: func(method string) error {
			return &json2.Error{Code: json2.E_NO_METHOD, Message: "method not found: " + method}
		},
		badParams: func(err error) error {
			var jerr *json2.Error
			if errors.As(err, &jerr) && jerr.Code == json2.E_INVALID_REQ {
				return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "invalid params: " + jerr.Message}
			}
			return err
		},
		h: h,
	}
	xmlCodec := &methodCodec{
		Codec: xmlrpc.NewCodec(func(err error) *xmlrpc.Fault {
			return &xmlrpc.Fault{Code: apperrors.RPCCode(err), String: err.Error()}
		}),
		notFound: func(method string) error {
			return &xmlrpc.Fault{Code: xmlrpc.CodeMethodNotFound, String: "method not found: " + method}
		},
		h: h,
	}
	s.RegisterCodec(jsonCodec, "application/json")
	s.RegisterCodec(xmlCodec, "text/xml")
	s.RegisterCodec(xmlCodec, "application/xml")

	mustRegister(s, &DockingService{h: h}, "Docking")
	mustRegister(s, &SystemService{}, "System")
	s.RegisterAfterFunc(h.afterRPC)
	return s
}

func mustRegister(s *rpc.Server, svc any, name string) {
	if err := s.RegisterService(svc, name); err != nil {
		panic(fmt.Sprintf("register %s: %v", name, err))
	}
}

// RPC handles POST /RPC2.
func (h *Handler) RPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	h.rpc.ServeHTTP(w, r)
}

func (h *Handler) afterRPC(info *rpc.RequestInfo) {
	ctx := info.Request.Context()
	method := rpcPublicNames[info.Method]
	code := 0
	if info.Error != nil {
		code = rpcCode(info.Error)
		if code == apperrors.RPCInternalError || code == apperrors.RPCUnavailable {
			slog.ErrorContext(ctx, "RPC call failed", "method", method, "error", info.Error)
		} else {
			slog.WarnContext(ctx, "RPC call rejected", "method", method, "code", code, "error", info.Error)
		}
	}
	h.recordRPC(info.Request, method, code)
}

func (h *Handler) recordRPC(r *http.Request, method string, code int) {
	if h.metrics == nil {
		return
	}
	if _, ok := rpcNames[method]; !ok {
		method = "unknown"
	}
	h.metrics.RecordRPCCall(r.Context(), method, code)
}

func rpcCode(err error) int {
	var jerr *json2.Error
	if errors.As(err, &jerr) {
		return int(jerr.Code)
	}
	var fault *xmlrpc.Fault
	if errors.As(err, &fault) {
		return fault.Code
	}
	return apperrors.RPCCode(err)
}

// methodCodec resolves public method names and records calls that fail
// before reaching a method. The after hook records the rest.
type methodCodec struct {
	rpc.Codec
	notFound  func(method string) error
	badParams func(err error) error
	h         *Handler
}

func (c *methodCodec) NewRequest(r *http.Request) rpc.CodecRequest {
	return &methodRequest{CodecRequest: c.Codec.NewRequest(r), codec: c, r: r}
}

type methodRequest struct {
	rpc.CodecRequest
	codec      *methodCodec
	r          *http.Request
	method     string
	dispatched bool
}

func (m *methodRequest) Method() (string, error) {
	name, err := m.CodecRequest.Method()
	if err != nil {
		return "", err
	}
	m.method = name
	internal, ok := rpcNames[name]
	if !ok {
		return "", m.codec.notFound(name)
	}
	return internal, nil
}

func (m *methodRequest) ReadRequest(args any) error {
	if err := m.CodecRequest.ReadRequest(args); err != nil {
		if m.codec.badParams != nil {
			err = m.codec.badParams(err)
		}
		return err
	}
	m.dispatched = true
	return nil
}

func (m *methodRequest) WriteError(w http.ResponseWriter, status int, err error) {
	if !m.dispatched {
		m.codec.h.recordRPC(m.r, m.method, rpcCode(err))
	}
	m.CodecRequest.WriteError(w, status, err)
}

var errRPCPanic = &apperrors.Error{Sentinel: apperrors.ErrInternal, Message: "internal error"}

// recoverRPC turns a panic in method into an internal error fault.
func recoverRPC(r *http.Request, method string, err *error) {
	if p := recover(); p != nil {
		slog.ErrorContext(r.Context(), "Panic recovered in RPC method", "method", method, "error", p)
		*err = errRPCPanic
	}
}

// DockingService carries the query methods.
type DockingService struct {
	h *Handler
}

// SubmitQuery(smiles, receptor_ref, receptor_name, options?, callback?) -> id
func (s *DockingService) SubmitQuery(r *http.Request, args *SubmitParams, reply *job.ID) (err error) {
	defer recoverRPC(r, "SubmitQuery", &err)
	resp, err := s.h.submit(r.Context(), args)
	if err != nil {
		return err
	}
	*reply = resp.ID
	return nil
}

// QueryStatus(id) -> bool
func (s *DockingService) QueryStatus(r *http.Request, args *IDParams, reply *bool) (err error) {
	defer recoverRPC(r, "QueryStatus", &err)
	if err := args.validate(); err != nil {
		return err
	}
	*reply, err = s.h.svc.Poll(r.Context(), args.ID)
	return err
}

// QueryResults(id) -> outcome for a single SMILES, [outcome...] for a list
func (s *DockingService) QueryResults(r *http.Request, args *IDParams, reply *any) (err error) {
	defer recoverRPC(r, "QueryResults", &err)
	if err := args.validate(); err != nil {
		return err
	}
	res, err := s.h.svc.CollectResults(r.Context(), args.ID)
	if err != nil {
		return err
	}
	if res.Single && len(res.Outcomes) == 1 {
		*reply = res.Outcomes[0]
	} else {
		*reply = resultsResponse(res).Results
	}
	return nil
}

// AddReceptor(receptor_ref, name) -> receptor info
func (s *DockingService) AddReceptor(r *http.Request, args *ReceptorParams, reply *ReceptorInfo) (err error) {
	defer recoverRPC(r, "AddReceptor", &err)
	rec, err := s.h.svc.AddReceptor(r.Context(), args.Name, args.ReceptorRef.source())
	if err != nil {
		return err
	}
	*reply = *receptorInfo(rec)
	return nil
}

// ListReceptors() -> [name...]
func (s *DockingService) ListReceptors(r *http.Request, _ *NoParams, reply *[]string) (err error) {
	defer recoverRPC(r, "ListReceptors", &err)
	*reply = s.h.svc.Receptors()
	return nil
}

// SystemService carries introspection methods.
type SystemService struct{}

// ListMethods is system.listMethods.
func (SystemService) ListMethods(_ *http.Request, _ *NoParams, reply *[]string) error {
	names := make([]string, 0, len(rpcNames))
	for name := range rpcNames {
		names = append(names, name)
	}
	sort.Strings(names)
	*reply = names
	return nil
}
