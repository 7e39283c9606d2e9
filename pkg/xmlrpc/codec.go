package xmlrpc

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/rpc/v2"
)

// Codec serves XML-RPC calls through a gorilla/rpc server. Method names reach
// the server as sent, so callers usually wrap it to map public names onto
// "Service.Method".
type Codec struct {
	faultOf func(error) *Fault
}

// NewCodec returns a Codec. faultOf turns method errors that are not already
// faults into one; nil reports every such error with CodeApplication.
func NewCodec(faultOf func(error) *Fault) *Codec {
	return &Codec{faultOf: faultOf}
}

// NewRequest decodes the request body.
func (c *Codec) NewRequest(r *http.Request) rpc.CodecRequest {
	method, params, err := DecodeCall(r.Body)
	return &CodecRequest{method: method, params: params, err: err, faultOf: c.faultOf}
}

// CodecRequest is one decoded call.
type CodecRequest struct {
	method  string
	params  []any
	err     error
	faultOf func(error) *Fault
}

// Method returns the methodName of the call.
func (c *CodecRequest) Method() (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.method, nil
}

// ReadRequest fills args from the positional params.
func (c *CodecRequest) ReadRequest(args any) error {
	if c.err != nil {
		return c.err
	}
	var err error
	if u, ok := args.(ParamsUnmarshaler); ok {
		err = u.UnmarshalXMLRPC(c.params)
	} else {
		err = assign(args, c.params)
	}
	if err != nil {
		var f *Fault
		if !errors.As(err, &f) {
			f = &Fault{Code: CodeInvalidParams, String: "invalid params: " + err.Error()}
		}
		c.err = f
		return f
	}
	return nil
}

// WriteResponse writes reply as the single response param.
func (c *CodecRequest) WriteResponse(w http.ResponseWriter, reply any) {
	var buf bytes.Buffer
	if err := EncodeResponse(&buf, reply); err != nil {
		slog.Error("Failed to encode XML-RPC response", "method", c.method, "error", err)
		c.WriteError(w, http.StatusInternalServerError, &Fault{Code: CodeInternalError, String: "failed to encode result"})
		return
	}
	c.write(w, buf.Bytes())
}

// WriteError writes err as a fault. Faults travel with HTTP 200 whatever status
// the server chose.
func (c *CodecRequest) WriteError(w http.ResponseWriter, _ int, err error) {
	var buf bytes.Buffer
	// A fault of two scalars always encodes.
	_ = EncodeFault(&buf, c.fault(err))
	c.write(w, buf.Bytes())
}

func (c *CodecRequest) fault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if c.faultOf != nil {
		if f = c.faultOf(err); f != nil {
			return f
		}
	}
	return &Fault{Code: CodeApplication, String: err.Error()}
}

func (c *CodecRequest) write(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Warn("Failed to write XML-RPC response", "method", c.method, "error", err)
	}
}
