package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/compute"
	"dockingserver/internal/job"
	"dockingserver/internal/receptor"
)

// Molecules is a bare SMILES string or a list of them. The form decides
// whether results come back as one outcome or a list.
type Molecules struct {
	SMILES []string
	Single bool
}

// UnmarshalJSON accepts "CCO" or ["CCO", "c1ccccc1"].
func (m *Molecules) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = Molecules{SMILES: []string{s}, Single: true}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("smiles must be a string or a list of strings")
	}
	if list == nil {
		list = []string{}
	}
	*m = Molecules{SMILES: list}
	return nil
}

func moleculesOf(v any) (*Molecules, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &Molecules{SMILES: []string{v}, Single: true}, nil
	case []any:
		list := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New("smiles must be a string or a list of strings")
			}
			list[i] = s
		}
		return &Molecules{SMILES: list}, nil
	}
	return nil, errors.New("smiles must be a string or a list of strings")
}

// MarshalJSON writes the form the molecules were read from.
func (m Molecules) MarshalJSON() ([]byte, error) {
	if m.Single && len(m.SMILES) == 1 {
		return json.Marshal(m.SMILES[0])
	}
	if m.SMILES == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.SMILES)
}

// ReceptorRef is receptor content: inline bytes (base64 in JSON) or a path
// readable by the server. A bare JSON string is a path.
type ReceptorRef struct {
	Data []byte `json:"data,omitempty"`
	Path string `json:"path,omitempty"`
}

// UnmarshalJSON accepts null, "path/to/receptor.oeb", {"path": ...} or {"data": ...}.
func (r *ReceptorRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*r = ReceptorRef{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var path string
		if err := json.Unmarshal(data, &path); err != nil {
			return err
		}
		*r = ReceptorRef{Path: path}
		return nil
	}
	type plain ReceptorRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("receptor_ref must be null, a path or an object with data or path")
	}
	if len(p.Data) > 0 && p.Path != "" {
		return fmt.Errorf("receptor_ref takes data or path, not both")
	}
	*r = ReceptorRef(p)
	return nil
}

// receptorRefOf reads an XML-RPC value: nil, a path string, base64 data or a
// struct with data or path.
func receptorRefOf(v any) (ReceptorRef, error) {
	switch v := v.(type) {
	case nil:
		return ReceptorRef{}, nil
	case []byte:
		return ReceptorRef{Data: v}, nil
	case string:
		return ReceptorRef{Path: v}, nil
	case map[string]any:
		var r ReceptorRef
		switch d := v["data"].(type) {
		case nil:
		case []byte:
			r.Data = d
		default:
			return ReceptorRef{}, errors.New("receptor_ref data must be base64")
		}
		switch p := v["path"].(type) {
		case nil:
		case string:
			r.Path = p
		default:
			return ReceptorRef{}, errors.New("receptor_ref path must be a string")
		}
		if len(r.Data) > 0 && r.Path != "" {
			return ReceptorRef{}, errors.New("receptor_ref takes data or path, not both")
		}
		return r, nil
	}
	return ReceptorRef{}, errors.New("receptor_ref must be nil, a path, base64 data or a struct with data or path")
}

func (r ReceptorRef) source() receptor.Source {
	return receptor.Source{Blob: r.Data, Path: r.Path}
}

// SubmitParams are the arguments of SubmitQuery and the body of POST /v1/queries.
type SubmitParams struct {
	SMILES       *Molecules     `json:"smiles"`
	ReceptorRef  ReceptorRef    `json:"receptor_ref"`
	ReceptorName string         `json:"receptor_name"`
	Options      map[string]any `json:"options,omitempty"`
	Callback     *job.Callback  `json:"callback,omitempty"`
}

// UnmarshalJSON accepts named fields or the positional form
// [smiles, receptor_ref, receptor_name, options, callback].
func (p *SubmitParams) UnmarshalJSON(data []byte) error {
	if firstByte(data) == '[' {
		*p = SubmitParams{}
		return unmarshalPositional(data, &p.SMILES, &p.ReceptorRef, &p.ReceptorName, &p.Options, &p.Callback)
	}
	type plain SubmitParams
	return json.Unmarshal(data, (*plain)(p))
}

// UnmarshalXMLRPC reads (smiles, receptor_ref, receptor_name, options, extra).
// An integer extra is the chunk size older clients send and is ignored; a
// struct is the callback.
func (p *SubmitParams) UnmarshalXMLRPC(params []any) error {
	if len(params) > 5 {
		return fmt.Errorf("SubmitQuery takes at most 5 params, got %d", len(params))
	}
	*p = SubmitParams{}
	var err error
	if len(params) > 0 {
		if p.SMILES, err = moleculesOf(params[0]); err != nil {
			return err
		}
	}
	if len(params) > 1 {
		if p.ReceptorRef, err = receptorRefOf(params[1]); err != nil {
			return err
		}
	}
	if len(params) > 2 {
		if p.ReceptorName, err = stringParam("receptor_name", params[2]); err != nil {
			return err
		}
	}
	if len(params) > 3 {
		switch opts := params[3].(type) {
		case nil:
		case map[string]any:
			p.Options = opts
		default:
			return errors.New("options must be a struct")
		}
	}
	if len(params) > 4 {
		switch extra := params[4].(type) {
		case nil, int64:
		case map[string]any:
			if p.Callback, err = callbackOf(extra); err != nil {
				return err
			}
		default:
			return errors.New("callback must be a struct with url and key")
		}
	}
	return nil
}

func (p *SubmitParams) submission() (*job.Submission, error) {
	if p.SMILES == nil {
		return nil, apperrors.Validation("smiles", "smiles is required")
	}
	opts := compute.DefaultOptions()
	if p.Options != nil {
		var err error
		if opts, err = compute.ParseOptions(p.Options); err != nil {
			return nil, err
		}
	}
	return &job.Submission{
		Molecules:    p.SMILES.SMILES,
		Single:       p.SMILES.Single,
		ReceptorName: p.ReceptorName,
		Receptor:     p.ReceptorRef.source(),
		Options:      opts,
		Callback:     p.Callback,
	}, nil
}

// ReceptorParams are the arguments of AddReceptor and the body of POST /v1/receptors.
type ReceptorParams struct {
	ReceptorRef ReceptorRef `json:"receptor_ref"`
	Name        string      `json:"name"`
}

// UnmarshalJSON accepts named fields or the positional form [receptor_ref, name].
func (p *ReceptorParams) UnmarshalJSON(data []byte) error {
	if firstByte(data) == '[' {
		*p = ReceptorParams{}
		return unmarshalPositional(data, &p.ReceptorRef, &p.Name)
	}
	type plain ReceptorParams
	return json.Unmarshal(data, (*plain)(p))
}

// UnmarshalXMLRPC reads (receptor_ref, name).
func (p *ReceptorParams) UnmarshalXMLRPC(params []any) error {
	if len(params) > 2 {
		return fmt.Errorf("AddReceptor takes at most 2 params, got %d", len(params))
	}
	*p = ReceptorParams{}
	var err error
	if len(params) > 0 {
		if p.ReceptorRef, err = receptorRefOf(params[0]); err != nil {
			return err
		}
	}
	if len(params) > 1 {
		if p.Name, err = stringParam("name", params[1]); err != nil {
			return err
		}
	}
	return nil
}

// IDParams are the arguments of QueryStatus and QueryResults.
type IDParams struct {
	ID job.ID `json:"id"`
}

// UnmarshalJSON accepts {"id": n} or [n].
func (p *IDParams) UnmarshalJSON(data []byte) error {
	if firstByte(data) == '[' {
		*p = IDParams{}
		return unmarshalPositional(data, &p.ID)
	}
	type plain IDParams
	return json.Unmarshal(data, (*plain)(p))
}

// UnmarshalXMLRPC reads (id).
func (p *IDParams) UnmarshalXMLRPC(params []any) error {
	if len(params) > 1 {
		return fmt.Errorf("expected at most 1 param, got %d", len(params))
	}
	*p = IDParams{}
	if len(params) == 1 {
		n, ok := params[0].(int64)
		if !ok {
			return fmt.Errorf("id must be an integer, got %T", params[0])
		}
		p.ID = job.ID(n)
	}
	return nil
}

func (p *IDParams) validate() error {
	if p.ID <= 0 {
		return apperrors.Validation("id", "id is required")
	}
	return nil
}

// NoParams are the arguments of methods that take none.
type NoParams struct{}

func firstByte(data []byte) byte {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

// unmarshalPositional decodes a JSON array into fields in order. Missing
// trailing elements leave fields untouched.
func unmarshalPositional(data []byte, fields ...any) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) > len(fields) {
		return fmt.Errorf("expected at most %d params, got %d", len(fields), len(arr))
	}
	for i, el := range arr {
		if err := json.Unmarshal(el, fields[i]); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}
	return nil
}

func stringParam(name string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	}
	return "", fmt.Errorf("%s must be a string, got %T", name, v)
}

func callbackOf(m map[string]any) (*job.Callback, error) {
	cb := &job.Callback{}
	var err error
	if cb.URL, err = stringParam("callback url", m["url"]); err != nil {
		return nil, err
	}
	if cb.Key, err = stringParam("callback key", m["key"]); err != nil {
		return nil, err
	}
	return cb, nil
}

// ReceptorInfo describes a cached receptor.
type ReceptorInfo struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Origin string `json:"origin"`
	Size   int    `json:"size"`
}

func receptorInfo(r *receptor.Receptor) *ReceptorInfo {
	return &ReceptorInfo{Name: r.Name, Digest: r.Digest, Origin: r.Origin, Size: len(r.Data)}
}

// SubmitResponse acknowledges a query.
type SubmitResponse struct {
	ID    job.ID `json:"jobId"`
	Items int    `json:"items"`
}

// StatusResponse is a progress report. ElapsedSeconds is set once the query is done.
type StatusResponse struct {
	*job.Status
	ElapsedSeconds *float64 `json:"elapsedSeconds,omitempty"`
}

func statusResponse(st *job.Status) *StatusResponse {
	resp := &StatusResponse{Status: st}
	if st.Done {
		secs := st.Elapsed.Seconds()
		resp.ElapsedSeconds = &secs
	}
	return resp
}

// ResultsResponse is a collected query.
type ResultsResponse struct {
	ID             job.ID        `json:"jobId"`
	Receptor       string        `json:"receptor"`
	Single         bool          `json:"single"`
	ElapsedSeconds float64       `json:"elapsedSeconds"`
	Results        []job.Outcome `json:"results"`
}

func resultsResponse(r *job.Results) *ResultsResponse {
	outcomes := r.Outcomes
	if outcomes == nil {
		outcomes = []job.Outcome{}
	}
	return &ResultsResponse{
		ID:             r.ID,
		Receptor:       r.Receptor,
		Single:         r.Single,
		ElapsedSeconds: r.Elapsed.Seconds(),
		Results:        outcomes,
	}
}
