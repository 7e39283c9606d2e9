// Package xmlrpc is an XML-RPC wire codec for github.com/gorilla/rpc/v2 servers.
//
// Params decode into plain Go values: int64, float64, bool, string, time.Time,
// []byte for base64, []any for arrays, map[string]any for structs and nil for
// <nil/>. Replies encode from any value; types implementing Marshaler choose
// their own wire form.
package xmlrpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// Fault codes follow the de facto interoperability table used by most servers.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32500
)

const iso8601 = "20060102T15:04:05"

// Fault is an XML-RPC fault. Returned from a method it reaches the client as is.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.String)
}

// Marshaler is implemented by types that encode as another value.
type Marshaler interface {
	MarshalXMLRPC() (any, error)
}

// ParamsUnmarshaler is implemented by argument types that decode positional params
// themselves. Other argument types get params assigned to their fields in order.
type ParamsUnmarshaler interface {
	UnmarshalXMLRPC(params []any) error
}

type methodCall struct {
	XMLName xml.Name `xml:"methodCall"`
	Method  string   `xml:"methodName"`
	Params  []param  `xml:"params>param"`
}

type methodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  []param  `xml:"params>param"`
	Fault   *param   `xml:"fault"`
}

type param struct {
	Value value `xml:"value"`
}

type value struct {
	Int     *string      `xml:"int"`
	I4      *string      `xml:"i4"`
	I8      *string      `xml:"i8"`
	Boolean *string      `xml:"boolean"`
	String  *string      `xml:"string"`
	Double  *string      `xml:"double"`
	Date    *string      `xml:"dateTime.iso8601"`
	Base64  *string      `xml:"base64"`
	Nil     *struct{}    `xml:"nil"`
	Array   *arrayValue  `xml:"array"`
	Struct  *structValue `xml:"struct"`
	Text    string       `xml:",chardata"`
}

type arrayValue struct {
	Values []value `xml:"data>value"`
}

type structValue struct {
	Members []member `xml:"member"`
}

type member struct {
	Name  string `xml:"name"`
	Value value  `xml:"value"`
}

func newDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.CharsetReader = charset.NewReaderLabel
	return d
}

// DecodeCall reads a methodCall document.
func DecodeCall(r io.Reader) (method string, params []any, err error) {
	var call methodCall
	if err := newDecoder(r).Decode(&call); err != nil {
		return "", nil, &Fault{Code: CodeParseError, String: "parse error: " + err.Error()}
	}
	if call.Method == "" {
		return "", nil, &Fault{Code: CodeInvalidRequest, String: "methodName is required"}
	}
	params = make([]any, len(call.Params))
	for i, p := range call.Params {
		if params[i], err = p.Value.decode(); err != nil {
			return "", nil, &Fault{Code: CodeParseError, String: fmt.Sprintf("param %d: %v", i, err)}
		}
	}
	return call.Method, params, nil
}

// DecodeResponse reads a methodResponse document. A fault is returned as *Fault.
func DecodeResponse(r io.Reader) (any, error) {
	var resp methodResponse
	if err := newDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Fault != nil {
		v, err := resp.Fault.Value.decode()
		if err != nil {
			return nil, fmt.Errorf("decode fault: %w", err)
		}
		m, _ := v.(map[string]any)
		code, _ := m["faultCode"].(int64)
		msg, _ := m["faultString"].(string)
		return nil, &Fault{Code: int(code), String: msg}
	}
	if len(resp.Params) != 1 {
		return nil, fmt.Errorf("response carries %d params, want 1", len(resp.Params))
	}
	return resp.Params[0].Value.decode()
}

func (v *value) decode() (any, error) {
	switch {
	case v.Int != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.Int), 10, 64)
	case v.I4 != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.I4), 10, 32)
	case v.I8 != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.I8), 10, 64)
	case v.Boolean != nil:
		switch strings.TrimSpace(*v.Boolean) {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", *v.Boolean)
	case v.String != nil:
		return *v.String, nil
	case v.Double != nil:
		return strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
	case v.Date != nil:
		return time.Parse(iso8601, strings.TrimSpace(*v.Date))
	case v.Base64 != nil:
		return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(*v.Base64), ""))
	case v.Nil != nil:
		return nil, nil
	case v.Array != nil:
		out := make([]any, len(v.Array.Values))
		for i := range v.Array.Values {
			item, err := v.Array.Values[i].decode()
			if err != nil {
				return nil, fmt.Errorf("array item %d: %w", i, err)
			}
			out[i] = item
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for i := range v.Struct.Members {
			m := &v.Struct.Members[i]
			item, err := m.Value.decode()
			if err != nil {
				return nil, fmt.Errorf("member %s: %w", m.Name, err)
			}
			out[m.Name] = item
		}
		return out, nil
	}
	// An untyped value is a string.
	return v.Text, nil
}

// EncodeResponse writes a methodResponse carrying result.
func EncodeResponse(w io.Writer, result any) error {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><methodResponse><params><param>`)
	if err := encodeValue(&buf, reflect.ValueOf(result)); err != nil {
		return err
	}
	buf.WriteString(`</param></params></methodResponse>`)
	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeFault writes a methodResponse carrying f.
func EncodeFault(w io.Writer, f *Fault) error {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><methodResponse><fault>`)
	if err := encodeValue(&buf, reflect.ValueOf(map[string]any{"faultCode": f.Code, "faultString": f.String})); err != nil {
		return err
	}
	buf.WriteString(`</fault></methodResponse>`)
	_, err := w.Write(buf.Bytes())
	return err
}

// EncodeCall writes a methodCall document.
func EncodeCall(w io.Writer, method string, params ...any) error {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	xml.EscapeText(&buf, []byte(method))
	buf.WriteString(`</methodName><params>`)
	for i, p := range params {
		buf.WriteString(`<param>`)
		if err := encodeValue(&buf, reflect.ValueOf(p)); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
		buf.WriteString(`</param>`)
	}
	buf.WriteString(`</params></methodCall>`)
	_, err := w.Write(buf.Bytes())
	return err
}

var (
	marshalerType = reflect.TypeFor[Marshaler]()
	timeType      = reflect.TypeFor[time.Time]()
)

func encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		buf.WriteString(`<value><nil/></value>`)
		return nil
	}
	if v.Type().Implements(marshalerType) {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			buf.WriteString(`<value><nil/></value>`)
			return nil
		}
		alt, err := v.Interface().(Marshaler).MarshalXMLRPC()
		if err != nil {
			return err
		}
		return encodeValue(buf, reflect.ValueOf(alt))
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			buf.WriteString(`<value><nil/></value>`)
			return nil
		}
		return encodeValue(buf, v.Elem())
	case reflect.Bool:
		b := "0"
		if v.Bool() {
			b = "1"
		}
		buf.WriteString(`<value><boolean>` + b + `</boolean></value>`)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(`<value><int>` + strconv.FormatInt(v.Int(), 10) + `</int></value>`)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(`<value><int>` + strconv.FormatUint(v.Uint(), 10) + `</int></value>`)
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("cannot encode %v as double", f)
		}
		buf.WriteString(`<value><double>` + strconv.FormatFloat(f, 'f', -1, 64) + `</double></value>`)
	case reflect.String:
		buf.WriteString(`<value><string>`)
		xml.EscapeText(buf, []byte(v.String()))
		buf.WriteString(`</string></value>`)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			var data []byte
			if v.Kind() == reflect.Array {
				data = make([]byte, v.Len())
				reflect.Copy(reflect.ValueOf(data), v)
			} else {
				data = v.Bytes()
			}
			buf.WriteString(`<value><base64>` + base64.StdEncoding.EncodeToString(data) + `</base64></value>`)
			return nil
		}
		buf.WriteString(`<value><array><data>`)
		for i := range v.Len() {
			if err := encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteString(`</data></array></value>`)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("cannot encode map keyed by %s", v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteString(`<value><struct>`)
		for _, k := range keys {
			if err := encodeMember(buf, k, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
				return err
			}
		}
		buf.WriteString(`</struct></value>`)
	case reflect.Struct:
		if v.Type() == timeType {
			buf.WriteString(`<value><dateTime.iso8601>` + v.Interface().(time.Time).Format(iso8601) + `</dateTime.iso8601></value>`)
			return nil
		}
		buf.WriteString(`<value><struct>`)
		if err := encodeFields(buf, v); err != nil {
			return err
		}
		buf.WriteString(`</struct></value>`)
	default:
		return fmt.Errorf("cannot encode %s", v.Type())
	}
	return nil
}

func encodeMember(buf *bytes.Buffer, name string, v reflect.Value) error {
	buf.WriteString(`<member><name>`)
	xml.EscapeText(buf, []byte(name))
	buf.WriteString(`</name>`)
	if err := encodeValue(buf, v); err != nil {
		return fmt.Errorf("member %s: %w", name, err)
	}
	buf.WriteString(`</member>`)
	return nil
}

// encodeFields writes exported fields as members, named by their xmlrpc or json
// tag. Embedded structs are flattened.
func encodeFields(buf *bytes.Buffer, v reflect.Value) error {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		fv := v.Field(i)
		if f.Anonymous {
			for fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					break
				}
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				if err := encodeFields(buf, fv); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		name, omitEmpty := fieldName(f)
		if name == "-" {
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		if err := encodeMember(buf, name, fv); err != nil {
			return err
		}
	}
	return nil
}

func fieldName(f reflect.StructField) (name string, omitEmpty bool) {
	tag, ok := f.Tag.Lookup("xmlrpc")
	if !ok {
		tag = f.Tag.Get("json")
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, strings.Contains(opts, "omitempty")
}

// assign stores positional params into the exported fields of dst in order.
// Missing trailing params leave fields at their zero value.
func assign(dst any, params []any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		if len(params) == 0 {
			return nil
		}
		return fmt.Errorf("method takes no params, got %d", len(params))
	}
	v = v.Elem()
	var fields []reflect.Value
	for i := range v.NumField() {
		if v.Type().Field(i).IsExported() {
			fields = append(fields, v.Field(i))
		}
	}
	if len(params) > len(fields) {
		return fmt.Errorf("method takes at most %d params, got %d", len(fields), len(params))
	}
	for i, p := range params {
		if err := setValue(fields[i], p); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}
	return nil
}

var errMismatch = errors.New("type mismatch")

func setValue(dst reflect.Value, src any) error {
	if src == nil {
		dst.SetZero()
		return nil
	}
	sv := reflect.ValueOf(src)
	switch {
	case sv.Type().AssignableTo(dst.Type()):
		dst.Set(sv)
	case dst.Kind() >= reflect.Int && dst.Kind() <= reflect.Int64 && sv.Kind() == reflect.Int64:
		if dst.OverflowInt(sv.Int()) {
			return fmt.Errorf("%d overflows %s", sv.Int(), dst.Type())
		}
		dst.SetInt(sv.Int())
	case dst.Kind() == reflect.Float64 && sv.Kind() == reflect.Int64:
		dst.SetFloat(float64(sv.Int()))
	case dst.Kind() == reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := setValue(elem.Elem(), src); err != nil {
			return err
		}
		dst.Set(elem)
	default:
		return fmt.Errorf("%w: cannot use %T as %s", errMismatch, src, dst.Type())
	}
	return nil
}
