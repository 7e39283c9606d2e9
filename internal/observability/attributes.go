package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrRoute     = "route"
	attrStatus    = "status"
	attrSuccess   = "success"
	attrRPCMethod = "rpc_method"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func routeAttr(route string) attribute.KeyValue {
	return attribute.String(attrRoute, NormalizeRoute(route))
}

// statusAttr groups codes into 2xx, 4xx and 5xx to bound cardinality.
func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func rpcMethodAttr(method string) attribute.KeyValue {
	return attribute.String(attrRPCMethod, method)
}

// NormalizeRoute replaces query IDs in raw paths with a placeholder. Routes that
// already are mux patterns pass through unchanged.
func NormalizeRoute(path string) string {
	const prefix = "/v1/queries/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" || strings.HasPrefix(rest, "{") {
		return path
	}
	if _, tail, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + tail
	}
	return prefix + "{jobId}"
}
