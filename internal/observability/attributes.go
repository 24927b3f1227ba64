// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"autosubmit/internal/status"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrPlatform  = "platform"
	attrJobStatus = "job_status"
	attrSuccess   = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Job names are unbounded, collapse them.
	// /v1/jobs/a000_19900101_fc0_1_SIM -> /v1/jobs/{name}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func platformAttr(name string) attribute.KeyValue {
	return attribute.String(attrPlatform, name)
}

func jobStatusAttr(s status.Status) attribute.KeyValue {
	return attribute.String(attrJobStatus, s.String())
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for _, prefix := range []string{"/v1/jobs/", "/v1/packages/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			return prefix + "{name}"
		}
	}
	return path
}
