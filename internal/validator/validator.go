// Package validator checks scan requests before anything is executed.
// Validation is pure: no I/O and no state.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a validation failure.
type Kind string

const (
	InvalidTarget Kind = "InvalidTarget"
	InvalidPort   Kind = "InvalidPort"
	UnsafeField   Kind = "UnsafeField"
)

// Error is a validation failure with a reason suitable for the caller.
type Error struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

var (
	ipv4Pattern     = regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	portPattern     = regexp.MustCompile(`^[1-9][0-9]{0,4}$`)
	taskTypePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,31}$`)

	// shellMeta matches ; & | ` $ ( ) { } [ ] < >
	shellMeta = regexp.MustCompile("[;&|`$(){}\\[\\]<>]")
)

const maxHostnameLength = 253

// FreeFormFields are the request fields that get metacharacter stripping.
var FreeFormFields = []string{"cmd", "args"}

// TaskRequest is a raw scan request.
type TaskRequest struct {
	Target   string
	TaskType string
	Port     *string        // nil when the request has no port
	Extra    map[string]any // any other fields, passed through
}

// ValidatedRequest is a request that passed every check.
type ValidatedRequest struct {
	Target   string
	TaskType string
	Port     int               // 0 when absent
	Extra    map[string]string // free-form fields with shell metacharacters removed
}

// HasPort reports whether the request carried a port.
func (v ValidatedRequest) HasPort() bool { return v.Port != 0 }

// RequestFromMap builds a TaskRequest from a decoded JSON object.
// Numbers and strings are both accepted for the port.
func RequestFromMap(m map[string]any) TaskRequest {
	req := TaskRequest{Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "target":
			req.Target = scalarString(v)
		case "task_type":
			req.TaskType = scalarString(v)
		case "port":
			p := scalarString(v)
			req.Port = &p
		default:
			req.Extra[k] = v
		}
	}
	return req
}

// Validate checks req and returns the validated form or an *Error.
//
// Stripping metacharacters from free-form fields is defense in depth only.
// Commands are built from catalog templates and a validated target, never
// from these fields directly.
func Validate(req TaskRequest) (ValidatedRequest, error) {
	target := strings.TrimSpace(req.Target)
	if !ValidTarget(target) {
		return ValidatedRequest{}, &Error{
			Kind:   InvalidTarget,
			Field:  "target",
			Reason: "invalid target: must be an IPv4 address or hostname (no paths or parameters)",
		}
	}

	out := ValidatedRequest{Target: target, TaskType: req.TaskType}

	if req.TaskType != "" && !taskTypePattern.MatchString(req.TaskType) {
		return ValidatedRequest{}, &Error{
			Kind:   UnsafeField,
			Field:  "task_type",
			Reason: "invalid task type: letters, digits, '-' and '_' only",
		}
	}

	if req.Port != nil {
		port, err := ParsePort(*req.Port)
		if err != nil {
			return ValidatedRequest{}, err
		}
		out.Port = port
	}

	keys := make([]string, 0, len(req.Extra))
	for k := range req.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := req.Extra[k]
		if !isFreeForm(k) {
			continue
		}
		s, ok := scalar(v)
		if !ok {
			return ValidatedRequest{}, &Error{
				Kind:   UnsafeField,
				Field:  k,
				Reason: fmt.Sprintf("invalid %s: must be a string", k),
			}
		}
		if out.Extra == nil {
			out.Extra = map[string]string{}
		}
		out.Extra[k] = StripShellMeta(s)
	}

	return out, nil
}

// ValidTarget reports whether s is exactly an IPv4 address or a hostname.
func ValidTarget(s string) bool {
	if s == "" || len(s) > maxHostnameLength {
		return false
	}
	return ipv4Pattern.MatchString(s) || hostnamePattern.MatchString(s)
}

// ParsePort validates a port given in text form. The pattern alone admits
// values up to 99999, so the numeric range is checked as well.
func ParsePort(s string) (int, error) {
	bad := &Error{Kind: InvalidPort, Field: "port", Reason: "invalid port: 1-65535 only"}
	if !portPattern.MatchString(s) {
		return 0, bad
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, bad
	}
	return n, nil
}

// StripShellMeta removes ; & | ` $ ( ) { } [ ] < > from s.
func StripShellMeta(s string) string {
	return shellMeta.ReplaceAllString(s, "")
}

func isFreeForm(key string) bool {
	for _, f := range FreeFormFields {
		if f == key {
			return true
		}
	}
	return false
}

// scalar renders strings, numbers and booleans; anything else is refused.
func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case bool:
		return strconv.FormatBool(x), true
	case nil:
		return "", true
	default:
		return "", false
	}
}

func scalarString(v any) string {
	s, ok := scalar(v)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}
