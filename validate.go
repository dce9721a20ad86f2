package xlink

import (
	"fmt"
	"math"
)

// ValidationResult is the outcome of a structural envelope check.
type ValidationResult struct {
	Valid bool
	// Error names the first violated constraint when Valid is false.
	Error string
	// Message echoes the offending field for diagnostics.
	Message string
}

func invalid(err, msg string) ValidationResult {
	return ValidationResult{Valid: false, Error: err, Message: msg}
}

// numericField accepts the numeric shapes a decoded wire object can carry.
// JSON codecs produce float64; in-process callers may hand over Go ints or a
// typed RetCode directly.
func numericField(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case RetCode:
		return float64(n), true
	}
	return 0, false
}

// ValidateMessage checks the structural contract every inbound envelope must
// satisfy before it is allowed anywhere near dispatch: a plain key/value
// object carrying at least one identifying field, with every present optional
// field matching its declared type and ret inside the closed code set.
func ValidateMessage(raw any) ValidationResult {
	obj, ok := raw.(map[string]any)
	if !ok || obj == nil {
		return invalid("message must be a plain object", fmt.Sprintf("got %T", raw))
	}

	hasIdentity := false
	for _, k := range [...]string{"requestId", "cmdname", "msg"} {
		if _, present := obj[k]; present {
			hasIdentity = true
			break
		}
	}
	if !hasIdentity {
		return invalid("message missing identifying field", "requires one of requestId, cmdname, msg")
	}

	for _, k := range [...]string{"requestId", "cmdname", "msg", "senderKey"} {
		if v, present := obj[k]; present {
			if _, ok := v.(string); !ok {
				return invalid(k+" must be a string", fmt.Sprintf("got %T", v))
			}
		}
	}

	if v, present := obj["ret"]; present {
		n, ok := numericField(v)
		if !ok {
			return invalid("ret must be numeric", fmt.Sprintf("got %T", v))
		}
		if n != math.Trunc(n) || !RetCode(n).Valid() {
			return invalid("ret outside return-code set", fmt.Sprintf("got %v", v))
		}
	}

	if v, present := obj["data"]; present {
		if _, ok := v.(map[string]any); !ok {
			return invalid("data must be a plain object", fmt.Sprintf("got %T", v))
		}
	}

	if v, present := obj["time"]; present {
		n, ok := numericField(v)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return invalid("time must be a finite number", fmt.Sprintf("got %v", v))
		}
	}

	if v, present := obj["broadcast"]; present {
		if _, ok := v.(bool); !ok {
			return invalid("broadcast must be a bool", fmt.Sprintf("got %T", v))
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateRequest additionally demands the fields a correlatable request
// cannot do without.
func ValidateRequest(raw any) ValidationResult {
	res := ValidateMessage(raw)
	if !res.Valid {
		return res
	}
	obj := raw.(map[string]any)
	if s, _ := obj["requestId"].(string); s == "" {
		return invalid("request requires non-empty requestId", "")
	}
	if s, _ := obj["cmdname"].(string); s == "" {
		return invalid("request requires non-empty cmdname", "")
	}
	return res
}

// ValidateResponse demands a return code.
func ValidateResponse(raw any) ValidationResult {
	res := ValidateMessage(raw)
	if !res.Valid {
		return res
	}
	obj := raw.(map[string]any)
	if _, present := obj["ret"]; !present {
		return invalid("response requires ret", "")
	}
	return res
}

// IsResponseMessage reports whether the raw object carries a numeric ret.
func IsResponseMessage(raw any) bool {
	obj, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	_, ok = numericField(obj["ret"])
	return ok
}

// IsReadyMessage reports whether the raw object is part of the pairing
// handshake.
func IsReadyMessage(raw any) bool {
	obj, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	s, _ := obj["msg"].(string)
	return s == readyMsg
}

// IsBroadcastMessage reports whether the raw object is a one-way fan-out
// notification.
func IsBroadcastMessage(raw any) bool {
	obj, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	b, _ := obj["broadcast"].(bool)
	s, _ := obj["cmdname"].(string)
	return b && s != ""
}
