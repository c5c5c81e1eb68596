package handlers

import (
	"fmt"
	"strconv"

	"github.com/openfroyo/pilot/pkg/engine"
)

// invalidParams reports parameters no retry can fix. The debug pass may
// still revise them.
func invalidParams(format string, args ...any) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(engine.ErrCodeInvalidParameters)
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func requireString(params map[string]any, key, action string) (string, error) {
	v := stringParam(params, key)
	if v == "" {
		return "", invalidParams("%s requires parameter %q", action, key)
	}
	return v, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolParam(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit], true
}
