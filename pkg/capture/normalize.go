package capture

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/auth"
)

// normalizeBaseline turns the prior-record shapes the host may hand to an
// update notification into one map of core column values. Unknown shapes
// yield nil.
func normalizeBaseline(old any) map[string]*string {
	switch v := old.(type) {
	case *accounts.User:
		if v == nil {
			return nil
		}
		return v.Fields()
	case accounts.User:
		return v.Fields()
	case *accounts.Account:
		if v == nil || v.Data == nil {
			return nil
		}
		return v.Data.Fields()
	case accounts.Account:
		if v.Data == nil {
			return nil
		}
		return v.Data.Fields()
	case accounts.Fields:
		return copyFields(v)
	case map[string]*string:
		return copyFields(v)
	case map[string]string:
		out := make(map[string]*string, len(v))
		for k, s := range v {
			s := s
			out[k] = &s
		}
		return out
	}
	return nil
}

func copyFields(in map[string]*string) map[string]*string {
	if in == nil {
		return nil
	}
	out := make(map[string]*string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// formatValue renders an attribute value as history text. Composite values
// are JSON encoded.
func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case map[string]any, []any, map[string]bool, []string:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	if b, err := json.Marshal(value); err == nil {
		return string(b)
	}
	return fmt.Sprint(value)
}

// formatRoles renders a role attribute value as display names
func formatRoles(value any) string {
	if m, ok := value.(map[string]bool); ok {
		converted := make(map[string]any, len(m))
		for k, granted := range m {
			converted[k] = granted
		}
		value = converted
	}
	return auth.FormatRoles(accounts.RolesFromValue(value))
}

// formatRoleNames renders role keys as display names
func formatRoleNames(names []string) string {
	roles := make([]auth.Role, len(names))
	for i, n := range names {
		roles[i] = auth.Role(n)
	}
	return auth.FormatRoles(roles)
}
