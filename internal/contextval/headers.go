package contextval

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// HeaderType declares how a whitelisted header value is parsed.
type HeaderType string

const (
	HeaderString  HeaderType = "string"
	HeaderNumber  HeaderType = "number"
	HeaderBoolean HeaderType = "boolean"
	HeaderJSON    HeaderType = "json"
	HeaderEnum    HeaderType = "enum"
)

// HeaderRule whitelists one request header as a context attribute. Values
// that fail parsing or validation are dropped silently (optionally logged);
// a bad header never fails the request.
type HeaderRule struct {
	Name      string     `json:"name" mapstructure:"name"`
	Attribute string     `json:"attribute,omitempty" mapstructure:"attribute"`
	Type      HeaderType `json:"type" mapstructure:"type"`
	Pattern   string     `json:"pattern,omitempty" mapstructure:"pattern"`
	MaxLength int        `json:"maxLength,omitempty" mapstructure:"maxLength"`
	Enum      []string   `json:"enum,omitempty" mapstructure:"enum"`
}

// AttributeKey returns the context attribute the header maps to: the
// explicit Attribute if set, otherwise the header name converted from
// x-kebab-case to camelCase (x-deployment-ring → deploymentRing).
func (r *HeaderRule) AttributeKey() string {
	if r.Attribute != "" {
		return r.Attribute
	}
	return CamelCaseHeader(r.Name)
}

// CamelCaseHeader converts a header name like "x-device-type" to
// "deviceType". A leading "x-" prefix is dropped.
func CamelCaseHeader(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimPrefix(name, "x-")
	parts := strings.Split(name, "-")
	var b strings.Builder
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 {
			b.WriteString(part)
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// ExtractHeaders applies the whitelist to a request's headers and returns
// the attributes that validated. Invalid values are dropped per rule.
func ExtractHeaders(h http.Header, rls []HeaderRule, logger zerolog.Logger) map[string]any {
	if len(rls) == 0 {
		return nil
	}
	attrs := make(map[string]any)
	for i := range rls {
		rule := &rls[i]
		raw := h.Get(rule.Name)
		if raw == "" {
			continue
		}
		value, ok := rule.parse(raw)
		if !ok {
			logger.Debug().Str("header", rule.Name).Msg("dropping header failing whitelist validation")
			continue
		}
		attrs[rule.AttributeKey()] = value
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func (r *HeaderRule) parse(raw string) (any, bool) {
	if r.MaxLength > 0 && len(raw) > r.MaxLength {
		return nil, false
	}
	if r.Pattern != "" {
		// Rules are shared across request goroutines, so the pattern is
		// compiled per call rather than cached on the rule. Header patterns
		// are short; the cost is negligible.
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, false
		}
		if !re.MatchString(raw) {
			return nil, false
		}
	}

	switch r.Type {
	case HeaderNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case HeaderBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false
		}
		return b, true
	case HeaderJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false
		}
		return v, true
	case HeaderEnum:
		for _, allowed := range r.Enum {
			if raw == allowed {
				return raw, true
			}
		}
		return nil, false
	default: // HeaderString and unspecified
		if len(raw) > MaxStringBytes {
			return nil, false
		}
		return raw, true
	}
}
