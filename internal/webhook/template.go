package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/msageha/knotify/internal/model"
)

const (
	distancePlaceholder = "#dst#"
	statusPlaceholder   = "%status%"

	metersPerMile = 1609.0
	feetPerMeter  = 3.28084
)

// ParseHeaders turns a "key: value" per line template into request headers.
// Content-Type defaults to application/json; template keys override defaults
// regardless of case. Lines without a colon are ignored.
func ParseHeaders(template string) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	for _, line := range strings.Split(template, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[http.CanonicalHeaderKey(key)] = strings.TrimSpace(value)
	}
	return headers
}

// declaredContentType returns the Content-Type set by the template itself,
// lowercased, or "" when the template leaves the default.
func declaredContentType(template string) string {
	for _, line := range strings.Split(template, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), "Content-Type") {
			return strings.ToLower(strings.TrimSpace(value))
		}
	}
	return ""
}

// BuildBody renders the final request body. A blank body yields nil. When the
// header template declares a JSON content type and the body is not already a
// {...} object, each "key: value" line becomes a string field of a flat JSON
// object; if no line has that shape the raw text is sent.
func BuildBody(body, headerTemplate string) []byte {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil
	}
	if !strings.Contains(declaredContentType(headerTemplate), "json") {
		return []byte(body)
	}
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return []byte(body)
	}
	if obj, ok := linesToJSON(body); ok {
		return obj
	}
	return []byte(body)
}

// linesToJSON keeps first-seen key order; a repeated key takes the last value.
func linesToJSON(body string) ([]byte, bool) {
	var keys []string
	values := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = strings.TrimSpace(value)
	}
	if len(keys) == 0 {
		return nil, false
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, false
		}
		vb, err := json.Marshal(values[k])
		if err != nil {
			return nil, false
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), true
}

// FormatDistance renders a remaining distance in meters for #dst#.
func FormatDistance(meters float64, units model.UnitSystem) string {
	if meters <= 0 {
		return "0"
	}
	if units == model.UnitsImperial {
		if meters < metersPerMile {
			return fmt.Sprintf("%d ft", int(meters*feetPerMeter))
		}
		return fmt.Sprintf("%d mi", int(meters/metersPerMile))
	}
	if meters < 1000 {
		return fmt.Sprintf("%d m", int(meters))
	}
	return fmt.Sprintf("%d km", int(meters/1000))
}
