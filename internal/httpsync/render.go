package httpsync

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
)

// RootSelf places a single record at the body root.
const RootSelf = "."

// batchRootFallback holds batches when the root property is RootSelf.
const batchRootFallback = "location"

var tagPattern = regexp.MustCompile(`<%=\s*([A-Za-z_][A-Za-z0-9_.]*)\s*%>`)

// TimestampLayout formats timestamps in rendered templates.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// TemplateError wraps template rendering failures.
type TemplateError struct {
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// templateValue resolves a template tag against rec.
func templateValue(rec *geo.Location, key string) (string, bool) {
	switch key {
	case "latitude":
		return formatFloat(rec.Coords.Latitude), true
	case "longitude":
		return formatFloat(rec.Coords.Longitude), true
	case "accuracy":
		return formatFloat(rec.Coords.Accuracy), true
	case "speed":
		return formatFloat(rec.Coords.Speed), true
	case "heading":
		return formatFloat(rec.Coords.Heading), true
	case "altitude":
		return formatFloat(rec.Coords.Altitude), true
	case "altitude_accuracy":
		return formatFloat(rec.Coords.AltitudeAccuracy), true
	case "timestamp":
		return formatTime(rec.Timestamp), true
	case "uuid":
		return rec.UUID, true
	case "event":
		return string(rec.Event), true
	case "odometer":
		return formatFloat(rec.Odometer), true
	case "is_moving":
		return strconv.FormatBool(rec.IsMoving), true
	case "mock":
		return strconv.FormatBool(rec.Mock), true
	case "activity.type":
		return rec.Activity.Type, true
	case "activity.confidence":
		return strconv.Itoa(rec.Activity.Confidence), true
	case "battery.level":
		return formatFloat(rec.Battery.Level), true
	case "battery.is_charging":
		return strconv.FormatBool(rec.Battery.IsCharging), true
	case "geofence.identifier":
		if rec.Geofence == nil {
			return "", true
		}
		return rec.Geofence.Identifier, true
	case "geofence.action":
		if rec.Geofence == nil {
			return "", true
		}
		return string(rec.Geofence.Action), true
	}
	return "", false
}

// RenderTemplate substitutes <%= key %> tags in tmpl with fields of rec and
// decodes the result as JSON.
func RenderTemplate(tmpl string, rec *geo.Location) (any, error) {
	var unknown string
	out := tagPattern.ReplaceAllStringFunc(tmpl, func(tag string) string {
		key := tagPattern.FindStringSubmatch(tag)[1]
		v, ok := templateValue(rec, key)
		if !ok && unknown == "" {
			unknown = key
		}
		return v
	})
	if unknown != "" {
		return nil, &TemplateError{Template: tmpl, Err: fmt.Errorf("unknown tag %q", unknown)}
	}
	var v any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, &TemplateError{Template: tmpl, Err: fmt.Errorf("rendered invalid JSON: %w", err)}
	}
	return v, nil
}

// renderRecord encodes one record, through the matching template if set.
func renderRecord(cfg *config.Config, rec *geo.Location) (any, error) {
	tmpl := cfg.LocationTemplate
	if rec.Event == geo.EventGeofence && cfg.GeofenceTemplate != "" {
		tmpl = cfg.GeofenceTemplate
	}
	if tmpl != "" {
		return RenderTemplate(tmpl, rec)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// RenderBody builds the request body for recs. A batch is always an array;
// a single record is an object. params are merged at the root.
func RenderBody(cfg *config.Config, recs []*geo.Location, batch bool) ([]byte, error) {
	root := make(map[string]any, len(cfg.Params)+1)
	for k, v := range cfg.Params {
		root[k] = v
	}

	rendered := make([]any, len(recs))
	for i, rec := range recs {
		v, err := renderRecord(cfg, rec)
		if err != nil {
			return nil, err
		}
		rendered[i] = v
	}

	property := cfg.HTTPRootProperty
	switch {
	case batch:
		if property == RootSelf || property == "" {
			property = batchRootFallback
		}
		root[property] = rendered
	case property == RootSelf || property == "":
		obj, ok := rendered[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record must render to an object to be placed at the root")
		}
		for k, v := range obj {
			root[k] = v
		}
	default:
		root[property] = rendered[0]
	}
	return json.Marshal(root)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
