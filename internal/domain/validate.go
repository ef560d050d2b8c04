package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// wire types mirror the JSON shape with pointers so absence can be told apart from zero values.
type wireWorkout struct {
	SourceWorkoutID  *string  `json:"source_workout_id"`
	ActivityType     *string  `json:"activity_type"`
	StartedAt        *string  `json:"started_at"`
	EndedAt          *string  `json:"ended_at"`
	DurationSec      *float64 `json:"duration_sec"`
	ActiveEnergyKcal *float64 `json:"active_energy_kcal"`
	DistanceM        *float64 `json:"distance_m"`
}

type wireDailyMetric struct {
	Date       *string  `json:"date"`
	MetricType *string  `json:"metric_type"`
	Value      *float64 `json:"value"`
	Unit       *string  `json:"unit"`
}

type wireSubmission struct {
	SchemaVersion *int              `json:"schema_version"`
	EventID       *string           `json:"event_id"`
	UserID        *string           `json:"user_id"`
	Source        *string           `json:"source"`
	SentAt        *string           `json:"sent_at"`
	DeviceID      *string           `json:"device_id"`
	Workouts      []wireWorkout     `json:"workouts"`
	DailyMetrics  []wireDailyMetric `json:"daily_metrics"`
}

// ParseSubmission decodes and validates a raw submission body. It has no side
// effects: the result is either a complete Submission or a *ValidationError
// naming every offending field. defaultUserID fills an absent user_id.
func ParseSubmission(raw []byte, defaultUserID string) (Submission, error) {
	var in wireSubmission
	if err := decodeStrict(raw, &in); err != nil {
		return Submission{}, err
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return Submission{}, &ValidationError{Fields: []FieldError{{Field: "body", Msg: "must be a JSON object"}}}
	}

	v := &validator{}
	// Defaulted keys may be omitted but never sent as null.
	for _, key := range []string{"schema_version", "user_id", "source", "workouts", "daily_metrics"} {
		if isNull(present[key]) {
			v.add(key, "must not be null")
		}
	}
	sub := Submission{
		SchemaVersion: DefaultSchemaVersion,
		UserID:        defaultUserID,
		Source:        SourceHealthKit,
		Workouts:      make([]Workout, 0, len(in.Workouts)),
		DailyMetrics:  make([]DailyMetric, 0, len(in.DailyMetrics)),
	}
	if sub.UserID == "" {
		sub.UserID = DefaultUserID
	}

	if in.SchemaVersion != nil {
		if *in.SchemaVersion < 1 {
			v.add("schema_version", "must be >= 1")
		}
		sub.SchemaVersion = *in.SchemaVersion
	}
	sub.EventID = v.required("event_id", in.EventID)
	if in.UserID != nil {
		sub.UserID = v.required("user_id", in.UserID)
	}
	if in.Source != nil {
		sub.Source = Source(*in.Source)
		if !sub.Source.Valid() {
			v.add("source", fmt.Sprintf("must be one of %q, %q", SourceHealthKit, SourceManual))
		}
	}
	sub.SentAt = v.timestamp("sent_at", in.SentAt, true)
	sub.DeviceID = v.required("device_id", in.DeviceID)

	for i, w := range in.Workouts {
		prefix := fmt.Sprintf("workouts[%d].", i)
		out := Workout{
			SourceWorkoutID:  v.required(prefix+"source_workout_id", w.SourceWorkoutID),
			ActivityType:     v.required(prefix+"activity_type", w.ActivityType),
			StartedAt:        v.timestamp(prefix+"started_at", w.StartedAt, true),
			DurationSec:      w.DurationSec,
			ActiveEnergyKcal: w.ActiveEnergyKcal,
			DistanceM:        w.DistanceM,
		}
		if w.EndedAt != nil {
			ended := v.timestamp(prefix+"ended_at", w.EndedAt, false)
			out.EndedAt = &ended
		}
		sub.Workouts = append(sub.Workouts, out)
	}

	for i, m := range in.DailyMetrics {
		prefix := fmt.Sprintf("daily_metrics[%d].", i)
		out := DailyMetric{
			Date: v.date(prefix+"date", m.Date),
			Unit: v.required(prefix+"unit", m.Unit),
		}
		if mt := v.required(prefix+"metric_type", m.MetricType); mt != "" {
			out.MetricType = MetricType(mt)
			if !out.MetricType.Valid() {
				v.add(prefix+"metric_type", fmt.Sprintf("unsupported metric type %q", mt))
			}
		}
		if m.Value == nil {
			v.add(prefix+"value", "required")
		} else {
			out.Value = *m.Value
		}
		sub.DailyMetrics = append(sub.DailyMetrics, out)
	}

	if len(v.errs) > 0 {
		return Submission{}, &ValidationError{Fields: v.errs}
	}
	return sub, nil
}

type validator struct {
	errs []FieldError
}

func (v *validator) add(field, msg string) {
	v.errs = append(v.errs, FieldError{Field: field, Msg: msg})
}

func (v *validator) required(field string, value *string) string {
	if value == nil || strings.TrimSpace(*value) == "" {
		v.add(field, "required")
		return ""
	}
	if strings.ContainsRune(*value, 0) {
		v.add(field, "must not contain NUL characters")
		return ""
	}
	return *value
}

func (v *validator) timestamp(field string, value *string, required bool) string {
	if value == nil || strings.TrimSpace(*value) == "" {
		if required {
			v.add(field, "required")
		}
		return ""
	}
	if strings.ContainsRune(*value, 0) {
		v.add(field, "must not contain NUL characters")
		return ""
	}
	if _, err := time.Parse(time.RFC3339Nano, *value); err != nil {
		v.add(field, "must be an RFC 3339 timestamp")
	}
	return *value
}

func (v *validator) date(field string, value *string) string {
	s := v.required(field, value)
	if s == "" {
		return ""
	}
	if _, err := time.Parse(dateLayout, s); err != nil {
		v.add(field, "must be a YYYY-MM-DD date")
	}
	return s
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		fe := decodeFieldError(err)
		if fe.Msg == "unknown field" {
			fe.Field = unknownFieldPath(raw, fe.Field)
		}
		return &ValidationError{Fields: []FieldError{fe}}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &ValidationError{Fields: []FieldError{{Field: "body", Msg: "unexpected data after JSON object"}}}
	}
	return nil
}

func decodeFieldError(err error) FieldError {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.Is(err, io.EOF):
		return FieldError{Field: "body", Msg: "required"}
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return FieldError{Field: field, Msg: fmt.Sprintf("must be %s", jsonKind(typeErr.Type.Kind().String()))}
	case errors.As(err, &syntaxErr):
		return FieldError{Field: "body", Msg: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return FieldError{Field: name, Msg: "unknown field"}
	}
	return FieldError{Field: "body", Msg: err.Error()}
}

func jsonKind(goKind string) string {
	switch goKind {
	case "string":
		return "a string"
	case "float64":
		return "a number"
	case "int":
		return "an integer"
	case "slice":
		return "an array"
	case "struct":
		return "an object"
	}
	return goKind
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

var (
	submissionKeys = jsonKeys(reflect.TypeOf(wireSubmission{}))
	workoutKeys    = jsonKeys(reflect.TypeOf(wireWorkout{}))
	metricKeys     = jsonKeys(reflect.TypeOf(wireDailyMetric{}))
)

func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		keys[name] = true
	}
	return keys
}

// unknownFieldPath locates the object holding an unknown key so nested keys
// are reported as workouts[i].key or daily_metrics[i].key.
func unknownFieldPath(raw []byte, name string) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return name
	}
	if _, ok := top[name]; ok && !submissionKeys[name] {
		return name
	}
	nested := []struct {
		key   string
		known map[string]bool
	}{
		{"workouts", workoutKeys},
		{"daily_metrics", metricKeys},
	}
	for _, list := range nested {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(top[list.key], &items); err != nil {
			continue
		}
		for i, item := range items {
			if _, ok := item[name]; ok && !list.known[name] {
				return fmt.Sprintf("%s[%d].%s", list.key, i, name)
			}
		}
	}
	return name
}
