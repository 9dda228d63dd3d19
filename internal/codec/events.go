package codec

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarunm/consolestream/internal/models"
)

// consoleTextKeys are tried in order when a console body is a JSON object
var consoleTextKeys = []string{"line", "message", "text", "output"}

// metricsTimeKeys are tried in order for the sample time of a metrics body
var metricsTimeKeys = []string{"timestamp", "recordedAt", "time"}

var knownStatuses = map[string]models.ServerStatus{
	string(models.StatusStopped):  models.StatusStopped,
	string(models.StatusStarting): models.StatusStarting,
	string(models.StatusRunning):  models.StatusRunning,
	string(models.StatusStopping): models.StatusStopping,
	string(models.StatusError):    models.StatusError,
}

// DecodeEvent turns a MESSAGE body into a typed event. It never returns a
// partially filled event: on error the zero Event is returned.
func DecodeEvent(kind models.Kind, topic string, body []byte, receivedAt time.Time) (models.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return models.Event{}, errors.Wrapf(ErrMalformed, "%s body is not valid JSON", kind)
	}

	ev := models.Event{
		Kind:       kind,
		Topic:      topic,
		ReceivedAt: receivedAt,
		Raw:        append(json.RawMessage(nil), body...),
	}

	switch kind {
	case models.KindConsole:
		ev.Line = consoleLine(body)
	case models.KindStatus:
		status, err := decodeStatus(body)
		if err != nil {
			return models.Event{}, err
		}
		ev.Status = status
	case models.KindMetrics:
		sample, err := decodeMetrics(body, receivedAt)
		if err != nil {
			return models.Event{}, err
		}
		ev.Metrics = sample
	default:
		return models.Event{}, errors.Wrapf(ErrMalformed, "unknown topic kind %q", kind)
	}
	return ev, nil
}

func consoleLine(body []byte) string {
	switch body[0] {
	case '"':
		var s string
		if err := json.Unmarshal(body, &s); err == nil {
			return s
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err == nil {
			for _, key := range consoleTextKeys {
				var s string
				if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil {
					return s
				}
			}
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return string(body)
	}
	return compact.String()
}

func decodeStatus(body []byte) (models.ServerStatus, error) {
	var payload struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errors.Wrapf(ErrMalformed, "status body: %v", err)
	}
	if payload.Status == nil {
		return "", errors.Wrap(ErrMalformed, "status body has no status field")
	}
	status, ok := knownStatuses[strings.ToUpper(strings.TrimSpace(*payload.Status))]
	if !ok {
		return "", errors.Wrapf(ErrMalformed, "unknown server status %q", *payload.Status)
	}
	return status, nil
}

func decodeMetrics(body []byte, receivedAt time.Time) (*models.MetricsSample, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "metrics body: %v", err)
	}
	if obj == nil {
		return nil, errors.Wrap(ErrMalformed, "metrics body is null")
	}

	sample := &models.MetricsSample{
		SampledAt: receivedAt,
		Values:    make(map[string]float64, len(obj)),
	}
	for key, raw := range obj {
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			sample.Values[key] = n
		}
	}
	for _, key := range metricsTimeKeys {
		if raw, ok := obj[key]; ok {
			if t, ok := parseSampleTime(raw); ok {
				sample.SampledAt = t
				break
			}
		}
	}
	return sample, nil
}

// parseSampleTime accepts epoch milliseconds or an RFC3339 string
func parseSampleTime(raw json.RawMessage) (time.Time, bool) {
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis).UTC(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
