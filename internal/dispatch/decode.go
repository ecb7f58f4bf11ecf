package dispatch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/franzego/habitpush/internal/models"
	"github.com/google/uuid"
)

var ErrMalformedPayload = errors.New("dispatch: malformed payload")

// legacyNamespace derives stable ids for tasks posted without one.
var legacyNamespace = uuid.MustParse("5b0e6a8e-3f44-4c1f-9a55-0f4f3d2b7c10")

// Decode accepts a task as plain JSON, as base64 of the JSON, or wrapped
// in {"data": ...} where data is either form.
func Decode(body []byte) (models.DispatchTask, error) {
	return decode(bytes.TrimSpace(body), true)
}

func decode(body []byte, allowEnvelope bool) (models.DispatchTask, error) {
	if len(body) == 0 {
		return models.DispatchTask{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	if body[0] != '{' {
		raw, err := decodeBase64(body)
		if err != nil {
			return models.DispatchTask{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return decode(bytes.TrimSpace(raw), allowEnvelope)
	}

	if allowEnvelope {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
			inner := bytes.TrimSpace(env.Data)
			if inner[0] == '"' {
				var s string
				if err := json.Unmarshal(inner, &s); err != nil {
					return models.DispatchTask{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
				}
				inner = []byte(s)
			}
			return decode(bytes.TrimSpace(inner), false)
		}
	}

	var task models.DispatchTask
	if err := json.Unmarshal(body, &task); err != nil {
		return models.DispatchTask{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if task.UserID == "" || task.WindowType == "" {
		return models.DispatchTask{}, fmt.Errorf("%w: userId and windowType are required", ErrMalformedPayload)
	}
	if task.NotificationID == "" {
		task.NotificationID = legacyID(task)
	}
	return task, nil
}

func decodeBase64(b []byte) ([]byte, error) {
	s := string(b)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, errors.New("body is neither JSON nor base64")
}

// legacyID is stable per user, day and window so redelivery of the same
// legacy call stays idempotent. Without a local date it cannot be.
func legacyID(task models.DispatchTask) string {
	if task.LocalDate == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(legacyNamespace, []byte(task.UserID+"|"+task.LocalDate+"|"+task.WindowType)).String()
}
