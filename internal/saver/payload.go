package saver

import (
	"encoding/json"
	"time"

	"github.com/tidwall/sjson"

	"github.com/tracecap/tracecap/internal/record"
	"github.com/tracecap/tracecap/internal/settings"
)

// BodyHint carries capture-stream bodies that are not resident in the store.
// They ride along with the pending save and are injected into the payload at
// write time only, keeping steady-state memory bounded to metadata.
type BodyHint struct {
	RequestBody  string
	ResponseBody string
}

// payloadEnvelope is the on-disk shape of one realtime save.
type payloadEnvelope struct {
	SavedAt          time.Time         `json:"saved_at"`
	Mode             string            `json:"mode"`
	SettingsSnapshot settings.Settings `json:"settings_snapshot"`
	Record           *record.Record    `json:"record"`
}

// BuildPayload assembles the JSON document for one realtime save. Full body
// content (when hinted and flagged) is injected into the marshaled document
// rather than copied into the record, and the redundant resident previews
// are dropped from the file copy.
func BuildPayload(rec *record.Record, hint BodyHint, cfg settings.Settings) ([]byte, error) {
	payload, err := json.MarshalIndent(payloadEnvelope{
		SavedAt:          time.Now().UTC(),
		Mode:             "realtime-single-record",
		SettingsSnapshot: cfg,
		Record:           rec,
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	if hint.RequestBody != "" && rec.Request.Body.HasBody {
		body := record.ClampText(hint.RequestBody, cfg.MaxBodyLength)
		payload, err = sjson.SetBytes(payload, "record.request.request_body",
			map[string]string{"type": "injected", "value": body})
		if err != nil {
			return nil, err
		}
		payload, _ = sjson.DeleteBytes(payload, "record.request.body.body_preview")
	}

	if hint.ResponseBody != "" && rec.Response.Body.HasBody {
		body := record.ClampText(hint.ResponseBody, cfg.MaxBodyLength)
		payload, err = sjson.SetBytes(payload, "record.response.response_body", body)
		if err != nil {
			return nil, err
		}
		payload, _ = sjson.DeleteBytes(payload, "record.response.body.body_preview")
	}

	return payload, nil
}
