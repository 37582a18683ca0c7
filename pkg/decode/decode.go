package decode

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"boltgate/pkg/jsoncodec"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeForm = "application/x-www-form-urlencoded"

	// formPayloadKey names the form field that nests a JSON document.
	formPayloadKey = "payload"
)

var errEmptyBody = errors.New("empty body")

// DecodeError reports a body that could not be turned into a payload.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("decode %s body: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Decode turns a raw request body into a structured payload.
//
// Form bodies carrying a "payload" field decode to that field's JSON
// document; other form bodies decode to their flat string fields. Every
// other content type is parsed as a single JSON object.
func Decode(raw []byte, contentType string) (map[string]any, error) {
	if mediaType(contentType) == ContentTypeForm {
		return decodeForm(raw)
	}

	payload, err := JSON(raw)
	if err != nil {
		return nil, &DecodeError{ContentType: ContentTypeJSON, Err: err}
	}

	return payload, nil
}

// JSON parses raw as one JSON object.
func JSON(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errEmptyBody
	}

	var payload map[string]any
	if err := jsoncodec.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("document is null")
	}

	return payload, nil
}

func decodeForm(raw []byte) (map[string]any, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, &DecodeError{ContentType: ContentTypeForm, Err: err}
	}

	if nested, ok := values[formPayloadKey]; ok && len(nested) > 0 {
		payload, err := JSON([]byte(nested[0]))
		if err != nil {
			return nil, &DecodeError{ContentType: ContentTypeForm, Err: fmt.Errorf("payload field: %w", err)}
		}
		return payload, nil
	}

	payload := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		payload[key] = vals[0]
	}

	return payload, nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}

	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}

	return parsed
}
