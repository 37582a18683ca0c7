package ack

import (
	"fmt"

	"boltgate/pkg/jsoncodec"
)

// Kind identifies which delivery rule applies to a Response.
type Kind int

const (
	KindEmpty Kind = iota
	KindText
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindText:
		return "text"
	case KindJSON:
		return "json"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeJSON = "application/json"
)

// Response is the value a handler acknowledges an event with.
// The zero value is an empty response.
type Response struct {
	kind Kind
	text string
	doc  any
}

// Empty acknowledges without a body.
func Empty() Response {
	return Response{kind: KindEmpty}
}

// Text acknowledges with a raw string body.
func Text(text string) Response {
	return Response{kind: KindText, text: text}
}

// JSON acknowledges with a structured document serialized as JSON.
func JSON(doc any) Response {
	return Response{kind: KindJSON, doc: doc}
}

func (r Response) Kind() Kind {
	return r.kind
}

// TextValue returns the body of a text response.
func (r Response) TextValue() string {
	return r.text
}

// Document returns the value of a JSON response.
func (r Response) Document() any {
	return r.doc
}

// Encode renders the response body and its content type. An empty response
// has no body and no content type.
func (r Response) Encode() ([]byte, string, error) {
	switch r.kind {
	case KindEmpty:
		return nil, "", nil
	case KindText:
		return []byte(r.text), ContentTypeText, nil
	case KindJSON:
		body, err := jsoncodec.Marshal(r.doc)
		if err != nil {
			return nil, "", fmt.Errorf("encode json response: %w", err)
		}
		return body, ContentTypeJSON, nil
	default:
		return nil, "", fmt.Errorf("unknown response kind %s", r.kind)
	}
}
