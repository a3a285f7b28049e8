package rpdispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// ErrConflictingBody is returned when more than one body kind is set on RequestOptions
var ErrConflictingBody = errors.New("request options set more than one body kind")

// MultipartField is one part of a multipart/form-data body.
// Parts with a FileName are sent as file attachments.
type MultipartField struct {
	Name        string
	FileName    string
	ContentType string
	Content     []byte
}

// RequestOptions carries the body and headers of a request.
// At most one of JSON, Body, Form and Multipart may be set.
type RequestOptions struct {
	// JSON is encoded as the application/json request body
	JSON any

	// Body is sent as is. Set Content-Type in Headers when it matters.
	Body []byte

	// Form is sent url-encoded
	Form url.Values

	// Multipart is sent as multipart/form-data
	Multipart []MultipartField

	// Headers are added to every attempt of the request
	Headers http.Header
}

// encode renders the body and its content type. The result is a byte slice so the
// same body can be sent again on a retry.
func (o RequestOptions) encode() ([]byte, string, error) {
	kinds := 0
	for _, set := range []bool{o.JSON != nil, o.Body != nil, o.Form != nil, o.Multipart != nil} {
		if set {
			kinds++
		}
	}
	if kinds > 1 {
		return nil, "", ErrConflictingBody
	}

	switch {
	case o.JSON != nil:
		body, err := json.Marshal(o.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode JSON body: %w", err)
		}
		return body, "application/json", nil
	case o.Body != nil:
		return o.Body, "", nil
	case o.Form != nil:
		return []byte(o.Form.Encode()), "application/x-www-form-urlencoded", nil
	case o.Multipart != nil:
		return encodeMultipart(o.Multipart)
	default:
		return nil, "", nil
	}
}

func encodeMultipart(fields []MultipartField) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range fields {
		h := make(textproto.MIMEHeader)
		disposition := fmt.Sprintf(`form-data; name="%s"`, escapeQuotes(f.Name))
		if f.FileName != "" {
			disposition += fmt.Sprintf(`; filename="%s"`, escapeQuotes(f.FileName))
		}
		h.Set("Content-Disposition", disposition)
		if f.ContentType != "" {
			h.Set("Content-Type", f.ContentType)
		} else if f.FileName != "" {
			h.Set("Content-Type", "application/octet-stream")
		}

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create multipart field %q: %w", f.Name, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("failed to write multipart field %q: %w", f.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// jsonBody returns the request body when it holds a JSON document
func (o RequestOptions) jsonBody() ([]byte, bool) {
	switch {
	case o.JSON != nil:
		body, err := json.Marshal(o.JSON)
		return body, err == nil
	case o.Body != nil:
		return o.Body, json.Valid(o.Body)
	default:
		return nil, false
	}
}

// withStartTime returns a copy of o whose JSON body has start_time set to startTime.
// The corrected body replaces JSON and is carried in Body from then on.
func (o RequestOptions) withStartTime(startTime int64) (RequestOptions, error) {
	body, ok := o.jsonBody()
	if !ok {
		return o, errors.New("request body is not a JSON document")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return o, fmt.Errorf("request body is not a JSON object: %w", err)
	}
	if doc == nil {
		return o, errors.New("request body is not a JSON object")
	}
	doc["start_time"] = startTime

	corrected, err := json.Marshal(doc)
	if err != nil {
		return o, fmt.Errorf("failed to encode corrected body: %w", err)
	}

	o.JSON = nil
	o.Body = corrected
	headers := o.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}
	o.Headers = headers

	return o, nil
}

// startTime returns the start_time of a JSON body, if present
func (o RequestOptions) startTime() (string, bool) {
	body, ok := o.jsonBody()
	if !ok {
		return "", false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc struct {
		StartTime any `json:"start_time"`
	}
	if err := dec.Decode(&doc); err != nil || doc.StartTime == nil {
		return "", false
	}
	return fmt.Sprint(doc.StartTime), true
}
