// Package ai defines the model gateway used by the evaluation stages and the
// attachment resolver that turns document references into inline payloads.
package ai

import (
	"context"
	"errors"
)

var (
	// ErrModelTimeout is returned when a model call exceeds its deadline.
	ErrModelTimeout = errors.New("model call timed out")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("model returned empty response")
)

// Attachment references a document to send along with a prompt. Exactly one
// of URL, Path or Data is expected to be set.
type Attachment struct {
	Name     string
	URL      string
	Path     string
	Data     []byte
	MIMEType string
	// Version changes whenever the document behind URL is replaced.
	Version string
}

func (a Attachment) cacheKey() string {
	if a.Version == "" {
		return a.URL
	}
	return a.URL + "#" + a.Version
}

func (a Attachment) source() string {
	switch {
	case a.URL != "":
		return a.URL
	case a.Path != "":
		return a.Path
	case a.Name != "":
		return a.Name
	default:
		return "inline"
	}
}

// Blob is a resolved attachment payload.
type Blob struct {
	Data     []byte
	MIMEType string
	Source   string
}

type Request struct {
	// Stage labels the call in logs.
	Stage       string
	System      string
	User        string
	Attachments []Attachment
	Temperature float32
}

// Gateway sends one prompt with its documents to a model and returns the raw
// text of the reply.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (string, error)
}
