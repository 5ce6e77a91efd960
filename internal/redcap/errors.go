package redcap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// APIError is a non-2xx response from the REDCap API.
type APIError struct {
	Content string // REDCap "content" parameter of the failed call
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("redcap %s: HTTP %d: %s", e.Content, e.Status, e.Message)
}

// MetadataError is a failure while building the export plan. It is always
// fatal to the run: without the catalog there is nothing to export.
type MetadataError struct {
	Stage string // "metadata", "formEventMapping" or "build"
	Err   error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("redcap metadata (%s): %v", e.Stage, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// IsNotLongitudinal reports whether err is REDCap refusing a form/event
// mapping export because the project has no events (a classic project).
func IsNotLongitudinal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "classic") || strings.Contains(msg, "not longitudinal")
}

const maxMessageRunes = 300

// summarizeBody turns an error response into one readable line.
//
// REDCap answers API errors as {"error":"..."} (JSON), <hash><error>...</error>
// (XML) or plain text depending on returnFormat. A wrong URL or an auth proxy
// usually yields an HTML page instead, which is reduced to its title and
// first heading.
func summarizeBody(contentType string, body []byte, status int) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return http.StatusText(status)
	}

	if trimmed[0] == '{' {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil && payload.Error != "" {
			return truncate(collapseSpace(payload.Error))
		}
	}

	ct := strings.ToLower(contentType)
	if trimmed[0] == '<' || strings.Contains(ct, "html") || strings.Contains(ct, "xml") {
		if msg := summarizeMarkup(trimmed); msg != "" {
			return truncate(msg)
		}
	}

	return truncate(collapseSpace(string(trimmed)))
}

func summarizeMarkup(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if msg := collapseSpace(doc.Find("error").First().Text()); msg != "" {
		return msg
	}
	title := collapseSpace(doc.Find("title").First().Text())
	heading := collapseSpace(doc.Find("h1, h2, h3").First().Text())
	switch {
	case title != "" && heading != "" && !strings.EqualFold(title, heading):
		return title + ": " + heading
	case title != "":
		return title
	case heading != "":
		return heading
	default:
		return collapseSpace(doc.Find("body").Text())
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxMessageRunes]) + "…"
}
