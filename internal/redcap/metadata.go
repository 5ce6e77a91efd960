package redcap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"redcapetl/internal/dataset"
	csvparser "redcapetl/internal/parser/csv"
)

// Column names in REDCap's metadata and formEventMapping exports.
const (
	ColFormName        = "form_name"
	ColMappingForm     = "form"
	ColUniqueEventName = "unique_event_name"
)

// Metadata is the export plan for one run: the ordered form catalog and, for
// every catalog form, the events it is collected in.
type Metadata struct {
	Forms  []string
	Events map[string][]string
}

// EventsFor returns the mapped events of form in mapping order (nil if none).
func (m *Metadata) EventsFor(form string) []string {
	if m == nil {
		return nil
	}
	return m.Events[form]
}

func (c *Client) exportTable(ctx context.Context, content string) (*dataset.Table, error) {
	params := url.Values{}
	params.Set("token", c.token)
	params.Set("content", content)
	params.Set("format", "csv")
	params.Set("returnFormat", "csv")

	body, err := c.post(ctx, content, params)
	if err != nil {
		return nil, err
	}
	if isEmptyExport(body) {
		return nil, nil
	}
	t, err := csvparser.ParseTable(ctx, bytes.NewReader(body), csvparser.Options{})
	if err != nil {
		return nil, fmt.Errorf("parse %s csv: %w", content, err)
	}
	return t, nil
}

// FetchMetadata exports the project's data dictionary. A nil table means the
// project has no fields.
func (c *Client) FetchMetadata(ctx context.Context) (*dataset.Table, error) {
	return c.exportTable(ctx, "metadata")
}

// FetchFormEventMapping exports the form→event designations of a longitudinal
// project. Classic projects answer with an *APIError; see IsNotLongitudinal.
func (c *Client) FetchFormEventMapping(ctx context.Context) (*dataset.Table, error) {
	return c.exportTable(ctx, "formEventMapping")
}

// Metadata runs both metadata calls and builds the export plan. Every failure
// is a *MetadataError. A classic project's refusal to export a mapping is not
// a failure: all forms simply get no events.
func (c *Client) Metadata(ctx context.Context) (*Metadata, error) {
	meta, err := c.FetchMetadata(ctx)
	if err != nil {
		return nil, &MetadataError{Stage: "metadata", Err: err}
	}

	mapping, err := c.FetchFormEventMapping(ctx)
	switch {
	case err == nil:
	case IsNotLongitudinal(err):
		c.logger.Printf("redcap: project is not longitudinal; exporting forms without event selectors")
		mapping = nil
	default:
		return nil, &MetadataError{Stage: "formEventMapping", Err: err}
	}

	md, err := BuildMetadata(meta, mapping)
	if err != nil {
		return nil, &MetadataError{Stage: "build", Err: err}
	}
	return md, nil
}

// BuildMetadata derives the export plan from the metadata and mapping tables.
//
// Forms are the distinct form_name values in first-seen order. For each form,
// its events are the unique_event_name values of the mapping rows naming that
// form, in table order. Every catalog form gets an Events entry, possibly
// empty; mapping rows for forms outside the catalog are ignored. A nil mapping
// means a classic project.
func BuildMetadata(metadata, mapping *dataset.Table) (*Metadata, error) {
	if metadata == nil {
		return nil, errors.New("metadata export is empty")
	}
	forms, err := metadata.Distinct(ColFormName)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if len(forms) == 0 {
		return nil, errors.New("metadata lists no forms")
	}

	md := &Metadata{
		Forms:  forms,
		Events: make(map[string][]string, len(forms)),
	}
	for _, f := range forms {
		md.Events[f] = []string{}
	}
	if mapping == nil {
		return md, nil
	}

	formCol := ColMappingForm
	if _, ok := mapping.ColumnIndex(formCol); !ok {
		formCol = ColFormName
	}
	mapForms, err := mapping.Strings(formCol)
	if err != nil {
		return nil, fmt.Errorf("formEventMapping: missing %q/%q column", ColMappingForm, ColFormName)
	}
	mapEvents, err := mapping.Strings(ColUniqueEventName)
	if err != nil {
		return nil, fmt.Errorf("formEventMapping: %w", err)
	}

	for i, f := range mapForms {
		evs, known := md.Events[f]
		if !known || mapEvents[i] == "" {
			continue
		}
		md.Events[f] = append(evs, mapEvents[i])
	}
	return md, nil
}
