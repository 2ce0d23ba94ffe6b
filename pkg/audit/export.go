package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ParseExportFormat maps a user-supplied format name to an ExportFormat
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case ExportFormatJSON, "":
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	case ExportFormatNDJSON:
		return ExportFormatNDJSON, nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// ContentType returns the MIME type for the format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Extension returns the file extension for the format
func (f ExportFormat) Extension() string {
	if f == "" {
		return string(ExportFormatJSON)
	}
	return string(f)
}

// Export serializes entries in the given format
func Export(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	}
	return nil, fmt.Errorf("unsupported export format: %s", format)
}

// exportJSON exports entries as a JSON array
func exportJSON(entries []*Entry) ([]byte, error) {
	if entries == nil {
		entries = []*Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

// exportNDJSON exports entries as newline-delimited JSON
func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports entries as CSV. Null values are written as empty cells
// and distinguished by the OldIsNull/NewIsNull columns.
func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"SubjectID",
		"ActorID",
		"FieldName",
		"FieldLabel",
		"OldValue",
		"OldIsNull",
		"NewValue",
		"NewIsNull",
		"ChangeType",
		"CreatedAt",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		record := []string{
			strconv.FormatInt(entry.ID, 10),
			strconv.FormatInt(entry.SubjectID, 10),
			strconv.FormatInt(entry.ActorID, 10),
			entry.FieldName,
			entry.FieldLabel,
			Deref(entry.OldValue),
			strconv.FormatBool(entry.OldValue == nil),
			Deref(entry.NewValue),
			strconv.FormatBool(entry.NewValue == nil),
			string(entry.ChangeType),
			entry.CreatedAt.UTC().Format(time.RFC3339),
		}

		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV writer: %w", err)
	}

	return buf.Bytes(), nil
}
