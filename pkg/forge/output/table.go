package output

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

// rows flattens the list sections of a result into a header and rows.
// History wins over changes, and changes over mods.
func rows(r *Result) (header []string, data [][]string) {
	switch {
	case r.History != nil:
		header = []string{"TIME", "EVENT", "DATA"}
		for _, e := range r.History {
			data = append(data, []string{e.Time.UTC().Format(time.RFC3339), e.Event, e.Data})
		}
	case len(r.Changes) > 0:
		header = []string{"KIND", "FILE", "HASH"}
		for _, c := range r.Changes {
			data = append(data, []string{c.Kind, c.Filename, c.Hash})
		}
	default:
		header = []string{"SIZE", "HASH", "FILE"}
		for _, m := range r.Mods {
			data = append(data, []string{strconv.FormatInt(m.Size, 10), m.Hash, m.Filename})
		}
	}
	return header, data
}

// TSVFormatter formats list output as tab-separated values.
// It produces a simple table with a header row followed by data rows.
type TSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *TSVFormatter) Format(w *bytes.Buffer, r *Result) error {
	header, data := rows(r)
	writer := csv.NewWriter(w)
	writer.Comma = '\t'
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(data); err != nil {
		return err
	}
	return writer.Error()
}

func init() {
	Register("tsv", func() Formatter {
		return &TSVFormatter{}
	})
}

// Ensure TSVFormatter implements Formatter.
var _ Formatter = (*TSVFormatter)(nil)

// CSVFormatter formats list output as comma-separated values with proper
// quoting. It uses encoding/csv for RFC 4180 compliant output.
type CSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *CSVFormatter) Format(w *bytes.Buffer, r *Result) error {
	header, data := rows(r)
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(data); err != nil {
		return err
	}
	return writer.Error()
}

func init() {
	Register("csv", func() Formatter {
		return &CSVFormatter{}
	})
}

// Ensure CSVFormatter implements Formatter.
var _ Formatter = (*CSVFormatter)(nil)
