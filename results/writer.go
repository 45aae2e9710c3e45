package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/petal-labs/trialflow/core"
)

// ErrBadOutputFormat is returned for an unknown output format setting.
var ErrBadOutputFormat = errors.New("results: unknown output format")

// Writer encodes result files in the run's output format and routes
// responses of PII-flagged tasks to the mapping file.
type Writer struct {
	format core.OutputFormat
	pii    []string
}

// NewWriter validates the format once for the whole run.
func NewWriter(format string, piiTasks []string) (*Writer, error) {
	f, err := core.ParseOutputFormat(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadOutputFormat, format)
	}
	return &Writer{format: f, pii: slices.Clone(piiTasks)}, nil
}

// Format returns the output format.
func (w *Writer) Format() core.OutputFormat {
	return w.format
}

// Split separates responses whose task is flagged as personally
// identifying. Order is preserved in both halves.
func (w *Writer) Split(resps []Response) (pii, rest []Response) {
	for _, r := range resps {
		if slices.Contains(w.pii, r.Task) {
			pii = append(pii, r)
		} else {
			rest = append(rest, r)
		}
	}
	return pii, rest
}

// Encode writes resps to out in the configured format.
func (w *Writer) Encode(out io.Writer, resps []Response) error {
	switch w.format {
	case core.OutputCSV:
		return encodeCSV(out, resps)
	case core.OutputJSON:
		return encodeJSON(out, resps)
	default:
		return fmt.Errorf("%w: %q", ErrBadOutputFormat, w.format)
	}
}

// WriteSession writes a session's result file to path and, when any
// response is flagged as PII, its mapping file to piiPath. The result file
// never contains PII responses.
func (w *Writer) WriteSession(path, piiPath, sessionID string, resps []Response) error {
	pii, rest := w.Split(resps)
	if len(pii) > 0 {
		if err := WritePII(piiPath, sessionID, pii); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if err := w.Encode(&buf, rest); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

// PIIEntry is one key/value line of a PII mapping file.
type PIIEntry struct {
	Key string `json:"key"`
	Val any    `json:"val"`
}

// WritePII writes the mapping file for a session: the session id first,
// then one entry per PII response.
func WritePII(path, sessionID string, pii []Response) error {
	entries := []PIIEntry{{Key: core.SessionIDKey, Val: sessionID}}
	for _, r := range pii {
		entries = append(entries, PIIEntry{Key: r.Task, Val: normalize(r.Resp)})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("results: marshal pii: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// ReadPII reads a mapping file.
func ReadPII(path string) ([]PIIEntry, error) {
	// #nosec G304 -- path comes from the run layout.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("results: read pii: %w", err)
	}
	var entries []PIIEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("results: parse pii: %w", err)
	}
	return entries, nil
}

func encodeCSV(out io.Writer, resps []Response) error {
	extras := extraNames(resps)
	cw := csv.NewWriter(out)
	header := append([]string{"time", "task", "resp"}, extras...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("results: write csv header: %w", err)
	}
	row := make([]string, len(header))
	for _, r := range resps {
		row = row[:0]
		row = append(row, r.Time.Format(TimeFormat), r.Task, cell(r.Resp))
		for _, name := range extras {
			row = append(row, cell(r.Extra[name]))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("results: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// encodeJSON writes an array of objects whose keys are time, task, resp
// (omitted when nil), then the response's extras in name order.
func encodeJSON(out io.Writer, resps []Response) error {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, r := range resps {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  {")
		fields := []jsonField{{"time", r.Time.Format(TimeFormat)}, {"task", r.Task}}
		if r.Resp != nil {
			fields = append(fields, jsonField{"resp", normalize(r.Resp)})
		}
		for _, name := range extraNames([]Response{r}) {
			fields = append(fields, jsonField{name, normalize(r.Extra[name])})
		}
		for j, f := range fields {
			if j > 0 {
				buf.WriteString(", ")
			}
			key, _ := json.Marshal(f.key)
			val, err := json.Marshal(f.val)
			if err != nil {
				return fmt.Errorf("results: marshal %s of %s: %w", f.key, r.Task, err)
			}
			buf.Write(key)
			buf.WriteString(": ")
			buf.Write(val)
		}
		buf.WriteString("}")
	}
	if len(resps) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("]\n")
	_, err := out.Write(buf.Bytes())
	return err
}

type jsonField struct {
	key string
	val any
}

// cell renders a value for a CSV cell. nil is the empty string; composite
// values are written as JSON.
func cell(v any) string {
	switch t := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// normalize puts free-text answers into NFC so equal answers typed on
// different platforms compare equal in the output.
func normalize(v any) any {
	if s, ok := v.(string); ok {
		return norm.NFC.String(s)
	}
	return v
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("results: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("results: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("results: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("results: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("results: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
