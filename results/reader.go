package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/petal-labs/trialflow/core"
)

// Read parses a result file written by Writer.Encode. Empty CSV cells read
// back as absent: a nil response or a missing extra.
func Read(r io.Reader, format core.OutputFormat) ([]Response, error) {
	switch format {
	case core.OutputCSV:
		return readCSV(r)
	case core.OutputJSON:
		return readJSON(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadOutputFormat, format)
	}
}

func readCSV(r io.Reader) ([]Response, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("results: read csv header: %w", err)
	}
	if len(header) < 3 || header[0] != "time" || header[1] != "task" || header[2] != "resp" {
		return nil, fmt.Errorf("results: unexpected csv header %v", header)
	}

	var out []Response
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("results: read csv row: %w", err)
		}
		at, err := parseTime(row[0])
		if err != nil {
			return nil, err
		}
		resp := Response{Time: at, Task: row[1]}
		if row[2] != "" {
			resp.Resp = row[2]
		}
		for i, name := range header[3:] {
			if v := row[3+i]; v != "" {
				if resp.Extra == nil {
					resp.Extra = make(map[string]any)
				}
				resp.Extra[name] = v
			}
		}
		out = append(out, resp)
	}
}

func readJSON(r io.Reader) ([]Response, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("results: read json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("results: parse json: %w", err)
	}

	out := make([]Response, 0, len(rows))
	for i, row := range rows {
		ts, _ := row["time"].(string)
		at, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		task, ok := row["task"].(string)
		if !ok {
			return nil, fmt.Errorf("results: row %d has no task", i)
		}
		resp := Response{Time: at, Task: task, Resp: row["resp"]}
		for k, v := range row {
			if k == "time" || k == "task" || k == "resp" {
				continue
			}
			if resp.Extra == nil {
				resp.Extra = make(map[string]any)
			}
			resp.Extra[k] = v
		}
		out = append(out, resp)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("results: bad timestamp %q: %w", s, err)
	}
	return t, nil
}
