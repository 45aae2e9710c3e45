package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/record"
)

// MinSessionPrefix is the shortest session id prefix used in exports.
const MinSessionPrefix = 4

// Session is the content of one result file together with where it came
// from.
type Session struct {
	SessionID string
	Profile   string
	State     core.State
	Responses []Response
}

// PrefixLen returns the shortest prefix length, at least minLen, at which
// every id is distinct.
func PrefixLen(ids []string, minLen int) int {
	longest := 0
	for _, id := range ids {
		longest = max(longest, len(id))
	}
	n := minLen
	for ; n < longest; n++ {
		seen := make(map[string]struct{}, len(ids))
		unique := true
		for _, id := range ids {
			p := id[:min(n, len(id))]
			if _, dup := seen[p]; dup {
				unique = false
				break
			}
			seen[p] = struct{}{}
		}
		if unique {
			break
		}
	}
	return n
}

// ReadRun loads every result file of a run. The session id of each file is
// taken from its session-id pseudo-response.
func ReadRun(layout record.Layout, runID string, format core.OutputFormat) ([]Session, error) {
	files, err := layout.Results(runID)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(files))
	for _, rf := range files {
		// #nosec G304 -- path comes from the run layout.
		f, err := os.Open(rf.Path)
		if err != nil {
			return nil, fmt.Errorf("results: open %s: %w", rf.Profile, err)
		}
		resps, err := Read(f, format)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("results: %s: %w", rf.Profile, err)
		}
		s := Session{Profile: rf.Profile, State: rf.State, Responses: resps}
		for _, r := range resps {
			if r.Task == core.PseudoSessionID {
				s.SessionID = fmt.Sprint(r.Resp)
				break
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Export writes sessions as one aggregate document with session ids cut to
// their shortest unique prefix.
func Export(out io.Writer, format core.OutputFormat, sessions []Session) error {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.SessionID
	}
	n := PrefixLen(ids, MinSessionPrefix)
	short := func(id string) string { return id[:min(n, len(id))] }

	trimmed := make([]Session, len(sessions))
	for i, s := range sessions {
		s.SessionID = short(s.SessionID)
		s.Responses = slices.Clone(s.Responses)
		for j, r := range s.Responses {
			if r.Task == core.PseudoSessionID {
				r.Resp = s.SessionID
				s.Responses[j] = r
			}
		}
		trimmed[i] = s
	}

	switch format {
	case core.OutputCSV:
		return exportCSV(out, trimmed)
	case core.OutputJSON:
		return exportJSON(out, trimmed)
	default:
		return fmt.Errorf("%w: %q", ErrBadOutputFormat, format)
	}
}

// ExportRun writes the aggregate export of a run into the downloads
// directory and returns its path. stored is the encoding the run's result
// files were written in; format is the encoding of the export.
func ExportRun(layout record.Layout, runID string, stored, format core.OutputFormat) (string, error) {
	sessions, err := ReadRun(layout, runID, stored)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := Export(&buf, format, sessions); err != nil {
		return "", err
	}
	path := filepath.Join(layout.Downloads(), runID+format.Extension())
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

func exportCSV(out io.Writer, sessions []Session) error {
	var all []Response
	for _, s := range sessions {
		all = append(all, s.Responses...)
	}
	extras := extraNames(all)

	cw := csv.NewWriter(out)
	header := append([]string{"session", "profile", "state", "time", "task", "resp"}, extras...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("results: write export header: %w", err)
	}
	for _, s := range sessions {
		for _, r := range s.Responses {
			row := []string{s.SessionID, s.Profile, s.State.String(), r.Time.Format(TimeFormat), r.Task, cell(r.Resp)}
			for _, name := range extras {
				row = append(row, cell(r.Extra[name]))
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("results: write export row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

type exportedSession struct {
	Session   string          `json:"session"`
	Profile   string          `json:"profile"`
	State     core.State      `json:"state"`
	Responses json.RawMessage `json:"responses"`
}

func exportJSON(out io.Writer, sessions []Session) error {
	docs := make([]exportedSession, 0, len(sessions))
	for _, s := range sessions {
		var buf bytes.Buffer
		if err := encodeJSON(&buf, s.Responses); err != nil {
			return err
		}
		docs = append(docs, exportedSession{
			Session:   s.SessionID,
			Profile:   s.Profile,
			State:     s.State,
			Responses: json.RawMessage(buf.Bytes()),
		})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(docs)
}
