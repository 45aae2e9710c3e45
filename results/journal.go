package results

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const pseudoFile = "pseudo.json"

// Journal stores one file per answered task inside a session directory so a
// resumed run can rebuild the session's responses after a restart.
type Journal struct {
	dir string
}

// Entry is one journaled response keyed by its task id.
type Entry struct {
	TaskID int
	Response
}

type journalRecord struct {
	TaskID int            `json:"task_id"`
	Time   time.Time      `json:"time"`
	Task   string         `json:"task"`
	Resp   any            `json:"resp,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewJournal returns a Journal writing to dir. The directory is created on
// first append.
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir}
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Append records the response to taskID, replacing an earlier answer to the
// same task.
func (j *Journal) Append(taskID int, r Response) error {
	data, err := json.Marshal(journalRecord{
		TaskID: taskID,
		Time:   r.Time,
		Task:   r.Task,
		Resp:   r.Resp,
		Extra:  r.Extra,
	})
	if err != nil {
		return fmt.Errorf("results: marshal journal entry %d: %w", taskID, err)
	}
	return writeFileAtomic(filepath.Join(j.dir, strconv.Itoa(taskID)+".json"), data)
}

// Load returns every journaled response ordered by task id. A missing
// directory yields no entries.
func (j *Journal) Load() ([]Entry, error) {
	files, err := os.ReadDir(j.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("results: read journal: %w", err)
	}

	var out []Entry
	for _, f := range files {
		name, ok := strings.CutSuffix(f.Name(), ".json")
		if !ok || !f.Type().IsRegular() {
			continue
		}
		if _, err := strconv.Atoi(name); err != nil {
			continue
		}
		// #nosec G304 -- path is inside the session directory.
		data, err := os.ReadFile(filepath.Join(j.dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("results: read journal entry %s: %w", name, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var rec journalRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("results: parse journal entry %s: %w", name, err)
		}
		out = append(out, Entry{
			TaskID:   rec.TaskID,
			Response: Response{Time: rec.Time, Task: rec.Task, Resp: rec.Resp, Extra: rec.Extra},
		})
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.TaskID, b.TaskID) })
	return out, nil
}

// SavePseudo records the session's pseudo-responses, which precede the
// task responses in the result file.
func (j *Journal) SavePseudo(resps []Response) error {
	recs := make([]journalRecord, len(resps))
	for i, r := range resps {
		recs[i] = journalRecord{Time: r.Time, Task: r.Task, Resp: r.Resp, Extra: r.Extra}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("results: marshal pseudo-responses: %w", err)
	}
	return writeFileAtomic(filepath.Join(j.dir, pseudoFile), data)
}

// LoadPseudo returns the saved pseudo-responses, or none if never saved.
func (j *Journal) LoadPseudo() ([]Response, error) {
	// #nosec G304 -- path is inside the session directory.
	data, err := os.ReadFile(filepath.Join(j.dir, pseudoFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("results: read pseudo-responses: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var recs []journalRecord
	if err := dec.Decode(&recs); err != nil {
		return nil, fmt.Errorf("results: parse pseudo-responses: %w", err)
	}
	out := make([]Response, len(recs))
	for i, rec := range recs {
		out[i] = Response{Time: rec.Time, Task: rec.Task, Resp: rec.Resp, Extra: rec.Extra}
	}
	return out, nil
}

// Remove deletes the journal directory.
func (j *Journal) Remove() error {
	if err := os.RemoveAll(j.dir); err != nil {
		return fmt.Errorf("results: remove journal: %w", err)
	}
	return nil
}
