package results

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/profile"
	"github.com/petal-labs/trialflow/record"
)

func TestPrefixLen(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want int
	}{
		{"empty", nil, 4},
		{"distinct early", []string{"abcdef", "bbcdef"}, 4},
		{"shared prefix", []string{"abcdef12", "abcdef34"}, 7},
		{"short ids", []string{"ab", "cd"}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, PrefixLen(tt.ids, MinSessionPrefix))
		})
	}
}

func TestExport_TruncatesSessionIDs(t *testing.T) {
	sessions := []Session{
		{SessionID: "abcdef12-0000", Profile: "c/AAA", State: core.StateComplete, Responses: []Response{
			{Time: t0, Task: core.PseudoSessionID, Resp: "abcdef12-0000"},
			{Time: t0, Task: "q", Resp: "1"},
		}},
		{SessionID: "abcdef34-0000", Profile: "c/BBB", State: core.StateTimedOut, Responses: []Response{
			{Time: t0, Task: core.PseudoSessionID, Resp: "abcdef34-0000"},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, core.OutputCSV, sessions))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"session", "profile", "state", "time", "task", "resp"}, rows[0])
	require.Len(t, rows, 4)
	require.Equal(t, "abcdef1", rows[1][0])
	require.Equal(t, "abcdef1", rows[1][5])
	require.Equal(t, "abcdef3", rows[3][0])
	require.Equal(t, "TIMED_OUT", rows[3][2])

	// input is not mutated
	require.Equal(t, "abcdef12-0000", sessions[0].Responses[0].Resp)
}

func TestExportRun_JSON(t *testing.T) {
	layout := record.NewLayout(t.TempDir())
	rec, err := record.Create(layout, record.CreateOptions{Mode: core.RunModeNew, Conditions: []string{"c"}})
	require.NoError(t, err)

	w, err := NewWriter("json", nil)
	require.NoError(t, err)
	p := profile.Profile{Condition: "c", SubjectID: "ABCDEF"}
	require.NoError(t, w.WriteSession(
		layout.Result(rec.ID(), p, core.StateComplete),
		layout.IDMapping(rec.ID(), "0123456789"),
		"0123456789",
		[]Response{{Time: t0, Task: core.PseudoSessionID, Resp: "0123456789"}, {Time: t0, Task: "q", Resp: "yes"}},
	))

	path, err := ExportRun(layout, rec.ID(), core.OutputJSON, core.OutputJSON)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(layout.Downloads(), rec.ID()+".json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var docs []struct {
		Session   string           `json:"session"`
		Profile   string           `json:"profile"`
		State     string           `json:"state"`
		Responses []map[string]any `json:"responses"`
	}
	require.NoError(t, json.Unmarshal(data, &docs))
	require.Len(t, docs, 1)
	require.Equal(t, "0123", docs[0].Session)
	require.Equal(t, "c/ABCDEF", docs[0].Profile)
	require.Equal(t, "COMPLETE", docs[0].State)
	require.Len(t, docs[0].Responses, 2)
	require.Equal(t, "yes", docs[0].Responses[1]["resp"])
}

func TestExportRun_AcrossFormats(t *testing.T) {
	resps := []Response{{Time: t0, Task: core.PseudoSessionID, Resp: "0123456789"}, {Time: t0, Task: "q", Resp: "yes"}}
	p := profile.Profile{Condition: "c", SubjectID: "ABCDEF"}

	tests := []struct {
		stored, export core.OutputFormat
	}{
		{core.OutputCSV, core.OutputJSON},
		{core.OutputJSON, core.OutputCSV},
		{core.OutputCSV, core.OutputCSV},
	}
	for _, tt := range tests {
		t.Run(string(tt.stored)+" to "+string(tt.export), func(t *testing.T) {
			layout := record.NewLayout(t.TempDir())
			rec, err := record.Create(layout, record.CreateOptions{Mode: core.RunModeNew, Conditions: []string{"c"}})
			require.NoError(t, err)
			w, err := NewWriter(string(tt.stored), nil)
			require.NoError(t, err)
			require.NoError(t, w.WriteSession(
				layout.Result(rec.ID(), p, core.StateComplete),
				layout.IDMapping(rec.ID(), "0123456789"),
				"0123456789", resps,
			))

			path, err := ExportRun(layout, rec.ID(), tt.stored, tt.export)
			require.NoError(t, err)
			require.Equal(t, tt.export.Extension(), filepath.Ext(path))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			switch tt.export {
			case core.OutputJSON:
				require.True(t, json.Valid(data))
				require.Contains(t, string(data), `"yes"`)
			case core.OutputCSV:
				rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
				require.NoError(t, err)
				require.Len(t, rows, 3)
				require.Equal(t, []string{"0123", "c/ABCDEF", "COMPLETE"}, rows[2][:3])
				require.Equal(t, "yes", rows[2][5])
			}
		})
	}
}
