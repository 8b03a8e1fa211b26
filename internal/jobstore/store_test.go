package jobstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurflow/internal/domain"
	"recurflow/internal/schedule"
)

func newJob(t *testing.T, id, task string) *domain.Job {
	t.Helper()
	rule, err := schedule.Parse([]byte(`{"repeatable": true, "start_datetime": "2030-01-01T00:00:00Z",
		"repeat_unit": "hours", "repeat_period": 1, "end_option": "max_executions", "end_arg": 3}`))
	require.NoError(t, err)
	return &domain.Job{
		ID:              id,
		User:            domain.User{ID: "u1", AuditNames: map[string]string{domain.AuditAuthUsername: "alice"}},
		Schedule:        rule,
		TaskName:        task,
		ParameterValues: map[string]any{"target": "/data"},
		ExecutionLimit:  2,
	}
}

func TestSaveUsesDerivedFilename(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	loc, err := s.Save(newJob(t, "7", "backup"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "backup_alice_7.json"), loc)
	assert.True(t, s.Exists(loc))

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"id", "user", "schedule", "script_name", "parameter_values", "execution_limit"} {
		assert.Contains(t, fields, key)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a_b_c_d_e_f_g_h_i_.json", Sanitize(`a<b>c:d"e/f\g|h?i*.json`))
	assert.Equal(t, "tab_name", Sanitize("tab\tname"))
	assert.Equal(t, "plain-name_1.json", Sanitize("plain-name_1.json"))
}

func TestSaveSanitizesTaskAndUser(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	job := newJob(t, "3", "reports/daily")
	job.User.AuditNames = map[string]string{domain.AuditIP: "10.0.0.1:5000"}
	loc, err := s.Save(job)
	require.NoError(t, err)
	assert.Equal(t, "reports_daily_10.0.0.1_5000_3.json", filepath.Base(loc))
}

func TestWriteOverwritesInPlace(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	job := newJob(t, "1", "backup")
	loc, err := s.Save(job)
	require.NoError(t, err)

	job.Schedule.ExecutionsCount = 2
	require.NoError(t, s.Write(loc, job))

	res, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, 2, res.Jobs[loc].Schedule.ExecutionsCount)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadAllToleratesCorruptRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.Save(newJob(t, "1", "alpha"))
	require.NoError(t, err)
	_, err = s.Save(newJob(t, "2", "beta"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"id": "42", "user": {"user_id": "x"}, "schedule": {"start`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	res, err := s.LoadAll()
	require.NoError(t, err)

	assert.Len(t, res.Jobs, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, filepath.Join(dir, "broken.json"), res.Failures[0].Location)
	assert.True(t, errors.Is(res.Failures[0].Err, ErrCorrupt))
	assert.ElementsMatch(t, []string{"1", "2", "42"}, res.IDs)
	assert.Equal(t, []string{
		filepath.Join(dir, "alpha_alice_1.json"),
		filepath.Join(dir, "beta_alice_2.json"),
	}, res.Locations)
}

func TestLoadAllSalvagesIDFromStructurallyInvalidRecord(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	// Valid JSON, but the schedule is unusable.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"),
		[]byte(`{"id": "9", "script_name": "x", "schedule": {"repeatable": true}}`), 0o600))
	// Numeric id from an older writer.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"),
		[]byte(`{"id": 11, "script_name": "x"}`), 0o600))
	// No id at all.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"), []byte(`garbage`), 0o600))

	res, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	assert.Len(t, res.Failures, 3)
	assert.Equal(t, []string{"9", "11"}, res.IDs)
}

func TestLoadAllDefaultsExecutionLimit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	record := `{"id": "5", "user": {"user_id": "u"}, "script_name": "x", "parameter_values": {},
		"schedule": {"repeatable": false, "start_datetime": "2030-01-01T00:00:00.000Z", "end_option": "none", "executions_count": 0}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.json"), []byte(record), 0o600))

	res, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	job := res.Jobs[filepath.Join(dir, "x.json")]
	assert.Equal(t, 1, job.ExecutionLimit)
	assert.True(t, job.Schedule.StartTime.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
}
