package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (map[string]interface{}, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	return v, nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInterpretCommand(t *testing.T) {
	out, err := run(t, "interpret", "--frequency", "every 8 hours")
	require.NoError(t, err)
	assert.Equal(t, "interval", out["kind"])
	assert.Len(t, out["slots"], 2, "08:00 and 16:00 fit in the day")

	out, err = run(t, "interpret", "-t", "07:00", "-t", "19:00")
	require.NoError(t, err)
	assert.Equal(t, true, out["from_timing"])
	assert.Equal(t, "Twice daily", out["phrase"])
}

func TestScheduleCommand(t *testing.T) {
	path := writeFile(t, "med.json", `{
	  "id": "m1", "name": "Metformin", "dosage": "500mg", "frequency": "twice daily",
	  "start_date": "2024-03-01", "end_date": "2024-03-30", "is_active": true
	}`)

	out, err := run(t, "schedule", path, "--now", "2024-03-10T07:50:00Z", "--tz", "UTC")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-10", out["date"])
	assert.Equal(t, true, out["active"])
	assert.EqualValues(t, 20, out["remaining_days"])
	doses := out["doses"].([]interface{})
	require.Len(t, doses, 2)
	first := doses[0].(map[string]interface{})
	assert.Equal(t, "08:00", first["time"])

	out, err = run(t, "schedule", path, "--now", "2024-03-10T07:50:00Z", "--tz", "UTC", "--date", "2024-04-02")
	require.NoError(t, err)
	assert.Equal(t, false, out["active"])

	_, err = run(t, "schedule", path, "--date", "someday")
	assert.Error(t, err)
}

func TestAdherenceCommand(t *testing.T) {
	path := writeFile(t, "records.json", `[
	  {"id": "r1", "scheduled_dose_id": "d1", "scheduled_date": "2024-03-01", "status": "taken"},
	  {"id": "r2", "scheduled_dose_id": "d1", "scheduled_date": "2024-03-02", "status": "taken"},
	  {"id": "r3", "scheduled_dose_id": "d1", "scheduled_date": "2024-03-03", "status": "missed"},
	  {"id": "r4", "scheduled_dose_id": "d1", "scheduled_date": "2024-04-01", "status": "skipped"}
	]`)

	out, err := run(t, "adherence", path)
	require.NoError(t, err)
	assert.EqualValues(t, 4, out["total"])
	assert.EqualValues(t, 50, out["rate"])

	out, err = run(t, "adherence", path, "--from", "2024-03-01", "--to", "2024-03-31")
	require.NoError(t, err)
	assert.EqualValues(t, 3, out["total"])
	assert.EqualValues(t, 67, out["rate"])

	medPath := writeFile(t, "med.json", `{"id": "m1", "name": "X", "dose_records": [{"id": "r1", "scheduled_date": "2024-03-01", "status": "late"}]}`)
	out, err = run(t, "adherence", medPath)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out["late"])
	assert.EqualValues(t, 0, out["rate"])
}

func TestFHIRCommand(t *testing.T) {
	path := writeFile(t, "mr.json", `{
	  "resourceType": "MedicationRequest", "status": "active", "intent": "order",
	  "medication": {"concept": {"text": "Amoxicillin 500 MG"}},
	  "subject": {"reference": "Patient/p-3"},
	  "dosageInstruction": [{"timing": {"repeat": {"frequency": 3, "period": 1, "periodUnit": "d", "boundsPeriod": {"start": "2024-05-01"}, "boundsDuration": {"value": 10, "code": "d"}}}}]
	}`)
	out, err := run(t, "fhir", path)
	require.NoError(t, err)
	assert.Equal(t, "Amoxicillin 500 MG", out["name"])
	assert.Equal(t, "3 times daily", out["frequency"])
	assert.Equal(t, "10 days", out["duration"])
	assert.Equal(t, "2024-05-01", out["start_date"])

	_, err = run(t, "fhir", writeFile(t, "bad.json", `{"resourceType": "Patient"}`))
	assert.Error(t, err)
}
