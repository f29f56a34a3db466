package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
	loomtest "github.com/loomworks/loom/internal/testing"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore(loomtest.CreateTestDB(t))

	w := &Workflow{
		Name:          "invoice classifier",
		AgentType:     AgentClassifier,
		Configuration: json.RawMessage(`{"model":"small","labels":["invoice","receipt"]}`),
	}
	require.NoError(t, store.Create(w))
	require.NotEmpty(t, w.ID)
	assert.Equal(t, StatusActive, w.Status)

	got, err := store.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)
	assert.Equal(t, AgentClassifier, got.AgentType)
	assert.JSONEq(t, string(w.Configuration), string(got.Configuration))
}

func TestCreateRejectsUnknownAgentType(t *testing.T) {
	store := NewStore(loomtest.CreateTestDB(t))

	err := store.Create(&Workflow{Name: "x", AgentType: "spreadsheet"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestGetMissing(t *testing.T) {
	store := NewStore(loomtest.CreateTestDB(t))

	_, err := store.Get("wf_nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListByStatus(t *testing.T) {
	store := NewStore(loomtest.CreateTestDB(t))

	active := &Workflow{Name: "a", AgentType: AgentJSON}
	require.NoError(t, store.Create(active))

	inactive := &Workflow{Name: "b", AgentType: AgentEmail, Status: StatusInactive}
	require.NoError(t, store.Create(inactive))

	got, err := store.List(StatusActive)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)

	all, err := store.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdate(t *testing.T) {
	store := NewStore(loomtest.CreateTestDB(t))

	w := &Workflow{Name: "pdf summarizer", AgentType: AgentPDF}
	require.NoError(t, store.Create(w))

	w.Name = "pdf summarizer v2"
	w.Status = StatusInactive
	w.Configuration = json.RawMessage(`{"pages":"all"}`)
	require.NoError(t, store.Update(w))

	got, err := store.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, "pdf summarizer v2", got.Name)
	assert.Equal(t, StatusInactive, got.Status)
}

func TestDeleteRefusedWithExecutions(t *testing.T) {
	conn := loomtest.CreateTestDB(t)
	store := NewStore(conn)

	w := &Workflow{Name: "emailer", AgentType: AgentEmail}
	require.NoError(t, store.Create(w))

	_, err := conn.Exec(`INSERT INTO executions (id, workflow_id, trigger_type, created_at, updated_at)
		VALUES ('exec_1', ?, 'manual', datetime('now'), datetime('now'))`, w.ID)
	require.NoError(t, err)

	err = store.Delete(w.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))

	// Archiving is the supported path once history exists.
	require.NoError(t, store.Archive(w.ID))
	got, err := store.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
}

func TestDeleteWithoutExecutions(t *testing.T) {
	store := NewStore(loomtest.CreateTestDB(t))

	w := &Workflow{Name: "scratch", AgentType: AgentJSON}
	require.NoError(t, store.Create(w))
	require.NoError(t, store.Delete(w.ID))

	_, err := store.Get(w.ID)
	assert.True(t, errors.IsNotFound(err))
}
