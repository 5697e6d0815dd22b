package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateProject(t *testing.T) {
	db := setupTestDB(t)

	p, err := CreateProject(db, "api-rewrite", "rebuild the API", "user_1")
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Contains(t, p.ID, "proj_")
	assert.Equal(t, "api-rewrite", p.Name)
	assert.Equal(t, models.ProjectCreated, p.Status)
	assert.Equal(t, models.PhaseDiscovery, p.Phase)
	assert.Equal(t, "user_1", p.UserID)
	assert.Equal(t, 1, p.Version)
}

func TestCreateProjectEmptyName(t *testing.T) {
	db := setupTestDB(t)

	_, err := CreateProject(db, "", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestGetProjectNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := GetProject(db, "proj_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestListProjectsByUser(t *testing.T) {
	db := setupTestDB(t)

	_, err := CreateProject(db, "alpha", "", "user_a")
	require.NoError(t, err)
	_, err = CreateProject(db, "beta", "", "user_b")
	require.NoError(t, err)

	all, err := ListProjects(db, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := ListProjects(db, "user_a")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "alpha", mine[0].Name)
}

func TestUpdateProjectStatusVersionConflict(t *testing.T) {
	db := setupTestDB(t)

	p, err := CreateProject(db, "races", "", "")
	require.NoError(t, err)

	// First CAS wins.
	err = Transact(db, func(tx *sql.Tx) error {
		return UpdateProjectStatusTx(tx, p.ID, models.ProjectRunning, p.Version)
	})
	require.NoError(t, err)

	// Second CAS against the stale version loses.
	err = Transact(db, func(tx *sql.Tx) error {
		return UpdateProjectStatusTx(tx, p.ID, models.ProjectPaused, p.Version)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrVersionConflict))

	got, err := GetProject(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRunning, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestAdvanceProjectPhaseNeverRegresses(t *testing.T) {
	db := setupTestDB(t)

	p, err := CreateProject(db, "phases", "", "")
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return AdvanceProjectPhaseTx(tx, p.ID, models.PhaseActive)
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return AdvanceProjectPhaseTx(tx, p.ID, models.PhaseDiscovery)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))

	got, err := GetProject(db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseActive, got.Phase)
}

func TestCreateAgentDefaults(t *testing.T) {
	db := setupTestDB(t)

	a, err := CreateAgent(db, "worker-1", models.AgentBackend, "claude", "")
	require.NoError(t, err)

	assert.Contains(t, a.ID, "agent_")
	assert.Equal(t, models.AgentIdle, a.Status)
	assert.Equal(t, models.MaturityD1, a.Maturity)
	assert.Equal(t, 0, a.ContextTokens)
	assert.Equal(t, 1, a.Version)
}

func TestCreateAgentDuplicateName(t *testing.T) {
	db := setupTestDB(t)

	_, err := CreateAgent(db, "worker-1", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)

	_, err = CreateAgent(db, "worker-1", models.AgentFrontend, "claude", models.MaturityD2)
	assert.Error(t, err)
}

func TestAgentStatusAndContextTokens(t *testing.T) {
	db := setupTestDB(t)

	a, err := CreateAgent(db, "worker-1", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)

	require.NoError(t, SetAgentStatus(db, a.ID, models.AgentWorking))
	require.NoError(t, AddAgentContextTokens(db, a.ID, 1200))
	require.NoError(t, AddAgentContextTokens(db, a.ID, 300))

	got, err := GetAgent(db, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentWorking, got.Status)
	assert.Equal(t, 1500, got.ContextTokens)
}

func TestAssignmentLifecycle(t *testing.T) {
	db := setupTestDB(t)

	p, err := CreateProject(db, "assignments", "", "")
	require.NoError(t, err)
	a, err := CreateAgent(db, "worker-1", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return AssignAgentTx(tx, p.ID, a.ID, "builder")
	})
	require.NoError(t, err)

	// A second active assignment on the same project is rejected.
	err = Transact(db, func(tx *sql.Tx) error {
		return AssignAgentTx(tx, p.ID, a.ID, "lead")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))

	err = Transact(db, func(tx *sql.Tx) error {
		return UpdateAssignmentRoleTx(tx, p.ID, a.ID, "lead")
	})
	require.NoError(t, err)

	var active bool
	err = Transact(db, func(tx *sql.Tx) error {
		var err error
		active, err = HasActiveAssignmentTx(tx, p.ID, a.ID)
		return err
	})
	require.NoError(t, err)
	assert.True(t, active)

	assignments, err := GetAgentsForProject(db, p.ID, true)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "lead", assignments[0].Assignment.Role)

	err = Transact(db, func(tx *sql.Tx) error {
		return UnassignAgentTx(tx, p.ID, a.ID)
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		var err error
		active, err = HasActiveAssignmentTx(tx, p.ID, a.ID)
		return err
	})
	require.NoError(t, err)
	assert.False(t, active)

	// The agent itself survives revocation.
	_, err = GetAgent(db, a.ID)
	assert.NoError(t, err)

	// The historical row survives too.
	all, err := GetAgentsForProject(db, p.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProjectsForAgentOnlyActive(t *testing.T) {
	db := setupTestDB(t)

	p1, err := CreateProject(db, "alpha", "", "")
	require.NoError(t, err)
	p2, err := CreateProject(db, "beta", "", "")
	require.NoError(t, err)
	a, err := CreateAgent(db, "shared", models.AgentBackend, "claude", models.MaturityD3)
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		if err := AssignAgentTx(tx, p1.ID, a.ID, "worker"); err != nil {
			return err
		}
		return AssignAgentTx(tx, p2.ID, a.ID, "worker")
	})
	require.NoError(t, err)

	err = Transact(db, func(tx *sql.Tx) error {
		return UnassignAgentTx(tx, p2.ID, a.ID)
	})
	require.NoError(t, err)

	projects, err := GetProjectsForAgent(db, a.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, p1.ID, projects[0].ID)
}

func TestSchemaVersionAfterMigrations(t *testing.T) {
	db := setupTestDB(t)

	current, latest, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, latest, current)
	assert.Greater(t, latest, int64(0))
}
