package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fe-row/AEGIS/internal/aegis/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetAgentScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, sponsor_id, name, agent_type, status, trust_score, fingerprint, created_at, updated_at\s+FROM agents WHERE id = \$1`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sponsor_id", "name", "agent_type", "status", "trust_score", "fingerprint", "created_at", "updated_at"}).
			AddRow("agent-1", "sponsor-1", "scraper-bot", "scraper", model.AgentActive, 62.5, "fp-abc", now, now))

	agent, err := s.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	require.Equal(t, "sponsor-1", agent.SponsorID)
	require.Equal(t, model.AgentActive, agent.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgentReturnsNilOnNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM agents WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sponsor_id", "name", "agent_type", "status", "trust_score", "fingerprint", "created_at", "updated_at"}))

	agent, err := s.GetAgent(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, agent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAgentInsertsAgentWalletAndProfileInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO agents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO micro_wallets`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO behavior_profiles`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	agent := &model.Agent{SponsorID: "sponsor-1", Name: "scraper-bot", AgentType: "scraper", Status: model.AgentActive}
	wallet := &model.Wallet{DailyLimit: decimal.NewFromInt(50), MonthlyLimit: decimal.NewFromInt(500)}

	err := s.CreateAgent(context.Background(), agent, wallet, nil)
	require.NoError(t, err)
	require.NotEmpty(t, agent.ID)
	require.False(t, agent.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAgentRollsBackOnWalletInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO agents`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO micro_wallets`).WillReturnError(errors.New("wallet insert failed"))
	mock.ExpectRollback()

	agent := &model.Agent{SponsorID: "sponsor-1", Name: "scraper-bot", AgentType: "scraper", Status: model.AgentActive}
	wallet := &model.Wallet{DailyLimit: decimal.NewFromInt(50), MonthlyLimit: decimal.NewFromInt(500)}

	err := s.CreateAgent(context.Background(), agent, wallet, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingDelegatesToDB(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)

	mock.ExpectPing()

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
