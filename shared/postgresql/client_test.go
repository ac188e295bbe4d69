package postgresql

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/image-batch/shared/logger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Client{
		db:     sqlx.NewDb(db, "postgres"),
		config: &Config{Database: "image_batch"},
		logger: logger.NewDiscard(),
	}, mock
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{
		Host:     "db",
		Port:     5432,
		User:     "postgres",
		Password: "secret",
		Database: "image_batch",
		SSLMode:  "disable",
	}

	assert.Equal(t, "host=db port=5432 user=postgres password=secret dbname=image_batch sslmode=disable", cfg.DSN())
}

func TestConfig_URL(t *testing.T) {
	cfg := &Config{
		Host:     "db",
		Port:     5432,
		User:     "postgres",
		Password: "p@ss/word",
		Database: "image_batch",
		SSLMode:  "disable",
	}

	assert.Equal(t, "postgres://postgres:p%40ss%2Fword@db:5432/image_batch?sslmode=disable", cfg.URL())
}

func TestClient_HealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		require.NoError(t, client.HealthCheck(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ping fails", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err := client.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database health check failed")
	})

	t.Run("query fails", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("read-only"))

		err := client.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query health check failed")
	})
}

func TestClient_Close(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectClose()

	require.NoError(t, client.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
