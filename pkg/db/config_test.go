package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Type: TypeSQLite}.Validate())
	assert.NoError(t, Config{Type: "Postgres", Host: "db"}.Validate())
	assert.True(t, errors.Is(Config{Type: TypePostgres}.Validate(), ErrMissingHost))
	assert.True(t, errors.Is(Config{Type: "oracle"}.Validate(), ErrInvalidType))

	_, err := Dialect(Config{Type: "oracle"})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestConfigDSN(t *testing.T) {
	pg := Config{Type: TypePostgres, Host: "db", Port: "5432", Name: "keepr", User: "app", Password: "secret"}
	assert.Equal(t, "host=db user=app password=secret dbname=keepr port=5432 sslmode=disable TimeZone=UTC", pg.dsn())

	assert.Equal(t, "keepr.db", Config{Type: TypeSQLite}.dsn())

	d, err := Dialect(Config{Type: TypeSQLite, Name: "file::memory:"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())
}
