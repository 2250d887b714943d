//go:build unit

package unitofwork

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubBeginner struct {
	beginErr error
	calls    int
	lastOpts *sql.TxOptions
}

func (beginner *stubBeginner) BeginTx(_ context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	beginner.calls++
	beginner.lastOpts = opts

	return nil, beginner.beginErr
}

func TestNewSQLSourceValidatesInput(t *testing.T) {
	_, err := NewSQLSource("  ", &stubBeginner{})
	require.ErrorIs(t, err, ErrSourceNameRequired)

	_, err = NewSQLSource("ledger", nil)
	require.ErrorIs(t, err, ErrTxBeginnerRequired)
}

func TestBeginWrapsDriverFailure(t *testing.T) {
	beginErr := errors.New("too many connections")
	beginner := &stubBeginner{beginErr: beginErr}

	source, err := NewSQLSource("ledger", beginner)
	require.NoError(t, err)

	_, err = source.Begin(context.Background(), BeginOptions{Transactional: true, Isolation: sql.LevelSerializable})
	require.ErrorIs(t, err, beginErr)

	var sourceErr *SourceError
	require.ErrorAs(t, err, &sourceErr)
	require.Equal(t, "ledger", sourceErr.Source)
	require.Equal(t, "begin", sourceErr.Op)

	require.Equal(t, sql.LevelSerializable, beginner.lastOpts.Isolation)
}

func TestSaveOnlyHandleSkipsTransaction(t *testing.T) {
	beginner := &stubBeginner{}

	source, err := NewSQLSource("ledger", beginner)
	require.NoError(t, err)

	handle, err := source.Begin(context.Background(), BeginOptions{Transactional: false})
	require.NoError(t, err)
	require.Zero(t, beginner.calls)

	// Without a transaction the lifecycle calls are inert.
	require.NoError(t, handle.Commit(context.Background()))
	require.NoError(t, handle.Rollback(context.Background()))
	require.NoError(t, handle.Save(context.Background()))

	sqlTx, ok := handle.(SQLTransaction)
	require.True(t, ok)
	require.Nil(t, sqlTx.Tx())
}

func TestHandleBuffersPendingEvents(t *testing.T) {
	source, err := NewSQLSource("ledger", &stubBeginner{})
	require.NoError(t, err)

	handle, err := source.Begin(context.Background(), BeginOptions{Transactional: false})
	require.NoError(t, err)

	require.Empty(t, handle.PendingEvents())

	first := testEnvelope(t, "account.created")
	second := testEnvelope(t, "account.updated")

	handle.EnqueueEvent(first)
	handle.EnqueueEvent(second)

	pending := handle.PendingEvents()
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)

	// The returned slice is a copy.
	pending[0] = second
	require.Equal(t, first.ID, handle.PendingEvents()[0].ID)
}
