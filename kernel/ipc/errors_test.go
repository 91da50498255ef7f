package ipc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"

	"github.com/corebus/xmbox/kernel/mailbox"
)

func TestError_MatchesByCode(t *testing.T) {
	err := errBusy(2, mailbox.ErrMailboxUnavailable)

	assert.ErrorIs(t, err, ErrBusy)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, mailbox.ErrMailboxUnavailable, "cause stays reachable")
	assert.Equal(t, 2, err.Context["instance"])
	assert.Contains(t, err.Error(), "[BUSY]")

	wrapped := fmt.Errorf("send: %w", err)
	assert.Equal(t, CodeBusy, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestError_Aggregated(t *testing.T) {
	err := multierr.Combine(errRemote(1, 17), errTimeout(2, 33))

	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, IsRetryable(err))
	assert.Len(t, multierr.Errors(err), 2)
}

func TestError_RestartCarriesTickets(t *testing.T) {
	err := errRestart(nil, 4, 5)
	assert.ErrorIs(t, err, ErrRestart)
	assert.Equal(t, []uint16{4, 5}, err.Context["tickets"])
	assert.Equal(t, "[RESTART] wait interrupted, resume with the same ticket", err.Error())
}
