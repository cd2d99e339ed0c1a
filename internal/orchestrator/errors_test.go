package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/botvisor/botvisor/internal/broker"
)

func TestErrorCarriesStateKindAndReason(t *testing.T) {
	err := error(&Error{Bot: "alpha", State: StateFailed, Kind: KindRuntime, Reason: ReasonStartupTimeout, Err: errors.New("no heartbeat")})
	assert.Equal(t, "bot alpha: RuntimeError (state Failed) reason StartupTimeout: no heartbeat", err.Error())
	assert.Equal(t, KindRuntime, KindOf(fmt.Errorf("deploy: %w", err)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))

	nf := &Error{Bot: "ghost", Kind: KindNotFound, Err: ErrNotFound}
	assert.ErrorIs(t, nf, ErrNotFound)
	assert.Equal(t, "bot ghost: NotFound: bot not found", nf.Error())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindBrokerDisconnect, classify(fmt.Errorf("attach: %w", broker.ErrDisconnected)))
	assert.Equal(t, KindBrokerDisconnect, classify(broker.ErrClosed))
	assert.Equal(t, KindPersistence, classify(errors.New("database is locked")))
}
