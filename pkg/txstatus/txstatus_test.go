package txstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert := assert.New(t)
	cases := map[TXStatus]string{
		TXNEW:         "NEW",
		TXOPENING:     "OPENING",
		TXCONNECTED:   "CONNECTED",
		TXEXECUTING:   "EXECUTING",
		TXAWAITCOMMIT: "AWAITING_COMMIT",
		TXCOMMITTING:  "COMMITTING",
		TXROLLINGBACK: "ROLLING_BACK",
		TXCLOSED:      "CLOSED",
		TXStatus(200): "invalid",
	}
	for status, except := range cases {
		assert.Equal(except, status.String())
	}
}

func TestCanTransit(t *testing.T) {
	assert := assert.New(t)

	assert.True(TXNEW.CanTransit(TXOPENING))
	assert.True(TXEXECUTING.CanTransit(TXAWAITCOMMIT))
	assert.True(TXAWAITCOMMIT.CanTransit(TXEXECUTING))
	assert.True(TXAWAITCOMMIT.CanTransit(TXCOMMITTING))
	assert.True(TXCOMMITTING.CanTransit(TXCLOSED))
	assert.True(TXAWAITCOMMIT.CanTransit(TXROLLINGBACK))

	assert.False(TXNEW.CanTransit(TXCOMMITTING))
	assert.False(TXCONNECTED.CanTransit(TXCOMMITTING))
	for _, st := range []TXStatus{TXNEW, TXOPENING, TXEXECUTING, TXROLLINGBACK, TXCLOSED} {
		assert.False(TXCLOSED.CanTransit(st), st.String())
	}
	assert.True(TXCLOSED.Terminal())
	assert.False(TXROLLINGBACK.Terminal())
}
