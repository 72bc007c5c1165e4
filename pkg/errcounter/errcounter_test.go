package errcounter_test

import (
	"errors"
	"testing"

	"github.com/pg-sharding/txseq/pkg/errcounter"
	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounterByCode(t *testing.T) {
	assert := assert.New(t)
	c := errcounter.New("test")

	c.Report(nil)
	c.Report(txerror.New(txerror.TX_ILLEGAL_STATE, "closed"))
	c.Report(txerror.New(txerror.TX_ILLEGAL_STATE, "closed again"))
	c.Report(errors.New("plain"))

	assert.Equal(map[string]uint64{
		txerror.TX_ILLEGAL_STATE: 2,
		txerror.TX_UNEXPECTED:    1,
	}, c.ErrorCounts())
	assert.Equal(2, testutil.CollectAndCount(c, "txseq_test_errors_total"))
}
