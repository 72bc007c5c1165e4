package command

import (
	"context"
	"strings"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txmgr"
)

const (
	ParamArgs = "args"

	ResultRows     = "rows"
	ResultAffected = "affected"
)

// SQL runs one statement with positional arguments taken from the "args"
// parameter. Row returning statements put their rows under "rows", the rest
// report "affected".
type SQL struct {
	Statement  string
	DataSource string
	Writes     bool
}

var _ txmgr.Command = &SQL{}
var _ txmgr.Resetter = &SQL{}

// Acquire takes an SQL command from the pool and configures it.
func Acquire(p *txmgr.CommandPool, dataSource, statement string, writes bool) *SQL {
	cmd := txmgr.AcquireCommand(p, func() *SQL { return &SQL{} })
	cmd.Statement = statement
	cmd.DataSource = dataSource
	cmd.Writes = writes
	return cmd
}

func (c *SQL) Execute(ctx context.Context, tx txmgr.TxContext, params txmgr.Params) (txmgr.Result, error) {
	if strings.TrimSpace(c.Statement) == "" {
		return nil, txerror.New(txerror.TX_ILLEGAL_STATE, "empty statement")
	}

	var args []any
	if raw, ok := params[ParamArgs]; ok {
		args, ok = raw.([]any)
		if !ok {
			return nil, txerror.Newf(txerror.TX_ILLEGAL_STATE, "parameter %q must be a list, got %T", ParamArgs, raw)
		}
	}

	if returnsRows(c.Statement) {
		rows, err := tx.Query(ctx, c.Statement, args...)
		if err != nil {
			return nil, err
		}
		return txmgr.Result{ResultRows: rows}, nil
	}

	n, err := tx.Exec(ctx, c.Statement, args...)
	if err != nil {
		return nil, err
	}
	return txmgr.Result{ResultAffected: n}, nil
}

func (c *SQL) DataSourceName() string {
	return c.DataSource
}

func (c *SQL) ReadOnly() bool {
	return !c.Writes
}

func (c *SQL) Reset() {
	*c = SQL{}
}

func returnsRows(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "select", "with", "show", "values", "table", "explain":
		return true
	}
	return strings.Contains(strings.ToLower(stmt), " returning ")
}
