package txstatus

type TXStatus byte

const (
	TXNEW = TXStatus(iota)
	TXOPENING
	TXCONNECTED
	TXEXECUTING
	TXAWAITCOMMIT
	TXCOMMITTING
	TXROLLINGBACK
	TXCLOSED
)

type TxStatusMgr interface {
	SetTxStatus(status TXStatus)
	TxStatus() TXStatus
}

func (s TXStatus) String() string {
	switch s {
	case TXNEW:
		return "NEW"
	case TXOPENING:
		return "OPENING"
	case TXCONNECTED:
		return "CONNECTED"
	case TXEXECUTING:
		return "EXECUTING"
	case TXAWAITCOMMIT:
		return "AWAITING_COMMIT"
	case TXCOMMITTING:
		return "COMMITTING"
	case TXROLLINGBACK:
		return "ROLLING_BACK"
	case TXCLOSED:
		return "CLOSED"
	}
	return "invalid"
}

var transitions = map[TXStatus][]TXStatus{
	TXNEW:         {TXOPENING, TXCLOSED},
	TXOPENING:     {TXCONNECTED, TXROLLINGBACK, TXCLOSED},
	TXCONNECTED:   {TXEXECUTING, TXROLLINGBACK},
	TXEXECUTING:   {TXAWAITCOMMIT, TXROLLINGBACK},
	TXAWAITCOMMIT: {TXEXECUTING, TXCOMMITTING, TXROLLINGBACK},
	TXCOMMITTING:  {TXCLOSED, TXROLLINGBACK},
	TXROLLINGBACK: {TXCLOSED},
}

// CanTransit reports whether moving from s to next is a legal step.
// CLOSED is terminal.
func (s TXStatus) CanTransit(next TXStatus) bool {
	for _, st := range transitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TXStatus) Terminal() bool {
	return s == TXCLOSED
}
