package qdb

import (
	"context"
	"encoding/json"
	"path"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const sequenceNamespace = "/sequences/"

func sequenceNodePath(name string) string {
	return path.Join(sequenceNamespace, name)
}

// EtcdQDB keeps each SequenceRow as a JSON value under /sequences/<name>.
type EtcdQDB struct {
	cli *clientv3.Client
}

var _ SequenceStore = &EtcdQDB{}

func NewEtcdQDB(addr string) (*EtcdQDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr},
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONNECTION, err)
	}

	txlog.Zero.Debug().
		Str("address", addr).
		Msg("etcdqdb: NewEtcdQDB")

	return &EtcdQDB{
		cli: cli,
	}, nil
}

func (q *EtcdQDB) Session(ctx context.Context) (SequenceSession, error) {
	return &etcdSession{
		q:    q,
		seen: map[string]int64{},
		rows: map[string]SequenceRow{},
	}, nil
}

func (q *EtcdQDB) Close() error {
	return q.cli.Close()
}

// etcdSession remembers the mod revision of every row it has read, so that
// updates compare on it. Every write is a single etcd transaction.
type etcdSession struct {
	q    *EtcdQDB
	seen map[string]int64
	rows map[string]SequenceRow
}

func (s *etcdSession) GetSequence(ctx context.Context, name string) (*SequenceRow, error) {
	txlog.Zero.Debug().Str("sequence", name).Msg("etcdqdb: get sequence")

	resp, err := s.q.cli.Get(ctx, sequenceNodePath(name))
	if err != nil {
		return nil, txerror.Wrap(txerror.TX_CONNECTION, errors.Wrapf(err, "read sequence %q", name))
	}
	switch len(resp.Kvs) {
	case 0:
		delete(s.seen, name)
		delete(s.rows, name)
		return nil, nil
	case 1:
		row := &SequenceRow{}
		if err := json.Unmarshal(resp.Kvs[0].Value, row); err != nil {
			return nil, txerror.Wrap(txerror.TX_STORE_EXECUTION, errors.Wrapf(err, "decode sequence %q", name))
		}
		s.seen[name] = resp.Kvs[0].ModRevision
		s.rows[name] = *row
		return row, nil
	default:
		return nil, txerror.Newf(txerror.TX_STORE_EXECUTION, "too much sequences matched: %d", len(resp.Kvs))
	}
}

func (s *etcdSession) CreateSequence(ctx context.Context, row *SequenceRow) (bool, error) {
	txlog.Zero.Debug().Interface("row", row).Msg("etcdqdb: create sequence")

	key := sequenceNodePath(row.Name)
	data, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	resp, err := s.q.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return false, txerror.Wrap(txerror.TX_CONNECTION, errors.Wrapf(err, "create sequence %q", row.Name))
	}
	return resp.Succeeded, nil
}

func (s *etcdSession) UpdateSequence(ctx context.Context, prev *SequenceRow, next Version) (bool, error) {
	txlog.Zero.Debug().
		Str("sequence", prev.Name).
		Int64("prev boundary", prev.NextBoundary).
		Int64("next boundary", next.NextBoundary).
		Msg("etcdqdb: update sequence")

	rev, ok := s.seen[prev.Name]
	if !ok || !s.rowMatches(prev) {
		/* the token was not read through this session, refresh it */
		cur, err := s.GetSequence(ctx, prev.Name)
		if err != nil {
			return false, err
		}
		if cur == nil || !cur.Matches(prev.Version()) {
			return false, nil
		}
		rev = s.seen[prev.Name]
	}

	updated := *prev
	updated.NextBoundary = next.NextBoundary
	updated.LastUpdate = next.LastUpdate
	data, err := json.Marshal(&updated)
	if err != nil {
		return false, err
	}

	key := sequenceNodePath(prev.Name)
	resp, err := s.q.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return false, txerror.Wrap(txerror.TX_CONNECTION, errors.Wrapf(err, "update sequence %q", prev.Name))
	}
	return resp.Succeeded, nil
}

func (s *etcdSession) rowMatches(prev *SequenceRow) bool {
	r, ok := s.rows[prev.Name]
	return ok && r.Matches(prev.Version())
}

func (s *etcdSession) Commit(ctx context.Context) error {
	return nil
}

func (s *etcdSession) Close(ctx context.Context) error {
	return nil
}
