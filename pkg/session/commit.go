package session

import (
	"context"
	"errors"
	"strconv"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/keyspace"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/types"
)

// ErrRace reports a commit lost to a concurrent writer. The executor
// retries the whole invocation with a fresh session.
var ErrRace = backend.ErrRace

// Commit assembles the pending operations into one atomic bundle and
// applies it. On success the session is closed and its rows must not be
// reused. On a race the identity map is discarded and ErrRace returned;
// on a unique violation UniqueViolation is returned and the call must not
// be retried.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return types.NewError(types.CodeLogicError, "session is closed")
	}
	if s.readOnly {
		s.closed = true
		return nil
	}

	bundle := &backend.Bundle{Cluster: s.tag}
	notes := map[string][]backend.RowChange{}

	for _, row := range s.entries {
		layout := s.binding.Layout(row.comp)
		switch row.state {
		case stateClean:
			continue
		case stateInsertPending:
			s.planInsert(bundle, layout, row)
			notes[layout.Topic()] = append(notes[layout.Topic()], backend.RowChange{
				ID: row.id, Kind: backend.ChangeInsert, Columns: columnNames(row.comp),
			})
		case stateUpdatePending:
			changed := changedColumns(row)
			if len(changed) == 0 {
				continue
			}
			s.planUpdate(bundle, layout, row, changed)
			notes[layout.Topic()] = append(notes[layout.Topic()], backend.RowChange{
				ID: row.id, Kind: backend.ChangeUpdate, Columns: changed,
			})
		case stateDeletePending:
			s.planDelete(bundle, layout, row)
			notes[layout.Topic()] = append(notes[layout.Topic()], backend.RowChange{
				ID: row.id, Kind: backend.ChangeDelete,
			})
		}
	}

	if len(bundle.Ops) == 0 {
		s.closed = true
		s.entries = nil
		return nil
	}

	for topic, rows := range notes {
		bundle.Notify = append(bundle.Notify, backend.Notification{Topic: topic, Rows: rows})
	}

	err := s.be.Commit(ctx, bundle)
	switch {
	case err == nil:
		s.closed = true
		s.entries = nil
		return nil
	case errors.Is(err, backend.ErrRace):
		s.Abort()
		return err
	case errors.Is(err, backend.ErrUnique):
		s.Abort()
		return types.WrapError(types.CodeUniqueViolation, err)
	default:
		s.Abort()
		return err
	}
}

func (s *Session) planInsert(bundle *backend.Bundle, layout keyspace.Layout, row *Row) {
	rowKey := layout.RowKey(row.id)
	bundle.Checks = append(bundle.Checks, backend.Check{Kind: backend.CheckNotExists, Key: rowKey})

	fields := encodeFields(row, 1)
	bundle.Ops = append(bundle.Ops, backend.Op{Kind: backend.OpPutRow, Key: rowKey, Fields: fields})

	for _, col := range row.comp.IndexedColumns() {
		value := row.data[col.Name]
		member, score := keyspace.IndexMember(col, value, row.id)
		if col.Unique {
			bundle.Checks = append(bundle.Checks, uniqueCheck(layout, col, value, row.id))
		}
		bundle.Ops = append(bundle.Ops, backend.Op{
			Kind: backend.OpAddIndex, Key: layout.IndexKey(col.Name), Score: score, Member: member,
		})
	}
}

func (s *Session) planUpdate(bundle *backend.Bundle, layout keyspace.Layout, row *Row, changed []string) {
	rowKey := layout.RowKey(row.id)
	bundle.Checks = append(bundle.Checks, backend.Check{
		Kind: backend.CheckVersion, Key: rowKey, Version: row.version,
	})

	fields := encodeFields(row, row.version+1)
	bundle.Ops = append(bundle.Ops, backend.Op{Kind: backend.OpPutRow, Key: rowKey, Fields: fields})

	changedSet := map[string]bool{}
	for _, name := range changed {
		changedSet[name] = true
	}
	for _, col := range row.comp.IndexedColumns() {
		if !changedSet[col.Name] {
			continue
		}
		oldMember, oldScore := keyspace.IndexMember(col, row.prior[col.Name], row.id)
		newMember, newScore := keyspace.IndexMember(col, row.data[col.Name], row.id)
		if col.Unique {
			bundle.Checks = append(bundle.Checks, uniqueCheck(layout, col, row.data[col.Name], row.id))
		}
		bundle.Ops = append(bundle.Ops,
			backend.Op{Kind: backend.OpDelIndex, Key: layout.IndexKey(col.Name), Score: oldScore, Member: oldMember},
			backend.Op{Kind: backend.OpAddIndex, Key: layout.IndexKey(col.Name), Score: newScore, Member: newMember},
		)
	}
}

func (s *Session) planDelete(bundle *backend.Bundle, layout keyspace.Layout, row *Row) {
	rowKey := layout.RowKey(row.id)
	bundle.Checks = append(bundle.Checks,
		backend.Check{Kind: backend.CheckExists, Key: rowKey},
		backend.Check{Kind: backend.CheckVersion, Key: rowKey, Version: row.version},
	)
	bundle.Ops = append(bundle.Ops, backend.Op{Kind: backend.OpDelRow, Key: rowKey})
	for _, col := range row.comp.IndexedColumns() {
		member, score := keyspace.IndexMember(col, row.prior[col.Name], row.id)
		bundle.Ops = append(bundle.Ops, backend.Op{
			Kind: backend.OpDelIndex, Key: layout.IndexKey(col.Name), Score: score, Member: member,
		})
	}
}

// uniqueCheck asserts no live row other than this one holds the value.
// Members deleted in the same bundle are ignored by the backend, which is
// what permits swapping unique values within one transaction.
func uniqueCheck(layout keyspace.Layout, col schema.Column, value any, id uint64) backend.Check {
	check := backend.Check{
		Kind:     backend.CheckUniqueFree,
		IndexKey: layout.IndexKey(col.Name),
		SelfID:   strconv.FormatUint(id, 10),
	}
	if col.Type.Kind.Numeric() {
		check.Numeric = true
		check.Score = col.Type.Score(value)
	} else {
		check.Prefix = col.Type.Encode(value) + ":"
	}
	return check
}

func encodeFields(row *Row, version uint64) map[string]string {
	fields := make(map[string]string, len(row.comp.Columns)+2)
	fields[schema.ColID] = strconv.FormatUint(row.id, 10)
	fields[schema.ColVersion] = strconv.FormatUint(version, 10)
	for _, col := range row.comp.Columns {
		fields[col.Name] = col.Type.Encode(row.data[col.Name])
	}
	return fields
}

func changedColumns(row *Row) []string {
	var out []string
	for _, col := range row.comp.Columns {
		if col.Type.Encode(row.data[col.Name]) != col.Type.Encode(row.prior[col.Name]) {
			out = append(out, col.Name)
		}
	}
	return out
}

func columnNames(comp *schema.Component) []string {
	out := make([]string, len(comp.Columns))
	for i, col := range comp.Columns {
		out[i] = col.Name
	}
	return out
}
