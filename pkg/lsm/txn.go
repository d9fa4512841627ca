package lsm

import "github.com/google/uuid"

// txnKind identifies the operation a txnOp represents.
type txnKind uint8

const (
	txnPut txnKind = iota + 1
	txnDelete
)

// txnOp is one staged mutation within a Txn, carrying enough to reverse
// itself on rollback (spec §4.9, Open Question 3).
type txnOp struct {
	kind      txnKind
	key       []byte
	value     []byte
	ttl       int64
	rollback  *txnOp
	committed bool
}

// Txn batches PUT/DELETE operations against a single column family so they
// commit or roll back together (spec §3/§4.9). Ordering is the Ops slice
// index; ID is a diagnostic identifier only.
type Txn struct {
	CFName string
	Ops    []*txnOp
	ID     uuid.UUID
}

// TxnBegin opens a new transaction against cfName.
func TxnBegin(cfName string) *Txn {
	return &Txn{CFName: cfName, ID: uuid.New()}
}

// TxnPut stages a put.
func TxnPut(txn *Txn, key, value []byte, ttl int64) {
	txn.Ops = append(txn.Ops, &txnOp{kind: txnPut, key: key, value: value, ttl: ttl})
}

// TxnDelete stages a delete, resolving Open Question 3: it reads the
// column family's current value for key right now and stashes a rollback
// op that restores it (a put of the prior value, or a delete if the key
// was absent), so rollback is always well-defined rather than a lossy
// empty-value put.
func TxnDelete(db *DB, txn *Txn, key []byte) *Error {
	cf, err := db.lookupColumnFamily(txn.CFName)
	if err != nil {
		return err
	}
	op := &txnOp{kind: txnDelete, key: key}

	prior, found, gerr := db.getFromColumnFamily(cf, key)
	if gerr != nil && gerr.Kind != KindKeyNotFound && gerr.Kind != KindKeyTombstoned && gerr.Kind != KindKeyExpired {
		return gerr
	}
	if found {
		op.rollback = &txnOp{kind: txnPut, key: key, value: prior.Value, ttl: prior.TTL}
	} else {
		op.rollback = &txnOp{kind: txnDelete, key: key}
	}
	txn.Ops = append(txn.Ops, op)
	return nil
}

// TxnCommit logs every not-yet-committed op to the WAL, exactly as Put and
// Delete do for a single mutation, then applies them to the memtable one at
// a time under cf.FlushLock's read side and checks the flush threshold
// exactly like Put does. Each op takes the memtable's write lock on its own;
// no lock is held across the whole batch, so a concurrent reader can observe
// some of a transaction's ops applied before the rest. Logging precedes
// applying so a crash between the two always recovers via WAL replay (spec
// §4.1) rather than silently losing a committed transaction's writes.
func TxnCommit(db *DB, txn *Txn) *Error {
	cf, err := db.acquireWriter(txn.CFName)
	if err != nil {
		return err
	}
	defer db.writersWG.Done()

	for _, op := range txn.Ops {
		if op.committed {
			continue
		}
		if werr := db.wal.Append(txnOpToOperation(txn.CFName, op), db.config.CompressedWAL); werr != nil {
			return werr
		}
	}

	cf.FlushLock.RLock()
	for _, op := range txn.Ops {
		if op.committed {
			continue
		}
		applyTxnOp(cf, op)
		op.committed = true
	}
	cf.FlushLock.RUnlock()

	db.maybeEnqueueFlush(cf)
	return nil
}

// txnOpToOperation translates a staged txnOp into the same operation
// wire-shape Put/Delete log, so WAL replay (which only knows opPut/opDel)
// needs no transaction-specific handling.
func txnOpToOperation(cfName string, op *txnOp) operation {
	switch op.kind {
	case txnDelete:
		return operation{Op: opDel, ColumnFamily: cfName, KV: KV{Key: op.key}}
	default:
		return operation{Op: opPut, ColumnFamily: cfName, KV: KV{Key: op.key, Value: op.value, TTL: op.ttl}}
	}
}

// TxnRollback undoes every committed op in reverse order by applying its
// stashed rollback, or, for a put (which stashes none), a delete of its key.
func TxnRollback(db *DB, txn *Txn) *Error {
	cf, err := db.lookupColumnFamily(txn.CFName)
	if err != nil {
		return err
	}

	cf.FlushLock.RLock()
	for i := len(txn.Ops) - 1; i >= 0; i-- {
		op := txn.Ops[i]
		if !op.committed {
			continue
		}
		if op.rollback != nil {
			applyTxnOp(cf, op.rollback)
		} else {
			// A PUT carries no stored rollback record (spec §3: "a PUT op
			// has no rollback_op - applied idempotently... by issuing a
			// delete in the memtable"), so its rollback is always a delete
			// of the key it wrote.
			cf.Memtable.Delete(op.key)
		}
		op.committed = false
	}
	cf.FlushLock.RUnlock()
	return nil
}

// TxnFree drops a transaction's staged ops. A no-op on a GC'd runtime, kept
// for symmetry with the spec's explicit begin/mutate/commit-or-free
// lifecycle.
func TxnFree(txn *Txn) {
	txn.Ops = nil
}

func applyTxnOp(cf *ColumnFamily, op *txnOp) {
	switch op.kind {
	case txnPut:
		cf.Memtable.Put(KV{Key: op.key, Value: op.value, TTL: op.ttl})
	case txnDelete:
		cf.Memtable.Delete(op.key)
	}
}
