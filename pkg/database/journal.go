package database

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrJournalDisabled is returned by reads on a nil Journal
var ErrJournalDisabled = errors.New("session journal disabled")

type journalOp struct {
	key       uint64
	connect   bool
	name      string
	addr      string
	transport string
	at        time.Time
	reason    string
}

// Journal records connection lifecycles to SQLite without ever blocking the
// caller: operations go through a bounded queue drained by one writer
// goroutine, and are dropped (and counted) when the queue is full.
//
// A nil *Journal is valid and does nothing, so the server can run without a
// database configured.
type Journal struct {
	db      *DB
	ops     chan journalOp
	rows    map[uint64]int64 // connection key -> Session row ID, writer goroutine only
	dropped atomic.Int64
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewJournal starts the writer goroutine for db
func NewJournal(db *DB, queueSize int) *Journal {
	if queueSize <= 0 {
		queueSize = 256
	}
	j := &Journal{
		db:   db,
		ops:  make(chan journalOp, queueSize),
		rows: make(map[uint64]int64),
	}

	if n, err := db.CloseOpenSessions(time.Now(), "server restart"); err != nil {
		log.Printf("Journal: failed to settle open sessions: %v", err)
	} else if n > 0 {
		log.Printf("Journal: settled %d sessions left open by a previous run", n)
	}

	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Connected queues a new session row for the connection identified by key
func (j *Journal) Connected(key uint64, name, addr, transport string, at time.Time) {
	j.enqueue(journalOp{key: key, connect: true, name: name, addr: addr, transport: transport, at: at})
}

// Disconnected queues the disconnect stamp for the connection identified by key
func (j *Journal) Disconnected(key uint64, at time.Time, reason string) {
	j.enqueue(journalOp{key: key, at: at, reason: reason})
}

// Dropped returns how many operations were discarded because the queue was full
func (j *Journal) Dropped() int64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Recent returns up to limit sessions, newest first
func (j *Journal) Recent(limit int) ([]SessionRecord, error) {
	if j == nil {
		return nil, ErrJournalDisabled
	}
	return j.db.RecentSessions(limit)
}

// Close drains pending operations and closes the database
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var err error
	j.closeOnce.Do(func() {
		close(j.ops)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

func (j *Journal) enqueue(op journalOp) {
	if j == nil {
		return
	}
	select {
	case j.ops <- op:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for op := range j.ops {
		if op.connect {
			id, err := j.db.InsertSession(op.name, op.addr, op.transport, op.at)
			if err != nil {
				log.Printf("Journal: %v", err)
				continue
			}
			j.rows[op.key] = id
			continue
		}

		id, ok := j.rows[op.key]
		if !ok {
			continue
		}
		delete(j.rows, op.key)
		if err := j.db.CloseSession(id, op.at, op.reason); err != nil {
			log.Printf("Journal: %v", err)
		}
	}
}
