// pkg/mvcc/store.go
package mvcc

import (
	"errors"
	"sync"

	"turepoch/pkg/epochsys"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

// gcTid is the single thread slot VersionedStore reserves in its EpochSys.
// All of the store's writes already serialize through mu, so one slot is
// enough to bracket retirement of superseded versions.
const gcTid = 0

// VersionedStore provides MVCC-based transactional access to version chains,
// with old versions retired through epochsys once no active transaction
// could possibly still see them.
type VersionedStore struct {
	mu               sync.RWMutex
	txManager        *TransactionManager
	conflictDetector *ConflictDetector
	versionChains    map[string]*VersionChain // Key -> version chain
	sys              *epochsys.EpochSys
}

// StoreStats contains statistics about the store
type StoreStats struct {
	ActiveTransactions int
	TotalVersionChains int
	Pending            int // versions retired but not yet reclaimed
}

// NewVersionedStore creates a new versioned, in-memory MVCC store.
func NewVersionedStore() *VersionedStore {
	registry := epochsys.NewTypeRegistry()
	cfg := epochsys.DefaultConfig()
	cfg.NThreads = 1
	sys := epochsys.NewEpochSys(cfg, epochsys.NewMemChunkStore(0), registry, 1)

	return &VersionedStore{
		txManager:        NewTransactionManager(),
		conflictDetector: NewConflictDetector(),
		versionChains:    make(map[string]*VersionChain),
		sys:              sys,
	}
}

// Close shuts down the store's epoch subsystem, reclaiming anything still
// pending.
func (s *VersionedStore) Close() error {
	return s.sys.Close()
}

// Begin starts a new transaction
func (s *VersionedStore) Begin() *Transaction {
	return s.txManager.Begin()
}

// Commit commits a transaction
func (s *VersionedStore) Commit(tx *Transaction) error {
	if !tx.IsActive() {
		return ErrTxNotActive
	}

	// Commit the transaction
	err := s.txManager.Commit(tx)
	if err != nil {
		return err
	}

	// Clean up conflict detector
	s.conflictDetector.OnCommit(tx)

	return nil
}

// Rollback aborts a transaction and discards its changes
func (s *VersionedStore) Rollback(tx *Transaction) error {
	if !tx.IsActive() {
		return ErrTxNotActive
	}

	// Mark versions created by this transaction as aborted
	s.rollbackVersions(tx)

	// Abort the transaction
	s.txManager.Rollback(tx)

	// Clean up conflict detector
	s.conflictDetector.OnAbort(tx)

	return nil
}

// rollbackVersions marks the head of each version chain as deleted if the
// transaction created it; versions below the head are not examined.
func (s *VersionedStore) rollbackVersions(tx *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID := tx.ID()

	for _, chain := range s.versionChains {
		// Only the chain head is checked for a version created by this tx
		head := chain.Head()
		if head != nil && head.CreatedBy() == txID {
			// The head was created by this transaction - mark it as deleted
			// so it becomes invisible. In a real implementation, we might
			// actually remove it from the chain.
			head.MarkDeleted(txID)
		}
	}
}

// Get retrieves the value for a key, returning the version visible to the transaction
func (s *VersionedStore) Get(tx *Transaction, key []byte) ([]byte, error) {
	s.mu.RLock()
	chain := s.versionChains[string(key)]
	s.mu.RUnlock()

	if chain == nil {
		return nil, ErrKeyNotFound
	}

	// Find visible version
	version := FindVisibleVersion(chain, tx, s.txManager)
	if version == nil {
		return nil, ErrKeyNotFound
	}

	return version.Data(), nil
}

// Put stores a key-value pair, creating a new version
func (s *VersionedStore) Put(tx *Transaction, key, value []byte) error {
	if !tx.IsActive() {
		return ErrTxNotActive
	}

	// Check for write-write conflict
	ws := NewWriteSet()
	ws.Add(key)

	err := s.conflictDetector.CheckConflict(tx, ws)
	if err != nil {
		return err
	}

	// Register the write
	s.conflictDetector.RegisterWrites(tx, ws)

	// Create new version
	s.mu.Lock()
	defer s.mu.Unlock()

	keyStr := string(key)
	chain := s.versionChains[keyStr]
	if chain == nil {
		chain = NewVersionChain(key)
		s.versionChains[keyStr] = chain
	}

	// If there's a visible version created by a different committed transaction,
	// it's about to be superseded by the new one. It stays reachable from the
	// chain (older readers may still need it) but epochsys now tracks it as
	// pending retirement, so it gets reclaimed once no active epoch can see it.
	oldVersion := FindVisibleVersion(chain, tx, s.txManager)
	if oldVersion != nil && oldVersion.CreatedBy() != tx.ID() {
		if _, err := s.sys.BeginOp(gcTid); err == nil {
			_ = s.sys.Retire(gcTid, oldVersion)
			_ = s.sys.EndOp(gcTid)
		}
	}

	// Add new version
	version := NewRowVersion(value, tx.ID())
	chain.AddVersion(version)

	return nil
}

// Delete deletes a key
func (s *VersionedStore) Delete(tx *Transaction, key []byte) error {
	if !tx.IsActive() {
		return ErrTxNotActive
	}

	// Check for write-write conflict
	ws := NewWriteSet()
	ws.Add(key)

	err := s.conflictDetector.CheckConflict(tx, ws)
	if err != nil {
		return err
	}

	// Register the write
	s.conflictDetector.RegisterWrites(tx, ws)

	s.mu.Lock()
	defer s.mu.Unlock()

	keyStr := string(key)
	chain := s.versionChains[keyStr]
	if chain == nil {
		// Key doesn't exist - nothing to delete
		return nil
	}

	// Find the visible version and mark it as deleted
	version := FindVisibleVersion(chain, tx, s.txManager)
	if version != nil {
		version.MarkDeleted(tx.ID())
	}

	return nil
}

// Stats returns statistics about the store
func (s *VersionedStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, retire, construction := s.sys.PendingCounts()
	return StoreStats{
		ActiveTransactions: len(s.txManager.ActiveTransactions()),
		TotalVersionChains: len(s.versionChains),
		Pending:            retire + construction,
	}
}

// GarbageCollect prunes version chain entries no active transaction can
// still see, then calls epochsys's Flush, which makes one epoch advance
// attempt: versions Put retired two or more epochs before the new epoch
// are reclaimed, and more recent retirees wait for later advances.
func (s *VersionedStore) GarbageCollect() {
	minTS := s.txManager.MinActiveTimestamp()

	s.mu.Lock()
	for _, chain := range s.versionChains {
		chain.PruneOldVersions(s.txManager, minTS)
	}
	s.mu.Unlock()

	s.sys.Flush()
}
