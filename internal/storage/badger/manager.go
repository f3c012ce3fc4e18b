package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	watchList interfaces.WatchListStorage
	logger    arbor.ILogger
}

// NewManager opens the database and builds the stores on top of it
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("path", config.Path).Msg("Badger storage manager initialized")

	return &Manager{
		db:        db,
		watchList: NewWatchListStorage(db, logger),
		logger:    logger,
	}, nil
}

// WatchListStorage returns the persisted set of watched job ids
func (m *Manager) WatchListStorage() interfaces.WatchListStorage {
	return m.watchList
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
