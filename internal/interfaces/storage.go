package interfaces

// StorageManager owns the database and the stores built on it
type StorageManager interface {
	WatchListStorage() WatchListStorage
	Close() error
}
