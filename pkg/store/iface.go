// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. The replica depends on
// StoreInterface instead of *Store, so tests can inject a store that fails
// or records calls.
package store

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Checkpoints ---

	// SaveCheckpoint atomically replaces the stored checkpoint.
	SaveCheckpoint(cp *Checkpoint) error

	// LoadCheckpoint returns the stored checkpoint; found is false if none.
	LoadCheckpoint() (cp *Checkpoint, found bool, err error)

	// Summarize counts what the stored checkpoint holds.
	Summarize() (Summary, error)

	// --- Watermark ---

	// SaveWatermark records per-origin garbage-collection points. Points
	// never move backwards.
	SaveWatermark(points []int64) error

	// LoadWatermark returns the points for n origins.
	LoadWatermark(n int) ([]int64, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
