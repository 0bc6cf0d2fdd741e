package vecbit

// Close stops background work, syncs the log and releases all segments.
// Records not yet checkpointed stay in the log and are replayed by the next
// Open. Calling Close more than once is safe and returns the first result.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	db.closeOnce.Do(func() {
		close(db.stop)
		db.wg.Wait()
		db.closeErr = translateError(db.eng.Close())
	})
	return db.closeErr
}
