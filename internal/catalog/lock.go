package catalog

import (
	"fmt"
	"time"
)

// acquireWriter takes the single-writer advisory lock, waiting with
// exponential backoff up to the configured timeout. A lock whose expires_at
// has passed is treated as abandoned and stolen.
func (c *SQLite) acquireWriter() error {
	deadline := time.Now().Add(c.lockTimeout)
	backoff := 10 * time.Millisecond

	for {
		ok, err := c.tryAcquireWriter()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
}

// tryAcquireWriter attempts one lock acquisition.
func (c *SQLite) tryAcquireWriter() (bool, error) {
	now := time.Now().UnixMilli()
	expires := now + c.lockTTL.Milliseconds()

	// Claim the row if it is free, expired, or already ours. The single
	// UPDATE-or-INSERT pair keeps the claim atomic under sqlite's writer.
	res, err := c.db.Exec(`
		UPDATE writer_lock
		SET holder_id = ?, acquired_at = ?, expires_at = ?
		WHERE id = 1 AND (holder_id = ? OR expires_at < ?)`,
		c.holderID, now, expires, c.holderID, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim writer lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	res, err = c.db.Exec(`
		INSERT OR IGNORE INTO writer_lock (id, holder_id, acquired_at, expires_at)
		VALUES (1, ?, ?, ?)`,
		c.holderID, now, expires,
	)
	if err != nil {
		return false, fmt.Errorf("insert writer lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// releaseWriter drops the lock if we still hold it.
func (c *SQLite) releaseWriter() {
	c.db.Exec(`DELETE FROM writer_lock WHERE id = 1 AND holder_id = ?`, c.holderID)
}
