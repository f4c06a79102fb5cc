package store

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetention is how long pulled rows stay in the cache before the purge
// pass drops them.
const DefaultRetention = 24 * time.Hour

// PurgeExpired removes rows whose cached_at stamp is older than the retention
// window, across every collection. Rows that were never stamped (cached_at 0)
// are kept. Returns the number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	var total int64
	for _, collection := range Collections() {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE cached_at > 0 AND cached_at < ?`, collection), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", collection, err)
		}
		n, err := res.RowsAffected()
		if err == nil && n > 0 {
			total += n
			s.logger.Debug("purged expired cache rows", "collection", collection, "rows", n)
		}
	}
	return total, nil
}
