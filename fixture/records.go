package fixture

import (
	"context"
	"fmt"

	"github.com/guseggert/clusterfixture/db"
)

// Records returns the number of records in the default set.
func (c *Controller) Records(ctx context.Context) (int, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Running {
		return 0, ErrNotRunning
	}
	return c.conn.Count(ctx, c.cfg.Namespace, c.cfg.Set)
}

// Record reads the record with the integer key from the default set.
// It returns an error wrapping db.ErrRecordNotFound if there is none.
func (c *Controller) Record(ctx context.Context, key int64) (db.Bins, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Running {
		return nil, ErrNotRunning
	}
	return c.conn.Get(ctx, c.cfg.Namespace, c.cfg.Set, key)
}

// ScanRecords returns the bins of every record in the default set.
func (c *Controller) ScanRecords(ctx context.Context) ([]db.Bins, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Running {
		return nil, ErrNotRunning
	}
	return c.conn.Scan(ctx, c.cfg.Namespace, c.cfg.Set)
}

// RecordCheck validates the bins of one record.
type RecordCheck func(key int64, bins db.Bins) error

// RangeError is returned by CheckRange when the default set does not hold exactly the keys [Start, End).
type RangeError struct {
	Start, End int64
	// Scanned is the number of records found by the scan.
	Scanned int
	// Key and Err are the first key in the range that failed and why. Err is nil when only the count was wrong.
	Key int64
	Err error
}

func (e *RangeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("expected %d records for keys [%d, %d), scan found %d", e.End-e.Start, e.Start, e.End, e.Scanned)
	}
	return fmt.Sprintf("keys [%d, %d): key %d: %s", e.Start, e.End, e.Key, e.Err)
}

func (e *RangeError) Unwrap() error { return e.Err }

// CheckRange checks that the default set holds exactly one record for each key in [start, end).
// The set is scanned for its size, then every key is read and passed to the checks.
func (c *Controller) CheckRange(ctx context.Context, start, end int64, checks ...RecordCheck) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Running {
		return ErrNotRunning
	}
	ns, set := c.cfg.Namespace, c.cfg.Set

	recs, err := c.conn.Scan(ctx, ns, set)
	if err != nil {
		return err
	}
	if int64(len(recs)) != end-start {
		return &RangeError{Start: start, End: end, Scanned: len(recs)}
	}

	for k := start; k < end; k++ {
		bins, err := c.conn.Get(ctx, ns, set, k)
		if err != nil {
			return &RangeError{Start: start, End: end, Scanned: len(recs), Key: k, Err: err}
		}
		for _, check := range checks {
			err := check(k, bins)
			if err != nil {
				return &RangeError{Start: start, End: end, Scanned: len(recs), Key: k, Err: err}
			}
		}
	}
	return nil
}
