// Package dbtest provides an in-memory db.Database for tests.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/clusterfixture/db"
)

// Fake is an in-memory db.Database. Records are keyed by namespace.set and then by integer user key.
type Fake struct {
	mut sync.Mutex

	Records map[string]map[int64]db.Bins
	Modules map[string]bool
	Indexes map[string]bool
	Closed  bool

	// Fail, if set, is consulted before every operation and its error is returned if non-nil.
	Fail func(op, name string) error
}

var _ db.Database = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		Records: map[string]map[int64]db.Bins{},
		Modules: map[string]bool{},
		Indexes: map[string]bool{},
	}
}

func key(namespace, set string) string { return namespace + "." + set }

func (f *Fake) fail(op, name string) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(op, name)
}

// Put adds n records with empty bins to the set, under the lowest keys from 0 up that are not taken yet.
func (f *Fake) Put(namespace, set string, n int) {
	f.mut.Lock()
	defer f.mut.Unlock()
	recs := f.set(namespace, set)
	for k := int64(0); n > 0; k++ {
		if _, ok := recs[k]; !ok {
			recs[k] = db.Bins{}
			n--
		}
	}
}

// PutRecord stores bins under key, replacing any record already there.
func (f *Fake) PutRecord(namespace, set string, k int64, bins db.Bins) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.set(namespace, set)[k] = bins
}

// Delete removes the record under key, if any.
func (f *Fake) Delete(namespace, set string, k int64) {
	f.mut.Lock()
	defer f.mut.Unlock()
	delete(f.Records[key(namespace, set)], k)
}

func (f *Fake) set(namespace, set string) map[int64]db.Bins {
	recs, ok := f.Records[key(namespace, set)]
	if !ok {
		recs = map[int64]db.Bins{}
		f.Records[key(namespace, set)] = recs
	}
	return recs
}

func (f *Fake) Truncate(ctx context.Context, namespace, set string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if err := f.fail("truncate", key(namespace, set)); err != nil {
		return err
	}
	delete(f.Records, key(namespace, set))
	return nil
}

func (f *Fake) RegisterUDF(ctx context.Context, clientPath, module string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if err := f.fail("register_udf", module); err != nil {
		return err
	}
	f.Modules[module] = true
	return nil
}

func (f *Fake) RemoveUDF(ctx context.Context, module string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if err := f.fail("remove_udf", module); err != nil {
		return err
	}
	if !f.Modules[module] {
		return fmt.Errorf("UDF %q not found", module)
	}
	delete(f.Modules, module)
	return nil
}

func (f *Fake) UDFs(ctx context.Context) ([]string, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	var modules []string
	for m := range f.Modules {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules, nil
}

func (f *Fake) CreateIndex(ctx context.Context, namespace, set, name, bin string, indexType db.IndexType) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if err := f.fail("create_index", name); err != nil {
		return err
	}
	f.Indexes[name] = true
	return nil
}

func (f *Fake) DropIndex(ctx context.Context, namespace, set, name string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if err := f.fail("drop_index", name); err != nil {
		return err
	}
	if !f.Indexes[name] {
		return fmt.Errorf("dropping index %q: %w", name, db.ErrIndexNotFound)
	}
	delete(f.Indexes, name)
	return nil
}

func (f *Fake) Get(ctx context.Context, namespace, set string, k int64) (db.Bins, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if err := f.fail("get", key(namespace, set)); err != nil {
		return nil, err
	}
	bins, ok := f.Records[key(namespace, set)][k]
	if !ok {
		return nil, fmt.Errorf("getting %s key %d: %w", key(namespace, set), k, db.ErrRecordNotFound)
	}
	return bins, nil
}

// Scan returns the records ordered by key.
func (f *Fake) Scan(ctx context.Context, namespace, set string) ([]db.Bins, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if err := f.fail("scan", key(namespace, set)); err != nil {
		return nil, err
	}
	recs := f.Records[key(namespace, set)]
	keys := make([]int64, 0, len(recs))
	for k := range recs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var out []db.Bins
	for _, k := range keys {
		out = append(out, recs[k])
	}
	return out, nil
}

func (f *Fake) Count(ctx context.Context, namespace, set string) (int, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	return len(f.Records[key(namespace, set)]), nil
}

func (f *Fake) Close() error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (f *Fake) IsClosed() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.Closed
}

// Dialer returns a dialer that fails the first failures attempts and then returns f.
func (f *Fake) Dialer(failures int) *CountingDialer {
	return &CountingDialer{DB: f, Failures: failures}
}

type CountingDialer struct {
	DB       db.Database
	Failures int

	mut     sync.Mutex
	Calls   int
	Targets []db.Target
}

func (d *CountingDialer) Dial(ctx context.Context, target db.Target) (db.Database, error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.Calls++
	d.Targets = append(d.Targets, target)
	if d.Calls <= d.Failures {
		return nil, fmt.Errorf("connection refused (attempt %d)", d.Calls)
	}
	return d.DB, nil
}
