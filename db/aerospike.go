package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	as "github.com/aerospike/aerospike-client-go/v6"
	"github.com/aerospike/aerospike-client-go/v6/types"
)

const udfSuffix = ".lua"

// AerospikeDialer connects to an Aerospike cluster through a single seed host.
type AerospikeDialer struct {
	// Timeout bounds the initial cluster tend when connecting. Zero uses the client default.
	Timeout time.Duration
}

func (d *AerospikeDialer) Dial(ctx context.Context, target Target) (Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	policy := as.NewClientPolicy()
	if d.Timeout > 0 {
		policy.Timeout = d.Timeout
	}
	client, err := as.NewClientWithPolicyAndHost(policy, as.NewHost(target.Host, target.Port))
	if err != nil {
		return nil, fmt.Errorf("opening Aerospike client: %w", err)
	}
	return &Aerospike{client: client}, nil
}

// Aerospike implements Database on top of the Aerospike Go client.
// The client is not context aware, so ctx is only checked before each call.
type Aerospike struct {
	client *as.Client
}

var _ Database = (*Aerospike)(nil)

func (a *Aerospike) Client() *as.Client {
	return a.client
}

func (a *Aerospike) Truncate(ctx context.Context, namespace, set string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.client.Truncate(nil, namespace, strings.TrimSpace(set), nil); err != nil {
		return fmt.Errorf("truncating %s.%s: %w", namespace, set, err)
	}
	return nil
}

func (a *Aerospike) RegisterUDF(ctx context.Context, clientPath, module string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task, err := a.client.RegisterUDFFromFile(nil, clientPath, module+udfSuffix, as.LUA)
	if err != nil {
		return fmt.Errorf("registering UDF %q: %w", module, err)
	}
	return waitTask(ctx, task.OnComplete(), "registering UDF "+module)
}

func (a *Aerospike) RemoveUDF(ctx context.Context, module string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task, err := a.client.RemoveUDF(nil, module+udfSuffix)
	if err != nil {
		return fmt.Errorf("removing UDF %q: %w", module, err)
	}
	return waitTask(ctx, task.OnComplete(), "removing UDF "+module)
}

func (a *Aerospike) UDFs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	udfs, err := a.client.ListUDF(nil)
	if err != nil {
		return nil, fmt.Errorf("listing UDFs: %w", err)
	}
	var modules []string
	for _, u := range udfs {
		modules = append(modules, strings.TrimSuffix(u.Filename, udfSuffix))
	}
	return modules, nil
}

func (a *Aerospike) CreateIndex(ctx context.Context, namespace, set, name, bin string, indexType IndexType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	asType := as.NUMERIC
	if indexType == StringIndex {
		asType = as.STRING
	}
	task, err := a.client.CreateIndex(nil, namespace, set, name, bin, asType)
	if err != nil {
		return fmt.Errorf("creating index %q: %w", name, err)
	}
	return waitTask(ctx, task.OnComplete(), "creating index "+name)
}

func (a *Aerospike) DropIndex(ctx context.Context, namespace, set, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := a.client.DropIndex(nil, namespace, set, name)
	if err != nil {
		if err.Matches(types.INDEX_NOTFOUND) {
			return fmt.Errorf("dropping index %q: %w", name, ErrIndexNotFound)
		}
		return fmt.Errorf("dropping index %q: %w", name, err)
	}
	return nil
}

func (a *Aerospike) Get(ctx context.Context, namespace, set string, key int64) (Bins, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := as.NewKey(namespace, set, key)
	if err != nil {
		return nil, fmt.Errorf("building key %d: %w", key, err)
	}
	rec, err := a.client.Get(nil, k)
	if err != nil {
		if err.Matches(types.KEY_NOT_FOUND_ERROR) {
			return nil, fmt.Errorf("getting %s.%s key %d: %w", namespace, set, key, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("getting %s.%s key %d: %w", namespace, set, key, err)
	}
	return Bins(rec.Bins), nil
}

func (a *Aerospike) Scan(ctx context.Context, namespace, set string) ([]Bins, error) {
	var recs []Bins
	err := a.scan(ctx, namespace, set, func(rec *as.Record) {
		recs = append(recs, Bins(rec.Bins))
	})
	return recs, err
}

func (a *Aerospike) Count(ctx context.Context, namespace, set string) (int, error) {
	n := 0
	err := a.scan(ctx, namespace, set, func(*as.Record) { n++ })
	return n, err
}

func (a *Aerospike) scan(ctx context.Context, namespace, set string, f func(rec *as.Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rs, err := a.client.ScanAll(nil, namespace, set)
	if err != nil {
		return fmt.Errorf("scanning %s.%s: %w", namespace, set, err)
	}
	defer rs.Close()
	for res := range rs.Results() {
		if res.Err != nil {
			return fmt.Errorf("scanning %s.%s: %w", namespace, set, res.Err)
		}
		f(res.Record)
	}
	return nil
}

func (a *Aerospike) Close() error {
	a.client.Close()
	return nil
}

func waitTask(ctx context.Context, done <-chan as.Error, what string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", what, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		return nil
	}
}
