// Package db is the fixture's view of the database: the handful of client operations needed to
// reset a cluster between tests and to inspect its contents, plus connecting with retries.
package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 3000
)

var (
	// ErrIndexNotFound is returned by DropIndex when the index does not exist.
	ErrIndexNotFound = errors.New("index not found")
	// ErrRecordNotFound is returned by Get when no record has the key.
	ErrRecordNotFound = errors.New("record not found")
)

// Bins are a record's bin values by bin name.
type Bins map[string]interface{}

type IndexType int

const (
	NumericIndex IndexType = iota
	StringIndex
)

func (t IndexType) String() string {
	switch t {
	case NumericIndex:
		return "numeric"
	case StringIndex:
		return "string"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Target is the address of a cluster node accepting client connections.
type Target struct {
	Host string
	Port int
}

func DefaultTarget() Target {
	return Target{Host: DefaultHost, Port: DefaultPort}
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Database is an open client connection to the cluster.
type Database interface {
	// Truncate deletes every record in the set.
	Truncate(ctx context.Context, namespace, set string) error

	// RegisterUDF uploads the UDF source at clientPath as the given module.
	RegisterUDF(ctx context.Context, clientPath, module string) error
	RemoveUDF(ctx context.Context, module string) error
	// UDFs lists the installed UDF module names.
	UDFs(ctx context.Context) ([]string, error)

	CreateIndex(ctx context.Context, namespace, set, name, bin string, indexType IndexType) error
	// DropIndex removes the named index, returning ErrIndexNotFound if it does not exist.
	DropIndex(ctx context.Context, namespace, set, name string) error

	// Get reads the record with the integer user key, returning ErrRecordNotFound if there is none.
	Get(ctx context.Context, namespace, set string, key int64) (Bins, error)
	// Scan returns the bins of every record in the set, in no particular order.
	Scan(ctx context.Context, namespace, set string) ([]Bins, error)
	// Count returns the number of records in the set.
	Count(ctx context.Context, namespace, set string) (int, error)

	Close() error
}

// Dialer opens connections to a target.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Database, error)
}

type DialerFunc func(ctx context.Context, target Target) (Database, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Database, error) { return f(ctx, target) }

// ConnectError is returned when every connection attempt failed.
type ConnectError struct {
	Target   Target
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s failed after %d attempts: %s", e.Target, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
