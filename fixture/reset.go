package fixture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/guseggert/clusterfixture/db"
)

const udfExt = ".lua"

// Reset empties the default set and removes every tracked UDF and index, leaving the cluster as Start found it.
// Indexes that no longer exist are skipped. Any other removal failure aborts the reset with an *ArtifactError,
// and the artifacts not yet removed stay tracked.
func (c *Controller) Reset(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Running {
		return ErrNotRunning
	}
	return c.resetLocked(ctx)
}

func (c *Controller) MustReset(ctx context.Context) {
	Must(c.Reset(ctx))
}

func (c *Controller) resetLocked(ctx context.Context) error {
	c.log.Info("resetting the database")

	ns, set := c.cfg.Namespace, strings.TrimSpace(c.cfg.Set)
	err := c.conn.Truncate(ctx, ns, set)
	if err != nil {
		return fmt.Errorf("truncating %s.%s: %w", ns, set, err)
	}

	for _, module := range sortedKeys(c.udfs) {
		err := c.conn.RemoveUDF(ctx, module)
		if err != nil {
			return &ArtifactError{Kind: "udf", Name: module, Err: err}
		}
		delete(c.udfs, module)
	}

	for _, index := range sortedKeys(c.indexes) {
		err := c.conn.DropIndex(ctx, ns, set, index)
		if errors.Is(err, db.ErrIndexNotFound) {
			// removed out of band, which is fine
			c.log.Debugw("index already gone", "Index", index)
		} else if err != nil {
			return &ArtifactError{Kind: "index", Name: index, Err: err}
		}
		delete(c.indexes, index)
	}

	return nil
}

// TrackUDF registers a UDF module created by test code, so that the next reset removes it.
func (c *Controller) TrackUDF(module string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.udfs[module] = struct{}{}
}

// TrackIndex registers a secondary index created by test code, so that the next reset removes it.
func (c *Controller) TrackIndex(name string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.indexes[name] = struct{}{}
}

func (c *Controller) TrackedUDFs() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return sortedKeys(c.udfs)
}

func (c *Controller) TrackedIndexes() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return sortedKeys(c.indexes)
}

// UploadUDF registers the Lua source as a UDF module named after fileName without its .lua extension,
// and tracks the module.
func (c *Controller) UploadUDF(ctx context.Context, fileName, source string) error {
	if !strings.HasSuffix(fileName, udfExt) {
		return fmt.Errorf("UDF file name %q must end in %s", fileName, udfExt)
	}
	module := strings.TrimSuffix(fileName, udfExt)

	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Running {
		return ErrNotRunning
	}

	path := c.workspace.NextTempPath(strings.TrimPrefix(udfExt, "."))
	err := os.WriteFile(path, []byte(source), 0644)
	if err != nil {
		return fmt.Errorf("writing UDF source: %w", err)
	}
	err = c.conn.RegisterUDF(ctx, path, module)
	if err != nil {
		return fmt.Errorf("registering UDF %q: %w", module, err)
	}
	c.udfs[module] = struct{}{}
	return nil
}

// CreateIndex creates a secondary index on bin in the default set and tracks it.
func (c *Controller) CreateIndex(ctx context.Context, name, bin string, indexType db.IndexType) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.state != Running {
		return ErrNotRunning
	}
	err := c.conn.CreateIndex(ctx, c.cfg.Namespace, c.cfg.Set, name, bin, indexType)
	if err != nil {
		return fmt.Errorf("creating index %q: %w", name, err)
	}
	c.indexes[name] = struct{}{}
	return nil
}
