// Package buildctx assembles one run's shared dependencies into a single
// explicit object, replacing the global mutable state the original tool
// relied on (§9 DESIGN NOTES): a named logger per component, the resolved
// config, the command storage, the digest cache, and the resource pool
// registry all travel together and are passed down, never held in package
// globals.
package buildctx

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/forgebuild/forge/internal/config"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/errs"
	"github.com/forgebuild/forge/internal/pool"
	"github.com/forgebuild/forge/internal/storage"
)

// BuildContext is the one object every component needs a reference to.
// Construct it once per run with New and thread it explicitly; don't stash
// it in a global.
type BuildContext struct {
	// RunID uniquely identifies this build invocation, used to scope
	// scratch response-file directories and as a log correlation tag.
	RunID uuid.UUID

	Logger  hclog.Logger
	Config  config.Config
	Storage *storage.Storage
	Digests *digest.Cache
	Pools   *pool.Registry
}

// New opens storage rooted at cfg.StorageRoot, wires a digest cache backed
// by it, and builds the pool registry from cfg.Pools. Callers must call
// Close when the run is finished to release the storage lock.
func New(cfg config.Config, logger hclog.Logger) (*BuildContext, error) {
	if logger == nil {
		logger = hclog.Default()
	}

	runID, err := uuid.NewRandom()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageIOError, err, "generate run id")
	}

	runLogger := logger.Named("build").With("run_id", runID.String())

	s, err := storage.Open(cfg.StorageRoot, runLogger.Named("storage"))
	if err != nil {
		return nil, err
	}

	return &BuildContext{
		RunID:   runID,
		Logger:  runLogger,
		Config:  cfg,
		Storage: s,
		Digests: digest.NewCache(s),
		Pools:   pool.NewRegistry(cfg.Pools),
	}, nil
}

// Close releases the storage lock. Safe to call once per BuildContext.
func (bc *BuildContext) Close() error {
	return bc.Storage.Close()
}

// ScratchDir returns the per-run scratch directory for response files that
// have no declared output to anchor next to (§4.2), namespaced by RunID so
// concurrent runs against the same storage root never collide.
func (bc *BuildContext) ScratchDir() string {
	return filepath.Join(bc.Config.StorageRoot, "scratch-"+bc.RunID.String())
}
