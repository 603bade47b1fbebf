// Package kernel is the facade that composes the block-document substrate
// into one owned unit: persistence, the block store, both flow buses, the
// mount-routed VFS, the drift router, and the config/git file backends
// (spec.md §2 component I, "Kernel: facade composing B-H plus
// execution/LLM/lease control" — execution/LLM/lease control are out of
// scope here, per spec.md §1's Non-goals on tool engines and LLM adapters).
//
// Grounded on _examples/homveloper-boss-raid-game/luvjson/crdtstorage's
// storageImpl/NewStorage (storage.go): a context+cancel pair, a
// construct-each-subsystem-then-wire-it-through sequence with cleanup on
// partial failure, and a Close that tears down in reverse. There is no
// process-wide singleton — spec.md §9 is explicit that multiple Kernel
// instances may coexist, which is why every subsystem here is a field,
// never a package-level variable.
package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
	"weak"

	"go.uber.org/zap"

	"blockweave/internal/blockstore"
	"blockweave/internal/configbackend"
	"blockweave/internal/drift"
	"blockweave/internal/flowbus"
	"blockweave/internal/gitbackend"
	"blockweave/internal/ids"
	"blockweave/internal/persistence"
	"blockweave/internal/vfs"
)

// Config controls how a Kernel sets up its owned subsystems.
type Config struct {
	// DataDir holds the persistence database, the git worktree symlinks,
	// and (conceptually — host key / auth.db generation is the CLI's job,
	// see cmd/blockweaved) every other piece of server-owned state.
	DataDir string
	// ConfigDir holds the CRDT-backed config files (spec.md §4.6 Config
	// backend). Optional: a Kernel with no config backend simply skips it.
	ConfigDir string
	// AutoSaveInterval is passed straight to blockstore.New; <= 0 disables
	// the periodic autosave goroutine.
	AutoSaveInterval time.Duration
	// Logger is used as-is if set; otherwise a production zap.Logger is
	// built.
	Logger *zap.Logger
}

// Kernel owns one complete instance of the block-document substrate.
type Kernel struct {
	owner  ids.PrincipalId
	logger *zap.Logger

	persistence *persistence.Store
	blockFlow   *flowbus.BlockFlow
	configFlow  *flowbus.ConfigFlow
	store       *blockstore.BlockStore
	mounts      *vfs.MountTable
	drift       *drift.Router
	config      *configbackend.Backend
	git         *gitbackend.Backend

	cancel context.CancelFunc
}

// New constructs and wires every subsystem, unwinding anything already
// started if a later step fails (mirroring the teacher's NewStorage).
func New(ctx context.Context, cfg Config) (*Kernel, error) {
	logger := cfg.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("kernel: build default logger: %w", err)
		}
	}

	_, cancel := context.WithCancel(ctx)

	pstore, err := persistence.Open(filepath.Join(cfg.DataDir, "blocks.db"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kernel: open persistence: %w", err)
	}

	blockFlow := flowbus.NewBlockFlow(256)
	configFlow := flowbus.NewConfigFlow(256)
	store := blockstore.New(pstore, blockFlow, cfg.AutoSaveInterval)
	mounts := vfs.NewMountTable()
	router := drift.New()
	owner := ids.PrincipalIdFromName("kernel:system")

	k := &Kernel{
		owner:       owner,
		logger:      logger,
		persistence: pstore,
		blockFlow:   blockFlow,
		configFlow:  configFlow,
		store:       store,
		mounts:      mounts,
		drift:       router,
		cancel:      cancel,
	}

	if cfg.ConfigDir != "" {
		cfgBackend, err := configbackend.New(cfg.ConfigDir, store, configFlow, ids.PrincipalIdFromName("kernel:config"))
		if err != nil {
			pstore.Close()
			blockFlow.Close()
			configFlow.Close()
			cancel()
			return nil, fmt.Errorf("kernel: start config backend: %w", err)
		}
		k.config = cfgBackend
	}

	gitBackend, err := gitbackend.New(filepath.Join(cfg.DataDir, "worktrees"), store, configFlow, ids.PrincipalIdFromName("kernel:git"))
	if err != nil {
		if k.config != nil {
			k.config.Close()
		}
		pstore.Close()
		blockFlow.Close()
		configFlow.Close()
		cancel()
		return nil, fmt.Errorf("kernel: start git backend: %w", err)
	}
	k.git = gitBackend

	logger.Info("kernel started", zap.String("data_dir", cfg.DataDir))
	return k, nil
}

// Close tears every subsystem down in reverse construction order.
func (k *Kernel) Close() error {
	k.cancel()
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(k.git.Close())
	if k.config != nil {
		record(k.config.Close())
	}
	k.blockFlow.Close()
	k.configFlow.Close()
	record(k.persistence.Close())
	k.logger.Info("kernel stopped")
	return firstErr
}

func (k *Kernel) Owner() ids.PrincipalId       { return k.owner }
func (k *Kernel) Logger() *zap.Logger          { return k.logger }
func (k *Kernel) Store() *blockstore.BlockStore { return k.store }
func (k *Kernel) Mounts() *vfs.MountTable       { return k.mounts }
func (k *Kernel) Drift() *drift.Router          { return k.drift }
func (k *Kernel) Config() *configbackend.Backend { return k.config }
func (k *Kernel) Git() *gitbackend.Backend      { return k.git }
func (k *Kernel) BlockFlow() *flowbus.BlockFlow { return k.blockFlow }
func (k *Kernel) ConfigFlow() *flowbus.ConfigFlow { return k.configFlow }

// BlockCellState is the plain-data shape `get_block_cell_state` would
// return over RPC (spec.md §6: "{ document_id, oplog_bytes, kind,
// language, version }"). Kind/Language describe a block's execution
// surface for the scripting/LLM layers, which are out of scope here
// (spec.md §1) — this repo has no component that assigns either, so both
// are carried through as opaque, caller-supplied strings rather than
// invented taxonomy.
type BlockCellState struct {
	DocumentID ids.ContextId
	OplogBytes []byte
	Kind       string
	Language   string
	Version    int
}

// GetBlockCellState materializes the wire shape for a document: its full
// oplog serialization and its persisted metadata version, if it has one.
func (k *Kernel) GetBlockCellState(ctx context.Context, contextID ids.ContextId, kind, language string) (BlockCellState, error) {
	doc, err := k.store.GetDocument(ctx, contextID, k.owner)
	if err != nil {
		return BlockCellState{}, err
	}
	oplogBytes, err := doc.OplogBytes()
	if err != nil {
		return BlockCellState{}, err
	}
	version, _ := k.store.DocumentVersion(contextID)
	return BlockCellState{
		DocumentID: contextID,
		OplogBytes: oplogBytes,
		Kind:       kind,
		Language:   language,
		Version:    version,
	}, nil
}

// Handle returns a weak handle to k, for callers that must not keep the
// Kernel alive themselves (spec.md §9: "the Kernel is referenced by tool
// engines... break the cycle with weak references: the engine stores a
// weak handle, upgrading at use time"). No tool-execution engine exists in
// this repo's scope, but the handle type is exercised directly by
// anything that would otherwise hold a Kernel callback past its owner's
// lifetime — e.g. a flow-bus subscriber goroutine spawned by a caller.
func (k *Kernel) Handle() Handle {
	return Handle{ptr: weak.Make(k)}
}

// Handle is a weak reference to a Kernel: it does not keep the Kernel
// alive, and upgrading after the Kernel has been garbage-collected
// reports ErrKernelDropped rather than operating on stale state.
type Handle struct {
	ptr weak.Pointer[Kernel]
}

// Upgrade returns the live Kernel, or ErrKernelDropped if it no longer
// exists.
func (h Handle) Upgrade() (*Kernel, error) {
	if k := h.ptr.Value(); k != nil {
		return k, nil
	}
	return nil, ErrKernelDropped{}
}
