package provision

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// entryKind discriminates what a ledger entry undoes.
type entryKind int

const (
	entryNetwork entryKind = iota
	entryRoleDir
	entryOverlay
	entryVM
)

// entry is one compensating action. An entry is appended only after the
// resource it covers was actually created by this run, so rollback never
// touches pre-existing resources.
type entry struct {
	kind entryKind
	name string // network or VM name
	path string // overlay path or role dir

	// manifest lists the files this run wrote into the role dir. The dir
	// is removed on rollback only while it contains nothing else.
	manifest []string
}

// Ledger is the append-only record of resources created by a single
// provisioning run.
type Ledger struct {
	entries []entry
}

func (l *Ledger) addNetwork(name string) {
	l.entries = append(l.entries, entry{kind: entryNetwork, name: name})
}

func (l *Ledger) addRoleDir(path string, manifest []string) {
	l.entries = append(l.entries, entry{kind: entryRoleDir, path: path, manifest: manifest})
}

func (l *Ledger) addOverlay(path string) {
	l.entries = append(l.entries, entry{kind: entryOverlay, path: path})
}

func (l *Ledger) addVM(name string) {
	l.entries = append(l.entries, entry{kind: entryVM, name: name})
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int { return len(l.entries) }

// Rollback undoes recorded entries in reverse order. Every compensating
// call is best-effort; failures are logged and the walk continues so the
// host is left as clean as possible. The run may be failing because ctx
// was cancelled, so compensation runs detached from that cancellation.
func (l *Ledger) Rollback(ctx context.Context, ad Adapter, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		switch e.kind {
		case entryVM:
			logger.Warn("rolling back VM", "name", e.name)
			if err := ad.DestroyVM(ctx, e.name); err != nil {
				logger.Warn("rollback: destroy VM failed", "name", e.name, "error", err)
			}
			if err := ad.UndefineVM(ctx, e.name); err != nil {
				logger.Warn("rollback: undefine VM failed", "name", e.name, "error", err)
			}
		case entryOverlay:
			logger.Warn("rolling back overlay disk", "path", e.path)
			if err := ad.DeleteOverlayDisk(ctx, e.path); err != nil {
				logger.Warn("rollback: delete overlay failed", "path", e.path, "error", err)
			}
		case entryRoleDir:
			l.removeRoleDir(e, logger)
		case entryNetwork:
			logger.Warn("rolling back network", "name", e.name)
			if err := ad.DestroyNetwork(ctx, e.name); err != nil {
				logger.Warn("rollback: destroy network failed", "name", e.name, "error", err)
			}
		}
	}
	l.entries = nil
}

// removeRoleDir deletes the role dir only when every entry in it is one the
// provisioning run wrote. Anything user-placed keeps the dir alive.
func (l *Ledger) removeRoleDir(e entry, logger *slog.Logger) {
	entries, err := os.ReadDir(e.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("rollback: read role dir failed", "path", e.path, "error", err)
		}
		return
	}

	allowed := make(map[string]bool, len(e.manifest))
	for _, name := range e.manifest {
		allowed[filepath.Base(name)] = true
	}
	for _, de := range entries {
		if !allowed[de.Name()] {
			logger.Warn("rollback: role dir has foreign entries, keeping it",
				"path", e.path, "entry", de.Name())
			return
		}
	}

	logger.Warn("rolling back role directory", "path", e.path)
	if err := os.RemoveAll(e.path); err != nil {
		logger.Warn("rollback: remove role dir failed", "path", e.path, "error", err)
	}
}
