package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gobwas/glob"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/bus"
	lakeerrors "github.com/maruel/memlake/internal/errors"
	"github.com/maruel/memlake/internal/metrics"
)

// Scope restricts a scan. Zero fields match everything.
type Scope struct {
	DriveID    address.DriveID
	SlotID     int
	PathPrefix string
	// Glob is matched against path+name, with / as separator.
	Glob string
}

// Finding is one flagged artifact.
type Finding struct {
	File *artifact.Artifact `json:"file"`
	Verdict
}

// RefPruner detaches deleted artifacts from the vector index.
type RefPruner interface {
	DetachRefs(ctx context.Context, signature string, ids []string) error
}

// Guardian runs a [Policy] over the artifact store.
type Guardian struct {
	store  *artifact.Store
	policy Policy
	pruner RefPruner
	bus    bus.Bus
	logger *slog.Logger
}

// New returns a guardian. A nil policy uses [NewHeuristicPolicy]; a nil
// pruner leaves the vector index to its rebuild.
func New(store *artifact.Store, policy Policy, pruner RefPruner, b bus.Bus, logger *slog.Logger) *Guardian {
	if policy == nil {
		policy = NewHeuristicPolicy()
	}
	if b == nil {
		b = bus.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{store: store, policy: policy, pruner: pruner, bus: b, logger: logger}
}

// IsLikelyCorrupt evaluates the policy on one artifact.
func (g *Guardian) IsLikelyCorrupt(a *artifact.Artifact) Verdict {
	return g.policy.Evaluate(a)
}

// ScanLake evaluates every artifact in scope and returns the findings,
// emitting CorruptionFound for each. Artifacts already marked suspect or
// corrupt are findings even when the policy is silent. It never fails: a
// bad scope is logged and yields no findings.
func (g *Guardian) ScanLake(ctx context.Context, scope Scope) []Finding {
	var match glob.Glob
	if scope.Glob != "" {
		var err error
		if match, err = glob.Compile(scope.Glob, '/'); err != nil {
			g.logger.WarnContext(ctx, "invalid scan glob", "glob", scope.Glob, "err", err)
			return nil
		}
	}
	var files []*artifact.Artifact
	if scope.DriveID != "" {
		var err error
		if files, err = g.store.GetFilesByDrive(ctx, scope.DriveID); err != nil {
			g.logger.WarnContext(ctx, "invalid scan scope", "drive", scope.DriveID, "err", err)
			return nil
		}
	} else {
		files = g.store.GetAllFiles(ctx)
	}
	var findings []Finding
	for _, f := range files {
		if scope.SlotID != 0 && f.SlotID != scope.SlotID {
			continue
		}
		if scope.PathPrefix != "" && !strings.HasPrefix(f.Path, scope.PathPrefix) {
			continue
		}
		if match != nil && !match.Match(f.Path+f.Name) {
			continue
		}
		v := g.policy.Evaluate(f)
		switch f.Status {
		case artifact.StatusCorrupt:
			v.Corrupt, v.Suspect = true, false
		case artifact.StatusSuspect:
			if !v.Corrupt {
				v.Suspect = true
			}
		}
		if !v.Signal() {
			continue
		}
		findings = append(findings, Finding{File: f, Verdict: v})
		metrics.GuardianFindings.WithLabelValues(v.Label()).Inc()
		g.bus.Emit(ctx, bus.CorruptionFound{ID: f.ID, Reason: v.Reason, Corrupt: v.Corrupt})
	}
	g.logger.DebugContext(ctx, "lake scanned", "files", len(files), "findings", len(findings))
	return findings
}

// Quarantine applies findings to the store: a suspect finding moves a safe
// artifact to suspect, a corrupt finding moves it on to corrupt. Artifacts
// that vanished or that cannot move (offloaded) are skipped. It returns the
// number of artifacts whose status changed.
func (g *Guardian) Quarantine(ctx context.Context, findings []Finding) (int, error) {
	n := 0
next:
	for _, f := range findings {
		cur, err := g.store.Get(ctx, f.File.ID)
		if lakeerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		var steps []artifact.Status
		switch {
		case cur.Status == artifact.StatusSafe && f.Corrupt:
			steps = []artifact.Status{artifact.StatusSuspect, artifact.StatusCorrupt}
		case cur.Status == artifact.StatusSafe && f.Suspect:
			steps = []artifact.Status{artifact.StatusSuspect}
		case cur.Status == artifact.StatusSuspect && f.Corrupt:
			steps = []artifact.Status{artifact.StatusCorrupt}
		default:
			continue
		}
		for _, s := range steps {
			if err := g.store.UpdateStatus(ctx, cur.ID, s); err != nil {
				if lakeerrors.IsNotFound(err) {
					continue next
				}
				return n, fmt.Errorf("failed to quarantine %s: %w", cur.ID, err)
			}
		}
		g.logger.InfoContext(ctx, "artifact quarantined", "id", cur.ID, "status", steps[len(steps)-1], "reason", f.Reason)
		n++
	}
	return n, nil
}

// PurgeFile deletes one artifact and emits CorruptionPurged.
func (g *Guardian) PurgeFile(ctx context.Context, id string) error {
	prev, err := g.store.DeleteFile(ctx, id)
	if err != nil {
		return err
	}
	g.detach(ctx, prev.Signature, []string{id})
	g.bus.Emit(ctx, bus.CorruptionPurged{Signature: prev.Signature, IDs: []string{id}})
	return nil
}

// PurgeSignature deletes every copy sharing signature and emits a single
// CorruptionPurged with all their ids. It returns the deleted ids; none and
// no event when no copy exists.
func (g *Guardian) PurgeSignature(ctx context.Context, signature string) ([]string, error) {
	if signature == "" {
		return nil, lakeerrors.Validation("signature is required")
	}
	var ids []string
	for _, c := range g.store.GetCopies(ctx, signature) {
		if _, err := g.store.DeleteFile(ctx, c.ID); err != nil {
			if lakeerrors.IsNotFound(err) {
				continue
			}
			return ids, fmt.Errorf("failed to purge signature %s: %w", signature, err)
		}
		ids = append(ids, c.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	g.detach(ctx, signature, ids)
	g.bus.Emit(ctx, bus.CorruptionPurged{Signature: signature, IDs: ids})
	g.logger.InfoContext(ctx, "signature purged", "signature", signature, "copies", len(ids))
	return ids, nil
}

func (g *Guardian) detach(ctx context.Context, signature string, ids []string) {
	if g.pruner == nil || signature == "" {
		return
	}
	if err := g.pruner.DetachRefs(ctx, signature, ids); err != nil {
		g.logger.WarnContext(ctx, "failed to detach vector refs", "signature", signature, "err", err)
	}
}
