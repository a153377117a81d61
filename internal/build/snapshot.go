package build

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/layercache"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"golang.org/x/sync/errgroup"
)

// Executes a snapshot group.
//
// When the store holds a tree for the group's key on this platform, the tree
// is extracted at the snapshot path and the nested steps are skipped.
// Otherwise the nested steps run and the resulting tree is stored. A failed
// restore falls back to running the steps; a failed store is logged and the
// build continues.
func executeSnapshot(ctx context.Context, sc *stageContext, step recipe.Step, state *stepState, phase recipe.Phase) error {
	snap := step.Snapshot
	key := snapshotKey(snap.Key, sc.ctr.ImageDigest(), sc.platform)
	state.apply(step)

	if sc.layers != nil && sc.layers.Has(key) {
		err := restoreSnapshot(ctx, sc.ctr, sc.layers, key, snap.Path)
		if err == nil {
			slog.Info("reusing snapshot", "key", key, "path", snap.Path)
			sc.image.Snapshots = append(sc.image.Snapshots, Snapshot{Key: key, Path: snap.Path, Reused: true})
			return nil
		}
		slog.Warn("snapshot restore failed, running steps", "key", key, "error", err)
		if err := removePath(ctx, sc.ctr, snap.Path); err != nil {
			return classify(phase, err)
		}
	}

	if err := executeSteps(ctx, sc, step.Steps, state, phase); err != nil {
		return err
	}

	result := Snapshot{Key: key, Path: snap.Path}
	if sc.layers != nil {
		entry, err := storeSnapshot(ctx, sc.ctr, sc.layers, key, snap.Path)
		if err != nil {
			slog.Warn("failed to store snapshot", "key", key, "error", err)
		} else {
			result.Digest = entry.Digest
			result.Size = entry.Size
		}
	}

	sc.image.Snapshots = append(sc.image.Snapshots, result)
	return nil
}

// Extracts the tree stored under key at p.
func restoreSnapshot(ctx context.Context, ctr Container, layers *layercache.Store, key, p string) error {
	rc, err := layers.Open(key)
	if err != nil {
		return err
	}
	defer rc.Close()

	dir := path.Dir(p)
	if err := ctr.MkdirAll(ctx, dir); err != nil {
		return fault.Wrap(ErrFileSystemOperation, err)
	}
	return ctr.CopyTo(ctx, rc, dir)
}

// Archives p from the container into the store under key.
func storeSnapshot(ctx context.Context, ctr Container, layers *layercache.Store, key, p string) (*layercache.Entry, error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := ctr.CopyFrom(gctx, pw, p)
		pw.CloseWithError(err)
		return err
	})

	var entry *layercache.Entry
	g.Go(func() error {
		var err error
		entry, err = layers.Put(key, pr)
		pr.CloseWithError(err)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entry, nil
}

// Removes a partially restored tree.
func removePath(ctx context.Context, ctr Container, p string) error {
	result, err := ctr.ExecAs(ctx, "", defaultShell, "rm -rf "+shellQuote(p), nil, "")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fault.Wrapf(ErrFileSystemOperation, "remove %s: exit code %d", p, result.ExitCode)
	}
	return nil
}

// Returns the store key of a snapshot taken on platform in a container
// started from the image with the given digest. A re-pushed base image
// changes the key even when its reference stays the same.
func snapshotKey(key, digest, platform string) string {
	if _, hex, ok := strings.Cut(digest, ":"); ok && hex != "" {
		key += "-" + hex[:min(len(hex), digestPrefixLen)]
	}
	return key + "-" + platformSlug(platform)
}

// Hex digits of the base image digest kept in a snapshot key.
const digestPrefixLen = 12

// Quotes a string for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
