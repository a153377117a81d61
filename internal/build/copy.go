package build

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/cruciblehq/uvimage/internal/fault"
	"github.com/cruciblehq/uvimage/internal/recipe"
	"golang.org/x/sync/errgroup"
)

// Executes a copy operation, transferring files into the container.
//
// The copy string has the format "src dest" for host copies, or "stage:src
// dest" for cross-stage copies. Host sources are resolved relative to the
// build context. Cross-stage sources are read from a named stage container's
// filesystem. When chown is set, every copied entry is owned by that
// "uid:gid"; otherwise host entries are owned by root and stage entries keep
// their owners.
func executeCopy(ctx context.Context, sc *stageContext, copyStr, chown, workdir string) error {
	src, dest, err := recipe.ParseCopy(copyStr, workdir)
	if err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	var owner *tarOwner
	if chown != "" {
		uid, gid, err := recipe.ParseOwner(chown)
		if err != nil {
			return fault.Wrap(ErrCopy, err)
		}
		owner = &tarOwner{uid: int(uid), gid: int(gid)}
	}

	// Ensure the destination parent directory exists.
	if err := sc.ctr.MkdirAll(ctx, path.Dir(dest)); err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	// Cross-stage copy: "stage:path".
	if stage, p, ok := recipe.ParseStageSource(src); ok {
		return executeStageCopy(ctx, sc, stage, path.Clean(p), dest, owner)
	}

	return executeHostCopy(ctx, sc, src, dest, owner)
}

// Copies a file or directory from the host into the container.
//
// Directory copies skip paths excluded by the build context's filter.
func executeHostCopy(ctx context.Context, sc *stageContext, src, dest string, owner *tarOwner) error {
	if !filepath.IsAbs(src) {
		src = filepath.Join(sc.root, src)
	}

	info, err := os.Stat(src)
	if err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	slog.Debug("copy", "src", src, "dest", dest, "dir", info.IsDir())

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		var writeErr error

		if info.IsDir() {
			writeErr = writeDirToTar(tw, src, path.Base(dest), sc.filter, owner)
		} else {
			writeErr = writeFileToTar(tw, src, path.Base(dest), owner)
		}

		if err := tw.Close(); writeErr == nil {
			writeErr = err
		}
		pw.CloseWithError(writeErr)
	}()

	// Closing the read side releases the writer if extraction stops early.
	err = sc.ctr.CopyTo(ctx, pr, path.Dir(dest))
	pr.CloseWithError(err)
	if err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	return nil
}

// Copies a path from a named stage container into the target container.
//
// The tar stream is piped from the source container's CopyFrom through a
// header rewrite to the target container's CopyTo. The rewrite renames the
// top-level entry to the destination's base name and applies owner. A
// missing source is an assembly failure.
func executeStageCopy(ctx context.Context, sc *stageContext, stage, p, dest string, owner *tarOwner) error {
	srcCtr, ok := sc.stages[stage]
	if !ok {
		return fault.Wrapf(ErrCopy, "unknown stage %q", stage)
	}

	exists, err := srcCtr.Exists(ctx, p)
	if err != nil {
		return fault.Wrap(ErrCopy, err)
	}
	if !exists {
		return fault.Wrap(ErrAssembly, fault.Wrapf(ErrCopy, "stage %q has no %s", stage, p))
	}

	slog.Debug("cross-stage copy", "stage", stage, "src", p, "dest", dest, "chown", owner != nil)

	edit := renameRoot(path.Base(p), path.Base(dest))
	if owner != nil {
		edit = chain(edit, owner.apply)
	}

	archived, archiveW := io.Pipe()
	rewritten, rewriteW := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srcCtr.CopyFrom(gctx, archiveW, p)
		archiveW.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		err := rewriteTar(rewriteW, archived, edit)
		archived.CloseWithError(err)
		rewriteW.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		err := sc.ctr.CopyTo(gctx, rewritten, path.Dir(dest))
		rewritten.CloseWithError(err)
		return err
	})

	if err := g.Wait(); err != nil {
		return fault.Wrap(ErrCopy, err)
	}

	return nil
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string, owner *tarOwner) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	owner.apply(header)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string, filter *sourceFilter, owner *tarOwner) error {
	return filepath.WalkDir(hostDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		if relPath != "." {
			excluded, err := filter.excludes(p)
			if err != nil {
				return err
			}
			if excluded {
				if d.IsDir() && !filter.hasExceptions() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		archivePath := path.Join(prefix, filepath.ToSlash(relPath))
		return writeTarEntry(tw, p, archivePath, d, owner)
	})
}

// Writes a single file, directory or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d fs.DirEntry, owner *tarOwner) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	owner.apply(header)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
