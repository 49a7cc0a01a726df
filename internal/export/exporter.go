// Package export rebuilds a GP4 project tree from an open package: the
// sce_sys entries, the inner filesystem contents, and the Project.gp4
// description tying them together.
package export

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/deploymenttheory/go-orbispkg/internal/gp4"
	"github.com/deploymenttheory/go-orbispkg/internal/pfs"
	"github.com/deploymenttheory/go-orbispkg/internal/pkg"
	"github.com/deploymenttheory/go-orbispkg/internal/sfo"
)

// timeLayout formats volume and creation timestamps.
const timeLayout = "2006-01-02 15:04:05"

// Progress receives percent/message pairs as the export advances. The
// final report is always (100, ...).
type Progress func(percent int, message string)

// Options configures one export run.
type Options struct {
	// OutDir is the directory the tree is written into.
	OutDir string

	// DecryptEntries controls whether encrypted sce_sys entries are
	// decrypted on extraction.
	DecryptEntries bool

	// Progress may be nil.
	Progress Progress
}

// Result summarizes a completed export.
type Result struct {
	// RunID tags the run in logs.
	RunID uuid.UUID

	// ProjectPath is the written Project.gp4 location.
	ProjectPath string

	// Failed lists entries and files that could not be written; the export
	// continues past individual failures.
	Failed []string
}

// Exporter walks an open package and writes the project tree through an
// afero filesystem, so tests can run against memory.
type Exporter struct {
	fs  afero.Fs
	r   *pkg.Reader
	out string

	opts    Options
	project *gp4.Project
	result  *Result
}

// New prepares an export run.
func New(fs afero.Fs, r *pkg.Reader, opts Options) *Exporter {
	return &Exporter{fs: fs, r: r, out: opts.OutDir, opts: opts}
}

// Run performs the export. Per-entry failures are recorded in the result;
// structural failures (no output directory, unreadable filesystem) abort.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	e.result = &Result{RunID: uuid.New()}

	if err := e.fs.MkdirAll(e.out, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	e.project = gp4.New(volumeType(e.r.Header.ContentType))
	e.project.Volume.Package = gp4.Package{
		ContentID:   e.r.Header.ContentID,
		Passcode:    e.r.Passcode(),
		StorageType: "digital50",
		AppType:     "full",
	}

	e.report(0, "exporting meta entries")

	if err := e.exportMetaEntries(ctx); err != nil {
		return nil, err
	}

	if err := e.rewriteParamSfo(); err != nil {
		// A package without param.sfo still exports.
		e.fail("sce_sys/param.sfo: " + err.Error())
	}

	ct := e.r.Header.ContentType
	if ct == pkg.ContentTypeAC || ct == pkg.ContentTypeAL {
		if key, err := e.r.EntitlementKey(); err == nil {
			e.project.Volume.Package.EntitlementKey = hex.EncodeToString(key)
		} else {
			e.fail("entitlement key: " + err.Error())
		}
	}

	if e.r.Header.PfsImageSize > 0 && e.r.IsFileSystemAccessible() {
		if err := e.exportFileSystem(ctx); err != nil {
			return nil, err
		}
	}

	if err := e.writeProject(); err != nil {
		return nil, err
	}

	e.report(100, "done")
	return e.result, nil
}

func volumeType(ct pkg.ContentType) string {
	switch ct {
	case pkg.ContentTypeDP:
		return gp4.VolumeTypePatch
	case pkg.ContentTypeAC:
		return gp4.VolumeTypeACData
	case pkg.ContentTypeAL:
		return gp4.VolumeTypeACNoData
	default:
		return gp4.VolumeTypeApp
	}
}

func (e *Exporter) report(percent int, message string) {
	if e.opts.Progress != nil {
		e.opts.Progress(percent, message)
	}
}

func (e *Exporter) fail(detail string) {
	e.result.Failed = append(e.result.Failed, detail)
}

// exportMetaEntries writes every exportable meta entry under sce_sys/, in
// meta table order.
func (e *Exporter) exportMetaEntries(ctx context.Context) error {
	e.project.AddDir("sce_sys")

	for i := range e.r.Metas {
		if err := ctx.Err(); err != nil {
			return err
		}

		m := &e.r.Metas[i]
		if m.ID.Generated() {
			continue
		}

		name := e.r.Name(m)
		if name == "" {
			continue
		}

		target := path.Join("sce_sys", name)
		if dir := path.Dir(target); dir != "." {
			e.project.AddDir(dir)
			if err := e.fs.MkdirAll(path.Join(e.out, dir), 0o755); err != nil {
				e.fail(target + ": " + err.Error())
				continue
			}
		}

		data, err := e.r.ExtractEntry(m, e.opts.DecryptEntries)
		if err != nil {
			e.fail(target + ": " + err.Error())
			continue
		}

		full := path.Join(e.out, target)
		if err := afero.WriteFile(e.fs, full, data, 0o644); err != nil {
			e.fail(target + ": " + err.Error())
			continue
		}

		e.project.AddFile(target, full)
	}

	return nil
}

// rewriteParamSfo reads the creation date out of PUBTOOLINFO, records it
// in the project, and strips the packer fields before rewriting the file.
func (e *Exporter) rewriteParamSfo() error {
	full := path.Join(e.out, "sce_sys", "param.sfo")

	data, err := afero.ReadFile(e.fs, full)
	if err != nil {
		return err
	}

	f, err := sfo.Parse(data)
	if err != nil {
		return err
	}

	if date, ok := creationDate(f.GetString("PUBTOOLINFO")); ok {
		e.project.Volume.Package.CreationDate = date
	}

	f.Delete("PUBTOOLINFO")
	f.Delete("PUBTOOLVER")

	data, err = f.Serialize()
	if err != nil {
		return err
	}

	return afero.WriteFile(e.fs, full, data, 0o644)
}

// creationDate extracts c_date/c_time from the PUBTOOLINFO key=value list
// and renders "YYYY-MM-DD HH:MM:SS".
func creationDate(pubtoolinfo string) (string, bool) {
	var cdate, ctime string
	for _, kv := range strings.Split(pubtoolinfo, ",") {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}

		switch key {
		case "c_date":
			cdate = value
		case "c_time":
			ctime = value
		}
	}

	if len(cdate) != 8 {
		return "", false
	}

	out := fmt.Sprintf("%s-%s-%s", cdate[0:4], cdate[4:6], cdate[6:8])
	if len(ctime) == 6 {
		out += fmt.Sprintf(" %s:%s:%s", ctime[0:2], ctime[2:4], ctime[4:6])
	} else {
		out += " 00:00:00"
	}

	return out, true
}

// exportFileSystem walks the inner uroot breadth-first, writing
// directories and files in dirent order.
func (e *Exporter) exportFileSystem(ctx context.Context) error {
	inner, _, err := e.r.InnerPFS()
	if err != nil {
		return fmt.Errorf("open inner filesystem: %w", err)
	}

	e.project.Volume.Timestamp = time.Unix(int64(inner.Header().VolumeTimestamp()), 0).UTC().Format(timeLayout)

	uroot, err := inner.Uroot()
	if err != nil {
		return err
	}

	tree, err := inner.Tree()
	if err != nil {
		return err
	}

	urootPath := tree.Path(uroot)

	var total, done int64
	_ = tree.Walk(uroot, func(i int) error {
		if !tree.Nodes[i].IsDir() {
			total += int64(tree.Nodes[i].Size)
		}
		return nil
	})

	return tree.Walk(uroot, func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if i == uroot {
			return nil
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(tree.Path(i), urootPath), "/")
		full := path.Join(e.out, rel)

		if tree.Nodes[i].IsDir() {
			if err := e.fs.MkdirAll(full, 0o755); err != nil {
				e.fail(rel + ": " + err.Error())
				return nil
			}
			e.project.AddDir(rel)
			return nil
		}

		n, err := e.copyFile(inner, i, full)
		done += n
		if err != nil {
			e.fail(rel + ": " + err.Error())
			return nil
		}

		if !e.project.HasFile(rel) {
			e.project.AddFile(rel, full)
		}

		percent := 99
		if total > 0 {
			percent = int(100 * done / total)
			if percent > 99 {
				percent = 99
			}
		}
		e.report(percent, rel)

		return nil
	})
}

// copyFile streams one inner file to disk and returns the bytes written.
func (e *Exporter) copyFile(inner *pfs.Reader, node int, full string) (int64, error) {
	fv, err := inner.FileView(node)
	if err != nil {
		return 0, err
	}

	out, err := e.fs.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	return io.Copy(out, io.NewSectionReader(fv, 0, fv.Size()))
}

// writeProject emits Project.gp4 at the output root.
func (e *Exporter) writeProject() error {
	e.project.SortFiles()

	full := path.Join(e.out, "Project.gp4")

	f, err := e.fs.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", full, err)
	}
	defer f.Close()

	if err := e.project.Write(f); err != nil {
		return err
	}

	e.result.ProjectPath = full
	return nil
}
