package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mldata/mldata/internal/archive"
	"github.com/mldata/mldata/internal/detect"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/task"
)

// Reingest converts path again into the current version of slug without
// creating a new version. Bytes identical to the recorded fingerprint of a
// successfully converted record leave the record untouched.
func (c *Controller) Reingest(ctx context.Context, slug, path string, req Request) (*records.Dataset, error) {
	rec, err := c.records.GetDataset(ctx, slug)
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(path)
	if err != nil {
		return nil, err
	}
	if fingerprint == rec.Fingerprint && !rec.HasTag(records.TagConversionFailed) {
		return rec, nil
	}

	work, err := os.MkdirTemp(c.tempDir, "reingest-")
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to create working directory: %w", err)
	}
	defer os.RemoveAll(work)

	req.Path, req.Body = path, nil
	if req.FileName == "" {
		req.FileName = filepath.Base(path)
	}
	raw, _, err := c.receive(work, req)
	if err != nil {
		return nil, err
	}
	inner, err := archive.Unnest(ctx, raw)
	if err != nil {
		return nil, err
	}
	if isMultiMember(inner) {
		members, err := archive.ExtractAll(ctx, inner, filepath.Join(work, slug))
		if err != nil {
			return nil, err
		}
		if err := c.checkSize(members...); err != nil {
			return nil, err
		}
		single := datasetMembers(ctx, members)
		if len(single) != 1 {
			return rec, nil
		}
		inner = single[0]
	}
	if err := c.checkSize(inner); err != nil {
		return nil, err
	}
	f := req.Format
	if f == "" || f == format.Auto {
		if f, err = detect.Require(ctx, inner); err != nil {
			return rec, err
		}
	}

	h5Path := inner
	if f != format.H5 {
		h5Path = filepath.Join(work, slug+".h5")
		if err := c.toH5(ctx, inner, f, h5Path, req); err != nil {
			os.Remove(h5Path)
			if ctx.Err() == nil {
				c.notifyFailure(ctx, rec, inner, f, err)
			}
			return rec, err
		}
	}
	if err := describe(ctx, h5Path, rec); err != nil {
		c.notifyFailure(ctx, rec, inner, f, err)
		return rec, err
	}

	oldFile := rec.FileName
	rec.Format = string(f)
	rec.FileName = rec.Slug + ".h5"
	rec.Fingerprint = fingerprint
	rec.Tags = withoutTag(rec.Tags, records.TagConversionFailed)
	rec.IsApproved = true
	if err := c.store.PutData(ctx, h5Path, rec.FileName); err != nil {
		return rec, err
	}
	if err := c.records.UpdateDataset(ctx, rec); err != nil {
		return rec, err
	}
	if oldFile != rec.FileName {
		if err := c.store.DeleteData(ctx, oldFile); err != nil {
			log.Printf("ingest: failed to remove replaced file %s: %v", oldFile, err)
		}
	}
	log.Printf("ingest: reconverted %s v%d", rec.Slug, rec.Version)
	return rec, nil
}

func withoutTag(tags []string, tag string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

// TaskRequest describes a task over a stored dataset. Either SplitFiles or
// Spec is set.
type TaskRequest struct {
	Name        string
	Slug        string
	DatasetSlug string
	// SplitFiles are train/validation/test files whose line counts become
	// contiguous row ranges.
	SplitFiles []string
	LabelDims  []int
	Spec       *task.Spec
	Public     bool
}

// RegisterTask writes a task file next to a copy of the dataset's H5 file,
// stores it and creates the task record.
func (c *Controller) RegisterTask(ctx context.Context, req TaskRequest) (*records.Task, error) {
	if (req.Spec == nil || len(req.Spec.Splits) == 0) && len(req.SplitFiles) == 0 {
		return nil, mlerrors.NewValidationError(mlerrors.CodeInvalidSplit, "ingest: task has no splits")
	}
	ds, err := c.records.GetDataset(ctx, req.DatasetSlug)
	if err != nil {
		return nil, err
	}
	if ds.HasTag(records.TagConversionFailed) {
		return nil, mlerrors.NewValidationError(mlerrors.CodeInvalidDataset,
			fmt.Sprintf("ingest: dataset %s has no H5 file", ds.Slug))
	}
	if req.Slug == "" {
		req.Slug = Slug(req.Name)
	}

	work, err := os.MkdirTemp(c.tempDir, "task-")
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to create working directory: %w", err)
	}
	defer os.RemoveAll(work)

	local := filepath.Join(work, req.Slug+".h5")
	if err := c.store.FetchData(ctx, ds.FileName, local); err != nil {
		return nil, err
	}
	if len(req.SplitFiles) > 0 {
		err = task.AddData(ctx, local, req.SplitFiles, req.LabelDims)
	} else {
		spec := *req.Spec
		if spec.DataSize == 0 {
			spec.DataSize = ds.NumInstances
		}
		err = task.WriteTask(ctx, local, nil, spec)
	}
	if err != nil {
		return nil, err
	}

	t := &records.Task{
		Name:        req.Name,
		Slug:        req.Slug,
		DatasetSlug: ds.Slug,
		FileName:    req.Slug + ".h5",
		IsPublic:    req.Public,
	}
	if err := c.store.PutTask(ctx, local, t.FileName); err != nil {
		return nil, err
	}
	if err := c.records.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	log.Printf("ingest: stored task %s v%d on %s", t.Slug, t.Version, ds.Slug)
	return t, nil
}
