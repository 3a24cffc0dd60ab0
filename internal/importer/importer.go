// Package importer loads asset inventories and event histories from
// spreadsheet uploads.
package importer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/cache"
	"github.com/transam/sogr/internal/metrics"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/store"
)

// ErrAlreadyProcessed is returned when a completed upload is processed again
// without force.
var ErrAlreadyProcessed = errors.New("importer: upload already processed")

// Enqueuer schedules the recalculation of an asset.
type Enqueuer interface {
	Enqueue(ctx context.Context, assetKey string) error
}

// Options configures an Importer.
type Options struct {
	BatchSize int
	UploadDir string
	// Cache holds asset read models; entries of written assets are dropped.
	Cache cache.Cache
}

// Report summarizes one processed upload.
type Report struct {
	UploadID       string     `json:"upload_id"`
	AssetsCreated  int        `json:"assets_created"`
	AssetsUpdated  int        `json:"assets_updated"`
	EventsInserted int64      `json:"events_inserted"`
	Enqueued       int        `json:"enqueued"`
	Errors         []RowError `json:"errors,omitempty"`
}

// Importer processes spreadsheet uploads.
type Importer struct {
	store store.Store
	jobs  Enqueuer
	opts  Options
}

// New creates an Importer.
func New(st store.Store, jobs Enqueuer, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	return &Importer{store: st, jobs: jobs, opts: opts}
}

// Submit stores the spreadsheet in r as a new upload for the organization
// and processes it.
func (im *Importer) Submit(ctx context.Context, organizationID int64, filename string, r io.Reader, createdBy string) (*model.Upload, *Report, error) {
	if _, err := im.store.GetOrganization(ctx, organizationID); err != nil {
		return nil, nil, eris.Wrapf(err, "importer: organization %d", organizationID)
	}
	if err := os.MkdirAll(im.opts.UploadDir, 0o755); err != nil {
		return nil, nil, eris.Wrap(err, "importer: create upload dir")
	}

	u := &model.Upload{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Filename:       filepath.Base(filename),
		CreatedBy:      createdBy,
	}
	u.Path = filepath.Join(im.opts.UploadDir, u.ID+".xlsx")
	if err := saveFile(u.Path, r); err != nil {
		return nil, nil, err
	}
	if err := im.store.CreateUpload(ctx, u); err != nil {
		return nil, nil, eris.Wrap(err, "importer: record upload")
	}

	rep, err := im.process(ctx, u, false)
	return u, rep, err
}

// Resubmit processes a stored upload again, even when it completed before.
func (im *Importer) Resubmit(ctx context.Context, uploadID string) (*model.Upload, *Report, error) {
	u, err := im.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "importer: upload %s", uploadID)
	}
	rep, err := im.process(ctx, u, true)
	return u, rep, err
}

func saveFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "importer: create upload file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrap(err, "importer: write upload file")
	}
	return eris.Wrap(f.Close(), "importer: close upload file")
}

// process imports the upload and records its outcome. Row errors never fail
// the upload; unreadable files and store errors do.
func (im *Importer) process(ctx context.Context, u *model.Upload, force bool) (*Report, error) {
	if u.Status == model.UploadComplete && !force {
		return nil, eris.Wrapf(ErrAlreadyProcessed, "importer: upload %s", u.ID)
	}

	log := zap.L().With(zap.String("upload", u.ID), zap.Int64("organization", u.OrganizationID))
	start := time.Now()

	u.Status = model.UploadProcessing
	u.Error = ""
	if err := im.store.UpdateUpload(ctx, u); err != nil {
		return nil, eris.Wrap(err, "importer: mark processing")
	}

	rep, err := im.run(ctx, u)
	if err != nil {
		u.Status = model.UploadFailed
		u.Error = err.Error()
		if uErr := im.store.UpdateUpload(ctx, u); uErr != nil {
			log.Error("importer: record failure", zap.Error(uErr))
		}
		log.Error("importer: upload failed", zap.Error(err))
		return rep, err
	}

	u.Status = model.UploadComplete
	u.RowsProcessed = rep.AssetsCreated + rep.AssetsUpdated + int(rep.EventsInserted)
	u.RowsFailed = len(rep.Errors)
	if err := im.store.UpdateUpload(ctx, u); err != nil {
		return rep, eris.Wrap(err, "importer: mark complete")
	}

	log.Info("importer: upload complete",
		zap.Int("assets_created", rep.AssetsCreated),
		zap.Int("assets_updated", rep.AssetsUpdated),
		zap.Int64("events_inserted", rep.EventsInserted),
		zap.Int("rows_failed", u.RowsFailed),
		zap.Int("enqueued", rep.Enqueued),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

func (im *Importer) run(ctx context.Context, u *model.Upload) (*Report, error) {
	rep := &Report{UploadID: u.ID}
	wb, err := readWorkbook(u.Path)
	if err != nil {
		return rep, err
	}
	assets, ok := wb[sheetAssets]
	if !ok {
		return rep, eris.Errorf("importer: workbook has no %q sheet", sheetAssets)
	}
	if err := assets.require(colAssetTag, colClass, colAssetType, colAssetSubtype, colManufacture); err != nil {
		return rep, err
	}

	idx := newAssetIndex(im.store, u.OrganizationID)
	touched := make(map[string]bool)

	parsed, successors := im.parseAssets(assets, u.OrganizationID, rep)
	for _, batch := range chunk(parsed, im.opts.BatchSize) {
		written, err := im.store.UpsertAssets(ctx, batch)
		if err != nil {
			return rep, eris.Wrap(err, "importer: upsert assets")
		}
		for _, w := range written {
			if w.Created {
				rep.AssetsCreated++
			} else {
				rep.AssetsUpdated++
			}
			touched[w.ObjectKey] = true
			idx.keys[tagKey(w.AssetTag)] = w.ObjectKey
		}
	}
	metrics.AddImportRows(sheetAssets, "ok", len(parsed))

	if err := im.linkSuccessors(ctx, assets.name, successors, idx, rep, touched); err != nil {
		return rep, err
	}

	if events, ok := wb[sheetEvents]; ok {
		if err := events.require(colAssetTag, colEventType, colEventDate); err != nil {
			return rep, err
		}
		evs, err := im.parseEvents(ctx, events, idx, u.CreatedBy, rep, touched)
		if err != nil {
			return rep, err
		}
		for _, batch := range chunk(evs, im.opts.BatchSize) {
			n, err := im.store.InsertEvents(ctx, batch)
			if err != nil {
				return rep, eris.Wrap(err, "importer: insert events")
			}
			rep.EventsInserted += n
		}
		metrics.AddImportRows(sheetEvents, "ok", len(evs))
	}

	im.invalidate(ctx, touched)
	for key := range touched {
		if err := im.jobs.Enqueue(ctx, key); err != nil {
			zap.L().Error("importer: enqueue recalculation failed", zap.String("asset", key), zap.Error(err))
			continue
		}
		rep.Enqueued++
	}
	return rep, nil
}

// successorRow is a superseded_by_tag cell, applied after every asset of
// the upload is written.
type successorRow struct {
	Number       int
	AssetTag     string
	SuccessorTag string
}

func (im *Importer) parseAssets(t *table, organizationID int64, rep *Report) ([]*model.Asset, []successorRow) {
	var out []*model.Asset
	var successors []successorRow
	seen := make(map[string]int)
	t.each(func(r row) {
		a, err := parseAsset(r, organizationID)
		if err == nil {
			if first, dup := seen[tagKey(a.AssetTag)]; dup {
				err = eris.Errorf("asset tag %s repeats row %d", a.AssetTag, first)
			}
		}
		if err != nil {
			rep.reject(t.name, r.Number, err)
			return
		}
		seen[tagKey(a.AssetTag)] = r.Number
		out = append(out, a)
		if tag := r.get(colSupersededBy); tag != "" {
			successors = append(successors, successorRow{Number: r.Number, AssetTag: a.AssetTag, SuccessorTag: tag})
		}
	})
	return out, successors
}

// linkSuccessors stores superseded-by links. Unknown tags, self links and
// cycles reject the row.
func (im *Importer) linkSuccessors(ctx context.Context, sheet string, rows []successorRow, idx *assetIndex, rep *Report, touched map[string]bool) error {
	for _, sr := range rows {
		a, err := idx.lookup(ctx, sr.AssetTag)
		if err != nil {
			return err
		}
		successor, err := idx.lookup(ctx, sr.SuccessorTag)
		if errors.Is(err, store.ErrNotFound) {
			rep.reject(sheet, sr.Number, eris.Errorf("unknown successor tag %s", sr.SuccessorTag))
			continue
		}
		if err != nil {
			return err
		}

		err = im.store.SetSupersededBy(ctx, a.ID, &successor.ID)
		if badLink(err) {
			rep.reject(sheet, sr.Number, err)
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "importer: link %s to %s", sr.AssetTag, sr.SuccessorTag)
		}
		a.SupersededByID = model.Ptr(successor.ID)
		touched[a.ObjectKey] = true
	}
	return nil
}

func badLink(err error) bool {
	for _, target := range []error{model.ErrSelfLink, model.ErrCycle, model.ErrForeignLink, model.ErrUnknownAsset} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// invalidate drops the cached read models of written assets.
func (im *Importer) invalidate(ctx context.Context, touched map[string]bool) {
	if len(touched) == 0 {
		return
	}
	keys := make([]string, 0, len(touched))
	for key := range touched {
		keys = append(keys, cache.AssetKey(key))
	}
	if err := im.opts.Cache.Invalidate(ctx, keys...); err != nil {
		zap.L().Warn("importer: cache invalidation failed", zap.Int("assets", len(keys)), zap.Error(err))
	}
}

func (im *Importer) parseEvents(ctx context.Context, t *table, idx *assetIndex, createdBy string, rep *Report, touched map[string]bool) ([]*model.AssetEvent, error) {
	var rows []*eventRow
	t.each(func(r row) {
		er, err := parseEvent(r, createdBy)
		if err != nil {
			rep.reject(t.name, r.Number, err)
			return
		}
		rows = append(rows, er)
	})

	var out []*model.AssetEvent
	for _, er := range rows {
		a, err := idx.lookup(ctx, er.AssetTag)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			rep.reject(t.name, er.Number, eris.Errorf("unknown asset tag %s", er.AssetTag))
			continue
		}
		ev := er.Event
		ev.AssetID = a.ID

		if er.ParentTag != "" {
			parent, err := idx.lookup(ctx, er.ParentTag)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
				rep.reject(t.name, er.Number, eris.Errorf("unknown parent tag %s", er.ParentTag))
				continue
			}
			ev.Payload.ParentID = model.Ptr(parent.ID)
		}

		if err := checkEvent(a, ev); err != nil {
			rep.reject(t.name, er.Number, err)
			continue
		}
		out = append(out, ev)
		touched[a.ObjectKey] = true
	}
	return out, nil
}

func checkEvent(a *model.Asset, ev *model.AssetEvent) error {
	b, err := a.Behavior()
	if err != nil {
		return err
	}
	if !b.AllowsEvent(ev.Kind) {
		return eris.Wrapf(model.ErrEventKindNotAllowed, "%s on %s asset", ev.Kind, a.Class)
	}
	return ev.Validate()
}

func (rep *Report) reject(sheet string, number int, err error) {
	rep.Errors = append(rep.Errors, RowError{Sheet: sheet, Row: number, Reason: rowReason(err)})
	metrics.AddImportRows(normalize(sheet), "invalid", 1)
}

// rowReason drops the package prefixes a wrapped error carries.
func rowReason(err error) string {
	var invalid *model.InvalidEventDataError
	if errors.As(err, &invalid) {
		return invalid.Reason
	}
	msg := err.Error()
	if i := strings.LastIndex(msg, "model: "); i >= 0 {
		msg = msg[i+len("model: "):]
	}
	return msg
}

func tagKey(tag string) string {
	return normalize(tag)
}

// assetIndex resolves asset tags of one organization, caching lookups.
type assetIndex struct {
	store          store.Store
	organizationID int64
	keys           map[string]string
	assets         map[string]*model.Asset
}

func newAssetIndex(st store.Store, organizationID int64) *assetIndex {
	return &assetIndex{
		store:          st,
		organizationID: organizationID,
		keys:           make(map[string]string),
		assets:         make(map[string]*model.Asset),
	}
}

func (x *assetIndex) lookup(ctx context.Context, tag string) (*model.Asset, error) {
	k := tagKey(tag)
	if a, ok := x.assets[k]; ok {
		return a, nil
	}

	if key, ok := x.keys[k]; ok {
		a, err := x.store.GetAsset(ctx, key)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: asset %s", tag)
		}
		x.assets[k] = a
		return a, nil
	}

	found, err := x.store.SearchAssets(ctx, store.AssetFilter{
		OrganizationIDs: []int64{x.organizationID},
		Keyword:         tag,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "importer: find asset %s", tag)
	}
	for i := range found {
		if tagKey(found[i].AssetTag) == k {
			a := found[i]
			x.assets[k] = &a
			return &a, nil
		}
	}
	return nil, eris.Wrapf(store.ErrNotFound, "importer: asset tag %s", tag)
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
