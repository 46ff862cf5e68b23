// Package files manages shared file assets: blobs in object storage plus
// their metadata rows, reactions and comments.
package files

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"chillspace/pkg/apperr"
	"chillspace/pkg/cache"
	"chillspace/pkg/models"
	"chillspace/pkg/mutation"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/timeutil"
)

const (
	DefaultBucket               = "space-files-v3"
	DefaultMaxSize        int64 = 50 << 20
	DefaultURLTTL               = time.Hour
	DefaultDeleteAttempts       = 3
	DefaultDeleteBackoff        = 200 * time.Millisecond
)

type Options struct {
	// ChannelID scopes the library to one channel; empty lists every file.
	ChannelID      string
	Bucket         string
	MaxSize        int64
	URLTTL         time.Duration
	DeleteAttempts int
	DeleteBackoff  time.Duration
	Clock          timeutil.Clock
	OnChange       func([]models.FileAsset)
}

// Library is safe for concurrent use.
type Library struct {
	svc    remote.Service
	cache  *cache.Cache
	opts   Options
	runner *mutation.Runner

	mu     sync.Mutex
	files  []models.FileAsset
	err    error
	loaded bool
	// comment count changes still in flight, per file; Load adds them on
	// top of the backend counts
	pending map[string]int

	watchMu sync.Mutex
	sub     remote.Subscription
	// cancels reloads started by the watch loop
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(svc remote.Service, c *cache.Cache, opts Options) *Library {
	if opts.Bucket == "" {
		opts.Bucket = DefaultBucket
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.URLTTL <= 0 {
		opts.URLTTL = DefaultURLTTL
	}
	if opts.DeleteAttempts <= 0 {
		opts.DeleteAttempts = DefaultDeleteAttempts
	}
	if opts.DeleteBackoff <= 0 {
		opts.DeleteBackoff = DefaultDeleteBackoff
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real
	}
	return &Library{svc: svc, cache: c, opts: opts, runner: mutation.NewRunner(), pending: map[string]int{}}
}

func (l *Library) filter() remote.Filter {
	if l.opts.ChannelID == "" {
		return remote.Filter{}
	}
	return remote.Eq("channel_id", l.opts.ChannelID)
}

// Load replaces the list with the backend's, newest first, including
// reaction groups and comment counts.
func (l *Library) Load(ctx context.Context) error {
	recs, err := l.svc.Query(ctx, remote.CollectionFiles, l.filter(), remote.Desc("created_at"))
	if err != nil {
		return l.fail("load files", err)
	}
	assets, err := remote.DecodeAll[models.FileAsset](recs)
	if err != nil {
		return l.fail("load files", apperr.Wrap(apperr.ErrValidation, "decode files", err))
	}
	ids := make([]string, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
	}
	if len(ids) > 0 {
		reactions, err := l.loadReactions(ctx, ids)
		if err != nil {
			return l.fail("load file reactions", err)
		}
		counts, err := l.commentCounts(ctx, ids)
		if err != nil {
			return l.fail("load file comments", err)
		}
		for i := range assets {
			assets[i].Reactions = reactions[assets[i].ID]
			assets[i].CommentCount = counts[assets[i].ID]
		}
	}

	l.mu.Lock()
	for i := range assets {
		if d := l.pending[assets[i].ID]; d != 0 {
			assets[i].CommentCount = max(0, assets[i].CommentCount+d)
		}
	}
	l.files = assets
	l.err = nil
	l.loaded = true
	l.mu.Unlock()
	l.notify()
	logger.Debug("files_loaded", "channel", l.opts.ChannelID, "count", len(assets))
	return nil
}

func (l *Library) loadReactions(ctx context.Context, ids []string) (map[string][]models.Reaction, error) {
	recs, err := l.svc.Query(ctx, remote.CollectionFileReactions, remote.InStrings("file_id", ids))
	if err != nil {
		return nil, err
	}
	rows, err := remote.DecodeAll[models.ReactionRow](recs)
	if err != nil {
		return nil, err
	}
	byFile := map[string][]models.ReactionRow{}
	for _, r := range rows {
		byFile[r.FileID] = append(byFile[r.FileID], r)
	}
	out := make(map[string][]models.Reaction, len(byFile))
	for id, rs := range byFile {
		out[id] = models.GroupReactions(rs)
	}
	return out, nil
}

func (l *Library) commentCounts(ctx context.Context, ids []string) (map[string]int, error) {
	recs, err := l.svc.Query(ctx, remote.CollectionFileComments, remote.InStrings("file_id", ids))
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, r := range recs {
		out[r.String("file_id")]++
	}
	return out, nil
}

// fail records err as the visible error and returns it.
func (l *Library) fail(op string, err error) error {
	err = apperr.Classify(op, err)
	if errors.Is(err, apperr.ErrAuthentication) && l.cache != nil {
		l.cache.Reset()
	}
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.notify()
	logger.Warn("files_error", "op", op, "error_kind", apperr.KindOf(err), "error", err)
	return err
}

// Files returns a copy of the list.
func (l *Library) Files() []models.FileAsset {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.FileAsset, len(l.files))
	for i, f := range l.files {
		out[i] = f.Clone()
	}
	return out
}

// Get returns one asset from the list.
func (l *Library) Get(id string) (models.FileAsset, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(id); i >= 0 {
		return l.files[i].Clone(), true
	}
	return models.FileAsset{}, false
}

// Err is the last error of any library operation, cleared by the next
// successful load.
func (l *Library) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// shiftPending records a comment count change that has not reached the
// backend yet, or settles one with the opposite delta.
func (l *Library) shiftPending(fileID string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[fileID] += delta
	if l.pending[fileID] == 0 {
		delete(l.pending, fileID)
	}
}

func (l *Library) indexLocked(id string) int {
	for i, f := range l.files {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func (l *Library) notify() {
	if l.opts.OnChange == nil {
		return
	}
	l.opts.OnChange(l.Files())
}

// Watch reloads the list whenever the files collection changes, until
// Close. Bursts of events cause a single reload.
func (l *Library) Watch(ctx context.Context) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.sub != nil {
		return nil
	}
	sub, err := l.svc.Subscribe(ctx, remote.CollectionFiles, l.filter())
	if err != nil {
		return l.fail("watch files", err)
	}
	l.sub = sub
	reloadCtx, stop := context.WithCancel(context.Background())
	l.stop = stop
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for range sub.Events() {
			drain(sub.Events())
			if err := l.Load(reloadCtx); err != nil {
				logger.Warn("files_reload_failed", "error", err)
			}
		}
	}()
	return nil
}

func drain(ch <-chan remote.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close stops watching.
func (l *Library) Close() {
	l.watchMu.Lock()
	sub, stop := l.sub, l.stop
	l.sub, l.stop = nil, nil
	l.watchMu.Unlock()
	if stop != nil {
		stop()
	}
	if sub != nil {
		_ = sub.Close()
	}
	l.wg.Wait()
}

func (l *Library) me(ctx context.Context) (models.Profile, error) {
	if l.cache == nil {
		return models.Profile{}, apperr.Authentication("identity", "no identity source")
	}
	return l.cache.Profile(ctx, false)
}

type UploadRequest struct {
	Filename    string
	DisplayName string
	Description string
	ChannelID   string
	ContentType string
	Data        []byte
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// StoragePath is where uid's upload of filename is stored.
func StoragePath(uid string, at time.Time, filename string) string {
	return fmt.Sprintf("%s/%d_%s", uid, at.UnixMilli(), unsafeName.ReplaceAllString(filename, "_"))
}

// Upload stores the blob, then its metadata row. When the row cannot be
// written the blob is removed again, so an asset exists either completely
// or not at all.
func (l *Library) Upload(ctx context.Context, req UploadRequest) (models.FileAsset, error) {
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		return models.FileAsset{}, apperr.Validation("upload", "file name is empty")
	}
	if len(req.Data) == 0 {
		return models.FileAsset{}, apperr.Validation("upload", "file is empty")
	}
	if int64(len(req.Data)) > l.opts.MaxSize {
		return models.FileAsset{}, apperr.Validationf("upload", "file too large, maximum size is %s", humanize.IBytes(uint64(l.opts.MaxSize)))
	}
	me, err := l.me(ctx)
	if err != nil {
		return models.FileAsset{}, l.fail("upload", err)
	}
	channel := req.ChannelID
	if channel == "" {
		channel = l.opts.ChannelID
	}
	display := strings.TrimSpace(req.DisplayName)
	if display == "" {
		display = name
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(name))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storagePath := StoragePath(me.ID, l.opts.Clock.Now(), name)
	if _, err := l.svc.UploadBlob(ctx, l.opts.Bucket, storagePath, req.Data, contentType); err != nil {
		return models.FileAsset{}, l.fail("upload blob", err)
	}

	row := remote.Record{
		"uploader_id":       me.ID,
		"display_name":      display,
		"original_filename": name,
		"file_type":         contentType,
		"file_size":         len(req.Data),
		"storage_path":      storagePath,
		"download_count":    0,
	}
	if channel != "" {
		row["channel_id"] = channel
	}
	if d := strings.TrimSpace(req.Description); d != "" {
		row["description"] = d
	}
	rec, err := l.svc.Insert(ctx, remote.CollectionFiles, row)
	if err == nil {
		var asset models.FileAsset
		asset, err = remote.Decode[models.FileAsset](rec)
		if err == nil {
			l.mu.Lock()
			if i := l.indexLocked(asset.ID); i >= 0 {
				l.files[i] = asset
			} else {
				l.files = append(l.files, asset)
				sortNewestFirst(l.files)
			}
			l.mu.Unlock()
			l.notify()
			logger.Info("file_uploaded", "id", asset.ID, "size", humanize.IBytes(uint64(asset.ByteSize)))
			return asset, nil
		}
	}
	if rerr := l.svc.RemoveBlob(context.WithoutCancel(ctx), l.opts.Bucket, storagePath); rerr != nil {
		logger.Error("file_upload_orphaned_blob", "path", storagePath, "error", rerr)
	}
	return models.FileAsset{}, l.fail("insert file", err)
}

// Delete removes the blob and then the metadata row. The row delete is
// retried with backoff; if it still fails the blob is gone while the row
// remains, which is reported as an error and logged.
func (l *Library) Delete(ctx context.Context, id string) error {
	asset, ok := l.Get(id)
	if !ok {
		recs, err := l.svc.Query(ctx, remote.CollectionFiles, remote.Eq("id", id))
		if err != nil {
			return l.fail("delete file", err)
		}
		if len(recs) == 0 {
			return apperr.NotFound("delete file", id)
		}
		if asset, err = remote.Decode[models.FileAsset](recs[0]); err != nil {
			return l.fail("delete file", err)
		}
	}
	if asset.StoragePath != "" {
		if err := l.svc.RemoveBlob(ctx, l.opts.Bucket, asset.StoragePath); err != nil {
			return l.fail("remove blob", err)
		}
	}

	if err := l.deleteRow(ctx, id); err != nil {
		logger.Error("file_delete_inconsistent", "id", id, "path", asset.StoragePath, "error", err)
		return l.fail("delete file", err)
	}

	l.mu.Lock()
	if i := l.indexLocked(id); i >= 0 {
		l.files = append(l.files[:i:i], l.files[i+1:]...)
	}
	l.mu.Unlock()
	l.notify()
	logger.Info("file_deleted", "id", id)
	return nil
}

// deleteRow deletes the metadata row, retrying transient failures with
// doubling backoff.
func (l *Library) deleteRow(ctx context.Context, id string) error {
	backoff := l.opts.DeleteBackoff
	for attempt := 1; ; attempt++ {
		err := l.svc.Delete(ctx, remote.CollectionFiles, id)
		if err == nil || attempt >= l.opts.DeleteAttempts || !apperr.Retryable(apperr.Classify("delete file", err)) {
			return err
		}
		logger.Debug("file_delete_retry", "id", id, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

// SignedURL returns a time-limited download link for asset.
func (l *Library) SignedURL(ctx context.Context, asset models.FileAsset) (string, error) {
	if asset.StoragePath == "" {
		return "", apperr.Validation("signed url", "asset has no storage path")
	}
	u, err := l.svc.SignedURL(ctx, l.opts.Bucket, asset.StoragePath, l.opts.URLTTL)
	if err != nil {
		return "", apperr.Classify("signed url", err)
	}
	return u, nil
}

// IncrementDownload bumps the download counter from its stored value.
func (l *Library) IncrementDownload(ctx context.Context, id string) error {
	recs, err := l.svc.Query(ctx, remote.CollectionFiles, remote.Eq("id", id))
	if err != nil {
		return apperr.Classify("increment download", err)
	}
	if len(recs) == 0 {
		return apperr.NotFound("increment download", id)
	}
	asset, err := remote.Decode[models.FileAsset](recs[0])
	if err != nil {
		return err
	}
	next := asset.DownloadCount + 1
	if _, err := l.svc.Update(ctx, remote.CollectionFiles, id, remote.Record{"download_count": next}); err != nil {
		return apperr.Classify("increment download", err)
	}
	l.mu.Lock()
	if i := l.indexLocked(id); i >= 0 {
		l.files[i].DownloadCount = next
	}
	l.mu.Unlock()
	l.notify()
	return nil
}

// HumanSize formats the asset size for display.
func HumanSize(a models.FileAsset) string {
	if a.ByteSize <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(a.ByteSize))
}

// sortNewestFirst orders assets by creation time, newest first.
func sortNewestFirst(fs []models.FileAsset) {
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].CreatedAt.After(fs[j].CreatedAt) })
}
