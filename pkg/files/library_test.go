package files

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chillspace/pkg/apperr"
	"chillspace/pkg/cache"
	"chillspace/pkg/models"
	"chillspace/pkg/remote"
	"chillspace/pkg/remote/memremote"
	"chillspace/pkg/timeutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *memremote.Service
	clock *timeutil.Fake
	lib   *Library
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := timeutil.NewFake(t0)
	svc := memremote.New(memremote.WithClock(clock))
	svc.Put(remote.CollectionUsers,
		remote.Record{"id": "u1", "username": "ana", "role": "user"},
		remote.Record{"id": "u2", "username": "bo", "role": "user"},
	)
	at := func(d time.Duration) string { return remote.Timestamp(t0.Add(d)) }
	svc.Put(remote.CollectionFiles,
		remote.Record{"id": "f-old", "channel_id": "c1", "uploader_id": "u2", "display_name": "old.txt", "original_filename": "old.txt", "file_type": "text/plain", "file_size": 3, "storage_path": "u2/1_old.txt", "created_at": at(-2 * time.Hour)},
		remote.Record{"id": "f-new", "channel_id": "c1", "uploader_id": "u2", "display_name": "new.png", "original_filename": "new.png", "file_type": "image/png", "file_size": 2048, "storage_path": "u2/2_new.png", "created_at": at(-time.Hour)},
		remote.Record{"id": "f-other", "channel_id": "c2", "uploader_id": "u1", "display_name": "x.zip", "original_filename": "x.zip", "file_type": "application/zip", "file_size": 10, "storage_path": "u1/3_x.zip", "created_at": at(-30 * time.Minute)},
	)
	svc.Put(remote.CollectionFileReactions,
		remote.Record{"id": "fr1", "file_id": "f-new", "user_id": "u2", "emoji": "👍"},
	)
	svc.Put(remote.CollectionFileComments,
		remote.Record{"id": "fc2", "file_id": "f-new", "user_id": "u2", "content": "second", "created_at": at(-40 * time.Minute)},
		remote.Record{"id": "fc1", "file_id": "f-new", "user_id": "u2", "content": "first", "created_at": at(-50 * time.Minute)},
	)
	svc.SignIn("u1", "ana@x")
	for _, p := range []string{"u2/1_old.txt", "u2/2_new.png", "u1/3_x.zip"} {
		_, err := svc.UploadBlob(context.Background(), DefaultBucket, p, []byte("abc"), "")
		require.NoError(t, err)
	}

	c := cache.New(cache.RemoteFetchers(svc, false), cache.Options{Clock: clock})
	if opts.Clock == nil {
		opts.Clock = clock
	}
	lib := New(svc, c, opts)
	t.Cleanup(lib.Close)
	return &fixture{svc: svc, clock: clock, lib: lib}
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	require.NoError(t, f.lib.Load(context.Background()))
}

func assetIDs(fs []models.FileAsset) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}

func (f *fixture) asset(t *testing.T, id string) models.FileAsset {
	t.Helper()
	a, ok := f.lib.Get(id)
	require.True(t, ok, "asset %s not listed", id)
	return a
}

func TestLoadNewestFirstWithReactionsAndComments(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	list := f.lib.Files()
	assert.Equal(t, []string{"f-new", "f-old"}, assetIDs(list))
	assert.Equal(t, []models.Reaction{{Emoji: "👍", UserIDs: []string{"u2"}}}, list[0].Reactions)
	assert.Equal(t, 2, list[0].CommentCount)
	assert.Zero(t, list[1].CommentCount)
	assert.NoError(t, f.lib.Err())
}

func TestLoadWithoutChannelListsEverything(t *testing.T) {
	f := newFixture(t, Options{})
	f.load(t)
	assert.Equal(t, []string{"f-other", "f-new", "f-old"}, assetIDs(f.lib.Files()))
}

func TestLoadFailureIsExposed(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.svc.FailNext("query", remote.CollectionFiles, errors.New("offline"))
	err := f.lib.Load(context.Background())
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.ErrorIs(t, f.lib.Err(), apperr.ErrTransient)

	f.load(t)
	assert.NoError(t, f.lib.Err())
}

func TestStoragePath(t *testing.T) {
	assert.Equal(t, "u1/1714564800000_a_b_c.txt", StoragePath("u1", t0, "a b/c.txt"))
	assert.Equal(t, "u1/1714564800000_r_sum_.v2.pdf", StoragePath("u1", t0, "résumé.v2.pdf"))
}

func TestUploadStoresBlobThenRow(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	asset, err := f.lib.Upload(context.Background(), UploadRequest{
		Filename:    "my report (v2).pdf",
		Description: " quarterly ",
		Data:        []byte("%PDF"),
	})
	require.NoError(t, err)
	assert.Equal(t, "u1/1714564800000_my_report__v2_.pdf", asset.StoragePath)
	assert.Equal(t, "my report (v2).pdf", asset.DisplayName)
	assert.Equal(t, "quarterly", asset.Description)
	assert.Equal(t, "application/pdf", asset.MimeType)
	assert.Equal(t, "c1", asset.ChannelID)
	assert.EqualValues(t, 4, asset.ByteSize)

	blob, ok := f.svc.Blob(DefaultBucket, asset.StoragePath)
	require.True(t, ok)
	assert.Equal(t, []byte("%PDF"), blob)
	assert.Equal(t, []string{asset.ID, "f-new", "f-old"}, assetIDs(f.lib.Files()))
}

func TestUploadRejectsOversizeFile(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1", MaxSize: 4})
	seeded := f.svc.Calls("upload_blob", DefaultBucket)
	_, err := f.lib.Upload(context.Background(), UploadRequest{Filename: "big.bin", Data: []byte("12345")})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "4 B")
	assert.Equal(t, seeded, f.svc.Calls("upload_blob", DefaultBucket))
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.lib.Upload(context.Background(), UploadRequest{Filename: "empty.txt"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUploadRemovesBlobWhenRowFails(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	f.svc.FailNext("insert", remote.CollectionFiles, errors.New("db down"))

	_, err := f.lib.Upload(context.Background(), UploadRequest{Filename: "notes.txt", Data: []byte("hi")})
	require.ErrorIs(t, err, apperr.ErrTransient)

	_, ok := f.svc.Blob(DefaultBucket, StoragePath("u1", t0, "notes.txt"))
	assert.False(t, ok, "orphaned blob was removed")
	assert.Equal(t, 1, f.svc.Calls("remove_blob", DefaultBucket))
	assert.Equal(t, []string{"f-new", "f-old"}, assetIDs(f.lib.Files()))
	assert.Error(t, f.lib.Err())
}

func TestUploadRequiresIdentity(t *testing.T) {
	f := newFixture(t, Options{})
	seeded := f.svc.Calls("upload_blob", DefaultBucket)
	f.svc.SignOut()
	_, err := f.lib.Upload(context.Background(), UploadRequest{Filename: "a.txt", Data: []byte("a")})
	require.ErrorIs(t, err, apperr.ErrAuthentication)
	assert.Equal(t, seeded, f.svc.Calls("upload_blob", DefaultBucket))
}

func TestDeleteRemovesBlobAndRow(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	require.NoError(t, f.lib.Delete(context.Background(), "f-old"))
	_, ok := f.svc.Blob(DefaultBucket, "u2/1_old.txt")
	assert.False(t, ok)
	recs, err := f.svc.Query(context.Background(), remote.CollectionFiles, remote.Eq("id", "f-old"))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, []string{"f-new"}, assetIDs(f.lib.Files()))
}

func TestDeleteUnknownAsset(t *testing.T) {
	f := newFixture(t, Options{})
	assert.ErrorIs(t, f.lib.Delete(context.Background(), "nope"), apperr.ErrNotFound)
}

func TestDeleteRetriesRow(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1", DeleteBackoff: time.Millisecond})
	f.load(t)
	f.svc.FailNext("delete", remote.CollectionFiles, errors.New("timeout"))

	require.NoError(t, f.lib.Delete(context.Background(), "f-old"))
	assert.Equal(t, 2, f.svc.Calls("delete", remote.CollectionFiles))
	assert.Equal(t, []string{"f-new"}, assetIDs(f.lib.Files()))
}

func TestDeleteReportsHalfFinishedDelete(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1", DeleteAttempts: 3, DeleteBackoff: time.Millisecond})
	f.load(t)
	for i := 0; i < 3; i++ {
		f.svc.FailNext("delete", remote.CollectionFiles, errors.New("timeout"))
	}

	err := f.lib.Delete(context.Background(), "f-old")
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 3, f.svc.Calls("delete", remote.CollectionFiles))

	_, ok := f.svc.Blob(DefaultBucket, "u2/1_old.txt")
	assert.False(t, ok, "blob is already gone")
	recs, qerr := f.svc.Query(context.Background(), remote.CollectionFiles, remote.Eq("id", "f-old"))
	require.NoError(t, qerr)
	assert.Len(t, recs, 1, "row remains")
	assert.Contains(t, assetIDs(f.lib.Files()), "f-old")
	assert.Error(t, f.lib.Err())
}

func TestDeleteDoesNotRetryAuthFailure(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1", DeleteBackoff: time.Millisecond})
	f.load(t)
	f.svc.FailNext("delete", remote.CollectionFiles, apperr.Authentication("delete", "expired"))

	require.ErrorIs(t, f.lib.Delete(context.Background(), "f-old"), apperr.ErrAuthentication)
	assert.Equal(t, 1, f.svc.Calls("delete", remote.CollectionFiles))
}

func TestAddCommentCountsOptimistically(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	release := f.svc.Gate("insert", remote.CollectionFileComments)
	var (
		wg      sync.WaitGroup
		created models.Comment
		err     error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		created, err = f.lib.AddComment(context.Background(), "f-new", " third ")
	}()
	require.Eventually(t, func() bool {
		a, _ := f.lib.Get("f-new")
		return a.CommentCount == 3
	}, 2*time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, "third", created.Content)
	assert.Equal(t, 3, f.asset(t, "f-new").CommentCount)

	comments, err := f.lib.Comments(context.Background(), "f-new")
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{comments[0].Content, comments[1].Content, comments[2].Content})
}

func TestAddCommentRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	f.svc.FailNext("insert", remote.CollectionFileComments, errors.New("db down"))

	_, err := f.lib.AddComment(context.Background(), "f-new", "lost")
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 2, f.asset(t, "f-new").CommentCount)
	assert.ErrorIs(t, f.lib.Err(), apperr.ErrTransient)
}

func TestReloadDuringCommentWrite(t *testing.T) {
	for _, fail := range []bool{false, true} {
		f := newFixture(t, Options{ChannelID: "c1"})
		f.load(t)
		release := f.svc.Gate("insert", remote.CollectionFileComments)
		if fail {
			f.svc.FailNext("insert", remote.CollectionFileComments, errors.New("db down"))
		}
		errc := make(chan error, 1)
		go func() {
			_, err := f.lib.AddComment(context.Background(), "f-new", "racing")
			errc <- err
		}()
		require.Eventually(t, func() bool {
			a, _ := f.lib.Get("f-new")
			return a.CommentCount == 3
		}, 2*time.Second, 5*time.Millisecond)

		f.load(t)
		assert.Equal(t, 3, f.asset(t, "f-new").CommentCount, "reload keeps the pending comment")
		release()
		err := <-errc

		want := 3
		if fail {
			require.Error(t, err)
			want = 2
		} else {
			require.NoError(t, err)
		}
		assert.Equal(t, want, f.asset(t, "f-new").CommentCount, "fail=%v", fail)
		f.load(t)
		assert.Equal(t, want, f.asset(t, "f-new").CommentCount, "backend count, fail=%v", fail)
	}
}

func TestReloadDuringCommentDelete(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	release := f.svc.Gate("delete", remote.CollectionFileComments)
	f.svc.FailNext("delete", remote.CollectionFileComments, errors.New("db down"))
	errc := make(chan error, 1)
	go func() { errc <- f.lib.DeleteComment(context.Background(), "f-new", "fc1") }()
	require.Eventually(t, func() bool {
		a, _ := f.lib.Get("f-new")
		return a.CommentCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.load(t)
	assert.Equal(t, 1, f.asset(t, "f-new").CommentCount)
	release()
	require.Error(t, <-errc)
	assert.Equal(t, 2, f.asset(t, "f-new").CommentCount)
}

func TestAddCommentRejectsEmpty(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	_, err := f.lib.AddComment(context.Background(), "f-new", "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.NoError(t, f.lib.Err())
}

func TestDeleteComment(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	require.NoError(t, f.lib.DeleteComment(context.Background(), "f-new", "fc1"))
	assert.Equal(t, 1, f.asset(t, "f-new").CommentCount)

	require.NoError(t, f.lib.DeleteComment(context.Background(), "f-old", "ghost"))
	assert.Zero(t, f.asset(t, "f-old").CommentCount, "count floors at zero")
}

func TestDeleteCommentFailureRestoresCount(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	f.svc.FailNext("delete", remote.CollectionFileComments, errors.New("db down"))

	require.Error(t, f.lib.DeleteComment(context.Background(), "f-new", "fc1"))
	assert.Equal(t, 2, f.asset(t, "f-new").CommentCount)
}

func TestToggleReactionTwiceRestoresOriginal(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	before := f.asset(t, "f-new").Reactions

	after, err := f.lib.ToggleReaction(context.Background(), "f-new", "👍")
	require.NoError(t, err)
	assert.Equal(t, []models.Reaction{{Emoji: "👍", UserIDs: []string{"u1", "u2"}}}, after.Reactions)

	_, err = f.lib.ToggleReaction(context.Background(), "f-new", "👍")
	require.NoError(t, err)
	assert.Equal(t, before, f.asset(t, "f-new").Reactions)
}

func TestToggleReactionConflictAcceptsRemote(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	// reacted from another device after the load
	f.svc.Put(remote.CollectionFileReactions, remote.Record{"id": "fr9", "file_id": "f-old", "user_id": "u1", "emoji": "🎉"})

	got, err := f.lib.ToggleReaction(context.Background(), "f-old", "🎉")
	require.NoError(t, err)
	assert.Equal(t, []models.Reaction{{Emoji: "🎉", UserIDs: []string{"u1"}}}, got.Reactions)
}

func TestToggleReactionRejectsText(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	_, err := f.lib.ToggleReaction(context.Background(), "f-old", ":fire:")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestToggleReactionFailureRollsBack(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	f.svc.FailNext("insert", remote.CollectionFileReactions, errors.New("db down"))

	_, err := f.lib.ToggleReaction(context.Background(), "f-old", "🔥")
	require.Error(t, err)
	assert.Nil(t, f.asset(t, "f-old").Reactions)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	got, err := f.lib.Update(context.Background(), "f-new", "Screenshot", "the bug")
	require.NoError(t, err)
	assert.Equal(t, "Screenshot", got.DisplayName)
	assert.Equal(t, 2, got.CommentCount, "local aggregates survive")

	recs, err := f.svc.Query(context.Background(), remote.CollectionFiles, remote.Eq("id", "f-new"))
	require.NoError(t, err)
	assert.Equal(t, "the bug", recs[0].String("description"))
	assert.NotEmpty(t, recs[0].String("updated_at"))

	_, err = f.lib.Update(context.Background(), "f-new", " ", "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSignedURLAndDownloadCount(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)

	u, err := f.lib.SignedURL(context.Background(), f.asset(t, "f-new"))
	require.NoError(t, err)
	assert.Contains(t, u, "space-files-v3/u2/2_new.png")
	assert.Contains(t, u, "expires=1714568400")

	require.NoError(t, f.lib.IncrementDownload(context.Background(), "f-new"))
	require.NoError(t, f.lib.IncrementDownload(context.Background(), "f-new"))
	assert.Equal(t, 2, f.asset(t, "f-new").DownloadCount)

	_, err = f.lib.SignedURL(context.Background(), models.FileAsset{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestWatchReloadsOnChange(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	require.NoError(t, f.lib.Watch(context.Background()))

	_, err := f.svc.Insert(context.Background(), remote.CollectionFiles, remote.Record{
		"id": "f-live", "channel_id": "c1", "uploader_id": "u2", "display_name": "live.txt",
		"original_filename": "live.txt", "file_type": "text/plain", "file_size": 1, "storage_path": "u2/9_live.txt",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.lib.Get("f-live")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	f.lib.Close()
	assert.Zero(t, f.svc.SubscriberCount(remote.CollectionFiles))
}

func TestCloseCancelsHungReload(t *testing.T) {
	f := newFixture(t, Options{ChannelID: "c1"})
	f.load(t)
	require.NoError(t, f.lib.Watch(context.Background()))
	loads := f.svc.Calls("query", remote.CollectionFiles)
	release := f.svc.Gate("query", remote.CollectionFiles)
	defer release()

	_, err := f.svc.Insert(context.Background(), remote.CollectionFiles, remote.Record{
		"id": "f-live", "channel_id": "c1", "uploader_id": "u2", "display_name": "live.txt",
		"original_filename": "live.txt", "file_type": "text/plain", "file_size": 1, "storage_path": "u2/9_live.txt",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.svc.Calls("query", remote.CollectionFiles) > loads
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.lib.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a reload that never returns")
	}
	_, ok := f.lib.Get("f-live")
	assert.False(t, ok)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "0 B", HumanSize(models.FileAsset{}))
	assert.Equal(t, "1.5 KiB", HumanSize(models.FileAsset{ByteSize: 1536}))
	assert.Equal(t, "50 MiB", HumanSize(models.FileAsset{ByteSize: DefaultMaxSize}))
}
