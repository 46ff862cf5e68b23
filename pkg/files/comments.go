package files

import (
	"context"
	"errors"
	"strings"

	"chillspace/pkg/apperr"
	"chillspace/pkg/models"
	"chillspace/pkg/mutation"
	"chillspace/pkg/remote"
	"chillspace/pkg/state/logger"
)

// store publishes optimistic asset state into the list.
func (l *Library) store() mutation.Store[models.FileAsset] {
	return mutation.Funcs[models.FileAsset]{
		LoadFn: l.Get,
		SwapFn: func(id string, f models.FileAsset) {
			l.mu.Lock()
			if i := l.indexLocked(id); i >= 0 {
				l.files[i] = f
			}
			l.mu.Unlock()
			l.notify()
		},
	}
}

func (l *Library) finish(res mutation.Result[models.FileAsset]) (models.FileAsset, error) {
	if res.Err == nil {
		return res.Value, nil
	}
	if errors.Is(res.Err, apperr.ErrValidation) || errors.Is(res.Err, apperr.ErrNotFound) {
		return res.Value, res.Err
	}
	return res.Value, l.fail("file mutation", res.Err)
}

// Update changes the display name and description of an asset.
func (l *Library) Update(ctx context.Context, id, displayName, description string) (models.FileAsset, error) {
	displayName = strings.TrimSpace(displayName)
	description = strings.TrimSpace(description)
	if displayName == "" {
		return models.FileAsset{}, apperr.Validation("update file", "display name is empty")
	}
	now := l.opts.Clock.Now()
	res := mutation.Run(ctx, l.runner, l.store(), mutation.Mutation[models.FileAsset]{
		Kind: "file_update",
		Key:  id,
		Apply: func(cur models.FileAsset) (models.FileAsset, error) {
			cur.DisplayName = displayName
			cur.Description = description
			return cur, nil
		},
		Commit: func(ctx context.Context, optimistic models.FileAsset) (*models.FileAsset, error) {
			rec, err := l.svc.Update(ctx, remote.CollectionFiles, id, remote.Record{
				"display_name": displayName,
				"description":  description,
				"updated_at":   remote.Timestamp(now),
			})
			if err != nil {
				return nil, err
			}
			f, err := remote.Decode[models.FileAsset](rec)
			if err != nil {
				return nil, apperr.Wrap(apperr.ErrValidation, "decode file", err)
			}
			f.Reactions = optimistic.Reactions
			f.CommentCount = optimistic.CommentCount
			return &f, nil
		},
	})
	return l.finish(res)
}

// ToggleReaction adds or removes the user's emoji reaction on an asset.
func (l *Library) ToggleReaction(ctx context.Context, fileID, emoji string) (models.FileAsset, error) {
	emoji = strings.TrimSpace(emoji)
	if !models.IsEmoji(emoji) {
		return models.FileAsset{}, apperr.Validation("react", "reaction must be an emoji")
	}
	me, err := l.me(ctx)
	if err != nil {
		return models.FileAsset{}, l.fail("react", err)
	}
	var had bool
	res := mutation.Run(ctx, l.runner, l.store(), mutation.Mutation[models.FileAsset]{
		Kind: "file_reaction",
		Key:  fileID,
		Apply: func(cur models.FileAsset) (models.FileAsset, error) {
			had = models.HasReacted(cur.Reactions, me.ID, emoji)
			cur.Reactions = models.ToggleReaction(cur.Reactions, me.ID, emoji)
			return cur, nil
		},
		Commit: func(ctx context.Context, _ models.FileAsset) (*models.FileAsset, error) {
			if !had {
				_, err := l.svc.Insert(ctx, remote.CollectionFileReactions, remote.Record{
					"file_id": fileID,
					"user_id": me.ID,
					"emoji":   emoji,
				})
				return nil, err
			}
			recs, err := l.svc.Query(ctx, remote.CollectionFileReactions, remote.And(
				remote.Eq("file_id", fileID),
				remote.Eq("user_id", me.ID),
				remote.Eq("emoji", emoji),
			))
			if err != nil {
				return nil, err
			}
			for _, r := range recs {
				if err := l.svc.Delete(ctx, remote.CollectionFileReactions, r.ID()); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
		Resolve: func(ctx context.Context) (models.FileAsset, error) {
			byFile, err := l.loadReactions(ctx, []string{fileID})
			if err != nil {
				return models.FileAsset{}, err
			}
			cur, ok := l.Get(fileID)
			if !ok {
				return models.FileAsset{}, apperr.NotFound("react", fileID)
			}
			cur.Reactions = byFile[fileID]
			return cur, nil
		},
		Revert: func(cur models.FileAsset) models.FileAsset {
			if models.HasReacted(cur.Reactions, me.ID, emoji) != had {
				cur.Reactions = models.ToggleReaction(cur.Reactions, me.ID, emoji)
			}
			return cur
		},
	})
	return l.finish(res)
}

// Comments lists the comments of an asset, oldest first.
func (l *Library) Comments(ctx context.Context, fileID string) ([]models.Comment, error) {
	recs, err := l.svc.Query(ctx, remote.CollectionFileComments, remote.Eq("file_id", fileID), remote.Asc("created_at"))
	if err != nil {
		return nil, apperr.Classify("load comments", err)
	}
	return remote.DecodeAll[models.Comment](recs)
}

// AddComment posts a comment. The asset's comment count moves up before
// the write and back down if the write fails.
func (l *Library) AddComment(ctx context.Context, fileID, content string) (models.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Comment{}, apperr.Validation("comment", "comment is empty")
	}
	me, err := l.me(ctx)
	if err != nil {
		return models.Comment{}, l.fail("comment", err)
	}
	var created models.Comment
	inflight := false
	settle := func() {
		if inflight {
			inflight = false
			l.shiftPending(fileID, -1)
		}
	}
	res := mutation.Run(ctx, l.runner, l.store(), mutation.Mutation[models.FileAsset]{
		Kind: "file_comment",
		Key:  fileID,
		Apply: func(cur models.FileAsset) (models.FileAsset, error) {
			cur.CommentCount++
			inflight = true
			l.shiftPending(fileID, 1)
			return cur, nil
		},
		Commit: func(ctx context.Context, _ models.FileAsset) (*models.FileAsset, error) {
			rec, err := l.svc.Insert(ctx, remote.CollectionFileComments, remote.Record{
				"file_id": fileID,
				"user_id": me.ID,
				"content": content,
			})
			if err != nil {
				return nil, err
			}
			settle()
			created, err = remote.Decode[models.Comment](rec)
			return nil, err
		},
		// a reload may have replaced the count since Apply; only the
		// delta that is still pending is taken back
		Revert: func(cur models.FileAsset) models.FileAsset {
			if inflight {
				settle()
				cur.CommentCount = max(0, cur.CommentCount-1)
			}
			return cur
		},
	})
	settle()
	if _, err := l.finish(res); err != nil {
		return models.Comment{}, err
	}
	logger.Debug("file_comment_added", "file_id", fileID, "comment_id", created.ID)
	return created, nil
}

// DeleteComment removes a comment. The count never drops below zero.
func (l *Library) DeleteComment(ctx context.Context, fileID, commentID string) error {
	inflight := false
	settle := func() {
		if inflight {
			inflight = false
			l.shiftPending(fileID, 1)
		}
	}
	res := mutation.Run(ctx, l.runner, l.store(), mutation.Mutation[models.FileAsset]{
		Kind: "file_comment_delete",
		Key:  fileID,
		Apply: func(cur models.FileAsset) (models.FileAsset, error) {
			if cur.CommentCount > 0 {
				cur.CommentCount--
				inflight = true
				l.shiftPending(fileID, -1)
			}
			return cur, nil
		},
		Commit: func(ctx context.Context, _ models.FileAsset) (*models.FileAsset, error) {
			if err := l.svc.Delete(ctx, remote.CollectionFileComments, commentID); err != nil {
				return nil, err
			}
			settle()
			return nil, nil
		},
		Revert: func(cur models.FileAsset) models.FileAsset {
			if inflight {
				settle()
				cur.CommentCount++
			}
			return cur
		},
	})
	settle()
	_, err := l.finish(res)
	return err
}
