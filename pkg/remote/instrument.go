package remote

import (
	"context"
	"time"

	"chillspace/pkg/apperr"
	"chillspace/pkg/state/logger"
	"chillspace/pkg/telemetry"
)

// Instrument wraps svc so every call records latency and failures.
func Instrument(svc Service) Service {
	return &instrumented{next: svc}
}

type instrumented struct {
	next Service
}

func observe(op, collection string, start time.Time, err error) {
	telemetry.RemoteCallDuration.WithLabelValues(op, collection).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := apperr.KindOf(err)
		telemetry.RemoteErrors.WithLabelValues(op, kind).Inc()
		logger.Debug("remote_call_failed", "op", op, "collection", collection, "kind", kind, "error", err)
	}
}

func (s *instrumented) Query(ctx context.Context, collection string, filter Filter, order ...Order) (rs []Record, err error) {
	defer func(start time.Time) { observe("query", collection, start, err) }(time.Now())
	return s.next.Query(ctx, collection, filter, order...)
}

func (s *instrumented) Insert(ctx context.Context, collection string, row Record) (r Record, err error) {
	defer func(start time.Time) { observe("insert", collection, start, err) }(time.Now())
	return s.next.Insert(ctx, collection, row)
}

func (s *instrumented) Update(ctx context.Context, collection, id string, patch Record) (r Record, err error) {
	defer func(start time.Time) { observe("update", collection, start, err) }(time.Now())
	return s.next.Update(ctx, collection, id, patch)
}

func (s *instrumented) Delete(ctx context.Context, collection, id string) (err error) {
	defer func(start time.Time) { observe("delete", collection, start, err) }(time.Now())
	return s.next.Delete(ctx, collection, id)
}

func (s *instrumented) Subscribe(ctx context.Context, collection string, filter Filter) (sub Subscription, err error) {
	defer func(start time.Time) { observe("subscribe", collection, start, err) }(time.Now())
	return s.next.Subscribe(ctx, collection, filter)
}

func (s *instrumented) UploadBlob(ctx context.Context, bucket, path string, data []byte, contentType string) (ref string, err error) {
	defer func(start time.Time) { observe("upload_blob", bucket, start, err) }(time.Now())
	return s.next.UploadBlob(ctx, bucket, path, data, contentType)
}

func (s *instrumented) RemoveBlob(ctx context.Context, bucket, path string) (err error) {
	defer func(start time.Time) { observe("remove_blob", bucket, start, err) }(time.Now())
	return s.next.RemoveBlob(ctx, bucket, path)
}

func (s *instrumented) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (u string, err error) {
	defer func(start time.Time) { observe("signed_url", bucket, start, err) }(time.Now())
	return s.next.SignedURL(ctx, bucket, path, ttl)
}

func (s *instrumented) CurrentIdentity(ctx context.Context) (id *Identity, err error) {
	defer func(start time.Time) { observe("current_identity", "auth", start, err) }(time.Now())
	return s.next.CurrentIdentity(ctx)
}

func (s *instrumented) OnIdentityChange(fn func(*Identity)) func() {
	return s.next.OnIdentityChange(fn)
}
