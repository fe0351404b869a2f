package ledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotParamsCapturesRequest(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := saveContext("http://frontend.example/foo?x=1")
	ctx.Request.Host = "frontend.example"
	ctx.Request.Header.Set("Authorization", "Bearer tok")
	ctx.Request.Header.Set("Cookie", "session=abc")

	params, headers := engine.Scheduler.SnapshotParams(ctx)

	require.Equal(t, "/foo?x=1", params.URI)
	require.Equal(t, "frontend.example", headers.Host)
	require.Equal(t, "Bearer tok", headers.Authorization)
	require.Equal(t, "session=abc", headers.Cookie)
}

func TestSnapshotParamsOmitsAbsentCredentials(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := saveContext("http://frontend.example/foo")

	_, headers := engine.Scheduler.SnapshotParams(ctx)
	fields := headers.fields()
	require.NotContains(t, fields, "authorization")
	require.NotContains(t, fields, "cookie")
	require.Equal(t, "frontend.example", fields["host"])
}

func TestSnapshotParamsEventCanAugment(t *testing.T) {
	engine := newTestEngine(nil)
	engine.Bind(EventBeforeSaveRevalidationData, func(payload any) error {
		payload.(*RevalSnapshot).Params.SSLServerName = "other.example"
		return nil
	})
	params, _ := engine.Scheduler.SnapshotParams(saveContext("http://frontend.example/foo"))
	require.Equal(t, "other.example", params.SSLServerName)
}

func TestRevalParamsRoundTrip(t *testing.T) {
	in := RevalParams{
		Scheme:         "https",
		ServerAddr:     "10.0.0.5",
		ServerPort:     "8443",
		URI:            "/foo?x=1",
		ConnectTimeout: 1500 * time.Millisecond,
		ReadTimeout:    30 * time.Second,
		SSLServerName:  "origin.example",
		SSLVerify:      true,
	}
	require.Equal(t, in, revalParamsFromFields(in.fields()))
}

func TestScheduleRevalidationEnqueuesOnce(t *testing.T) {
	engine := newTestEngine(nil)

	ctx := saveContext("http://example.com/foo")
	chain := engine.Chain(ctx)
	res := newOriginResponse(nil)
	require.NoError(t, engine.Writer.Save(ctx, chain, res, time.Minute))

	require.NoError(t, engine.Scheduler.ScheduleRevalidation(ctx, chain, false))
	require.NoError(t, engine.Scheduler.ScheduleRevalidation(ctx, chain, false))

	jobs := engine.queue.byType(JobRevalidate)
	require.Len(t, jobs, 1)
	require.Equal(t, QueueRevalidate, jobs[0].Queue)

	payload := jobs[0].Payload.(RevalidatePayload)
	require.Equal(t, chain.Root, payload.Key)
	require.Equal(t, "/foo", payload.URI)
	require.Equal(t, dedupeID("/foo"), jobs[0].Opts.DedupeID)
}

func TestScheduleRevalidationWithoutMetadataFails(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := saveContext("http://example.com/never-cached")
	err := engine.Scheduler.ScheduleRevalidation(ctx, engine.Chain(ctx), false)
	require.Error(t, err)
	require.Empty(t, engine.queue.byType(JobRevalidate))
}

func TestScheduleRevalidationRefreshesParams(t *testing.T) {
	engine := newTestEngine(nil)

	seed := saveContext("http://example.com/foo")
	seed.Request.Host = "old-host.example"
	chain := engine.Chain(seed)
	require.NoError(t, engine.Writer.Save(seed, chain, newOriginResponse(nil), time.Minute))

	ctx := saveContext("http://example.com/foo")
	ctx.Request.Host = "new-host.example"
	require.NoError(t, engine.Scheduler.ScheduleRevalidation(ctx, engine.Chain(ctx), true))

	fields, err := engine.store.HGetAll(context.Background(), chain.RevalReqHeaders)
	require.NoError(t, err)
	require.Equal(t, "new-host.example", fields["host"])
}

func TestScheduleFetchCarriesSelfSufficientPayload(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := saveContext("http://example.com/new?y=2")
	ctx.Request.Host = "frontend.example"
	chain := engine.Chain(ctx)

	require.NoError(t, engine.Scheduler.ScheduleFetch(ctx, chain))

	jobs := engine.queue.byType(JobFetch)
	require.Len(t, jobs, 1)
	payload := jobs[0].Payload.(FetchPayload)
	require.Equal(t, chain.Root, payload.Key)
	require.Equal(t, "/new?y=2", payload.URI)
	require.Equal(t, "/new?y=2", payload.Params.URI)
	require.Equal(t, "frontend.example", payload.Headers.Host)
	require.Equal(t, "fetch:/new?y=2", jobs[0].Opts.DedupeID)
}

func TestScheduleCollectDelayScalesWithSize(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := saveContext("http://example.com/foo")
	chain := engine.Chain(ctx)

	engine.Scheduler.ScheduleCollect(context.Background(), chain, "entity-1", 7*1024*1024)
	engine.Scheduler.ScheduleCollect(context.Background(), chain, "entity-2", 0)

	jobs := engine.queue.byType(JobCollectEntity)
	require.Len(t, jobs, 2)
	require.Greater(t, jobs[0].Opts.Delay, jobs[1].Opts.Delay)
	require.Equal(t, QueueCollect, jobs[0].Queue)
	require.Equal(t, "collect:entity-1", jobs[0].Opts.DedupeID)
}

func TestCollectDelay(t *testing.T) {
	// 1 MiB at 56 kbit/s: ceil(8 MiB bits / 56 kbit) = 147s
	require.Equal(t, 147*time.Second, CollectDelay(1024*1024, 56))
	require.Equal(t, time.Duration(0), CollectDelay(0, 56))
	// a zero rate falls back to the default rather than dividing by zero
	require.Equal(t, CollectDelay(1024*1024, defaultMinDownloadRateKbps), CollectDelay(1024*1024, 0))
}
