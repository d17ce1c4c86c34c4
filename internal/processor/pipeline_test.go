package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/Guizzs26/fb-discord-relay/internal/db"
	"github.com/Guizzs26/fb-discord-relay/internal/discord"
	"github.com/Guizzs26/fb-discord-relay/internal/meta"
	"github.com/Guizzs26/fb-discord-relay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	post         *models.Post
	transitions  []models.Status
	deliveryLogs []models.DeliveryLog
	retryMarks   []string
	fetchedMsg   *string
}

func newFakeStore(status models.Status) *fakeStore {
	return &fakeStore{
		post: &models.Post{
			FBPostID:   "PAGE_1_100",
			Status:     status,
			ReceivedAt: time.Now(),
		},
	}
}

func (f *fakeStore) GetPost(_ context.Context, fbPostID string) (*models.Post, error) {
	if f.post == nil || f.post.FBPostID != fbPostID {
		return nil, db.ErrPostNotFound
	}
	copied := *f.post
	return &copied, nil
}

func (f *fakeStore) Transition(_ context.Context, _ string, target models.Status, fields map[string]any, _ map[string]any) error {
	if !models.CanTransition(f.post.Status, target) {
		return db.ErrInvalidTransition
	}
	f.post.Status = target
	f.transitions = append(f.transitions, target)
	if id, ok := fields["discord_msg_id"].(string); ok {
		f.post.DiscordMsgID = &id
	}
	if msg, ok := fields["last_error"].(string); ok {
		f.post.LastError = &msg
	}
	return nil
}

func (f *fakeStore) UpdateFetchedFields(_ context.Context, _ string, _, _, message, _ *string, _ *time.Time) error {
	f.fetchedMsg = message
	return nil
}

func (f *fakeStore) MarkForRetry(_ context.Context, _ string, reason string) error {
	if f.post.Status == models.StatusDelivered {
		return db.ErrInvalidTransition
	}
	f.post.Status = models.StatusReceived
	f.post.RetryCount++
	f.post.LastError = &reason
	f.retryMarks = append(f.retryMarks, reason)
	return nil
}

func (f *fakeStore) InsertDeliveryLog(_ context.Context, entry models.DeliveryLog) error {
	f.deliveryLogs = append(f.deliveryLogs, entry)
	return nil
}

type fakeFetcher struct {
	post  *meta.GraphPost
	err   error
	calls int
}

func (f *fakeFetcher) FetchPost(context.Context, string) (*meta.GraphPost, error) {
	f.calls++
	return f.post, f.err
}

type fakeSender struct {
	result discord.Result
	calls  int
}

func (f *fakeSender) Send(context.Context, *meta.GraphPost) discord.Result {
	f.calls++
	return f.result
}

func fetchedPost(message string) *meta.GraphPost {
	return &meta.GraphPost{
		ID:           "PAGE_1_100",
		Message:      message,
		PermalinkURL: "https://facebook.com/PAGE_1_100",
		CreatedTime:  time.Now().Add(-2 * time.Minute).Format("2006-01-02T15:04:05-0700"),
		From:         &meta.GraphFrom{ID: "PAGE_1", Name: "Test Page"},
	}
}

func testJob(t *testing.T, webhookData *models.WebhookData) models.Job {
	t.Helper()
	payload, err := json.Marshal(models.ProcessPostPayload{
		FBPostID:      "PAGE_1_100",
		CorrelationID: "corr-1",
		WebhookData:   webhookData,
	})
	require.NoError(t, err)
	return models.Job{ID: 1, Queue: models.QueueProcessPost, Payload: payload, MaxRetries: 5}
}

func newPipeline(store *fakeStore, fetcher *fakeFetcher, sender *fakeSender, cfg Config) *Pipeline {
	return NewPipeline(store, fetcher, sender, cfg, slog.New(slog.DiscardHandler))
}

func defaultCfg() Config {
	return Config{AlertsEnabled: true, TriggerTag: "#discord"}
}

func TestPipelineHappyPath(t *testing.T) {
	store := newFakeStore(models.StatusReceived)
	fetcher := &fakeFetcher{post: fetchedPost("Buy AAPL #discord")}
	sender := &fakeSender{result: discord.Result{Class: discord.OutcomeSuccess, MessageID: "987"}}

	err := newPipeline(store, fetcher, sender, defaultCfg()).Handle(context.Background(), testJob(t, nil))
	require.NoError(t, err)

	assert.Equal(t, []models.Status{
		models.StatusFetching,
		models.StatusEligible,
		models.StatusSending,
		models.StatusDelivered,
	}, store.transitions)

	require.NotNil(t, store.post.DiscordMsgID)
	assert.Equal(t, "987", *store.post.DiscordMsgID)

	require.Len(t, store.deliveryLogs, 1)
	assert.True(t, store.deliveryLogs[0].Success)
	assert.Equal(t, 1, sender.calls)
}

func TestPipelineNoTriggerTag(t *testing.T) {
	store := newFakeStore(models.StatusReceived)
	fetcher := &fakeFetcher{post: fetchedPost("Just a regular post")}
	sender := &fakeSender{}

	err := newPipeline(store, fetcher, sender, defaultCfg()).Handle(context.Background(), testJob(t, nil))
	require.NoError(t, err)

	assert.Equal(t, models.StatusIgnored, store.post.Status)
	assert.Zero(t, sender.calls)
	assert.Empty(t, store.deliveryLogs)
}

func TestPipelineTerminalPostSkips(t *testing.T) {
	for _, status := range []models.Status{models.StatusDelivered, models.StatusIgnored} {
		store := newFakeStore(status)
		fetcher := &fakeFetcher{}
		sender := &fakeSender{}

		err := newPipeline(store, fetcher, sender, defaultCfg()).Handle(context.Background(), testJob(t, nil))
		require.NoError(t, err)

		assert.Zero(t, fetcher.calls, string(status))
		assert.Zero(t, sender.calls, string(status))
		assert.Empty(t, store.transitions, string(status))
	}
}

func TestPipelineMissingRow(t *testing.T) {
	store := &fakeStore{}
	fetcher := &fakeFetcher{}

	err := newPipeline(store, fetcher, &fakeSender{}, defaultCfg()).Handle(context.Background(), testJob(t, nil))
	require.NoError(t, err)
	assert.Zero(t, fetcher.calls)
}

func TestPipelineKillSwitch(t *testing.T) {
	store := newFakeStore(models.StatusReceived)
	fetcher := &fakeFetcher{}
	cfg := defaultCfg()
	cfg.AlertsEnabled = false

	err := newPipeline(store, fetcher, &fakeSender{}, cfg).Handle(context.Background(), testJob(t, nil))
	require.NoError(t, err)

	// Suppression: job completes, nothing transitions, no retries burn
	assert.Empty(t, store.transitions)
	assert.Equal(t, models.StatusReceived, store.post.Status)
	assert.Zero(t, fetcher.calls)
}

func TestPipelineFetchFailures(t *testing.T) {
	t.Run("retryable error marks for retry and re-raises", func(t *testing.T) {
		store := newFakeStore(models.StatusReceived)
		fetcher := &fakeFetcher{err: &meta.GraphError{Message: "rate limited", Code: 4, Retryable: true}}

		err := newPipeline(store, fetcher, &fakeSender{}, defaultCfg()).Handle(context.Background(), testJob(t, nil))
		require.Error(t, err)

		assert.Equal(t, models.StatusReceived, store.post.Status)
		assert.Equal(t, 1, store.post.RetryCount)
		require.Len(t, store.retryMarks, 1)
		assert.Contains(t, store.retryMarks[0], "rate limited")
	})

	t.Run("non-retryable error fails the post and completes the job", func(t *testing.T) {
		store := newFakeStore(models.StatusReceived)
		fetcher := &fakeFetcher{err: &meta.GraphError{Message: "unsupported request", Code: 100, Retryable: false}}

		err := newPipeline(store, fetcher, &fakeSender{}, defaultCfg()).Handle(context.Background(), testJob(t, nil))
		require.NoError(t, err)

		assert.Equal(t, models.StatusFailed, store.post.Status)
		require.NotNil(t, store.post.LastError)
	})

	t.Run("webhook payload carries the pipeline through a fetch outage", func(t *testing.T) {
		store := newFakeStore(models.StatusReceived)
		fetcher := &fakeFetcher{err: &meta.GraphError{Message: "service down", Code: 2, Retryable: true}}
		sender := &fakeSender{result: discord.Result{Class: discord.OutcomeSuccess, MessageID: "555"}}

		message := "Fallback alert #discord"
		created := time.Now().Add(-time.Minute).Unix()
		job := testJob(t, &models.WebhookData{Message: &message, CreatedTime: &created})

		err := newPipeline(store, fetcher, sender, defaultCfg()).Handle(context.Background(), job)
		require.NoError(t, err)

		assert.Equal(t, models.StatusDelivered, store.post.Status)
		assert.Equal(t, 1, sender.calls)
		require.NotNil(t, store.fetchedMsg)
		assert.Equal(t, message, *store.fetchedMsg)
	})
}

func TestPipelineAgeGate(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxPostAge = 30 * time.Minute

	t.Run("stale post is ignored", func(t *testing.T) {
		post := fetchedPost("Buy AAPL #discord")
		post.CreatedTime = time.Now().Add(-2 * time.Hour).Format("2006-01-02T15:04:05-0700")

		store := newFakeStore(models.StatusReceived)
		sender := &fakeSender{}
		err := newPipeline(store, &fakeFetcher{post: post}, sender, cfg).Handle(context.Background(), testJob(t, nil))
		require.NoError(t, err)

		assert.Equal(t, models.StatusIgnored, store.post.Status)
		assert.Zero(t, sender.calls)
	})

	t.Run("unknown age is treated as too old", func(t *testing.T) {
		post := fetchedPost("Buy AAPL #discord")
		post.CreatedTime = ""

		store := newFakeStore(models.StatusReceived)
		err := newPipeline(store, &fakeFetcher{post: post}, &fakeSender{}, cfg).Handle(context.Background(), testJob(t, nil))
		require.NoError(t, err)
		assert.Equal(t, models.StatusIgnored, store.post.Status)
	})

	t.Run("zero horizon disables the gate", func(t *testing.T) {
		post := fetchedPost("Buy AAPL #discord")
		post.CreatedTime = time.Now().Add(-24 * time.Hour).Format("2006-01-02T15:04:05-0700")

		store := newFakeStore(models.StatusReceived)
		sender := &fakeSender{result: discord.Result{Class: discord.OutcomeSuccess, MessageID: "1"}}
		err := newPipeline(store, &fakeFetcher{post: post}, sender, defaultCfg()).Handle(context.Background(), testJob(t, nil))
		require.NoError(t, err)
		assert.Equal(t, models.StatusDelivered, store.post.Status)
	})
}

func TestPipelineDispatchOutcomes(t *testing.T) {
	run := func(t *testing.T, result discord.Result) (*fakeStore, error) {
		t.Helper()
		store := newFakeStore(models.StatusReceived)
		fetcher := &fakeFetcher{post: fetchedPost("Buy AAPL #discord")}
		sender := &fakeSender{result: result}
		err := newPipeline(store, fetcher, sender, defaultCfg()).Handle(context.Background(), testJob(t, nil))
		return store, err
	}

	t.Run("retryable dispatch marks for retry and re-raises", func(t *testing.T) {
		store, err := run(t, discord.Result{
			Class:      discord.OutcomeRetryable,
			RetryAfter: 5 * time.Second,
			Err:        "sink rate limited (429), retry after 5s",
		})
		require.Error(t, err)

		assert.Equal(t, models.StatusReceived, store.post.Status)
		assert.Equal(t, 1, store.post.RetryCount)
		require.NotNil(t, store.post.LastError)
		assert.Contains(t, *store.post.LastError, "rate limited")

		// The attempt is logged even though it failed
		require.Len(t, store.deliveryLogs, 1)
		assert.False(t, store.deliveryLogs[0].Success)
	})

	t.Run("ambiguous dispatch parks for review without retry", func(t *testing.T) {
		store, err := run(t, discord.Result{
			Class: discord.OutcomeAmbiguous,
			Err:   "sink call aborted after 30s, delivery state unknown",
		})
		require.NoError(t, err)

		assert.Equal(t, models.StatusNeedsReview, store.post.Status)
		assert.Empty(t, store.retryMarks)
		assert.Zero(t, store.post.RetryCount)
		require.Len(t, store.deliveryLogs, 1)
		assert.False(t, store.deliveryLogs[0].Success)
	})

	t.Run("fatal dispatch fails the post and completes the job", func(t *testing.T) {
		store, err := run(t, discord.Result{Class: discord.OutcomeFatal, Err: "sink rejected payload (400)"})
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, store.post.Status)
	})
}

func TestPipelineMalformedPayload(t *testing.T) {
	store := newFakeStore(models.StatusReceived)
	job := models.Job{ID: 9, Payload: []byte(`{not json`)}

	err := newPipeline(store, &fakeFetcher{}, &fakeSender{}, defaultCfg()).Handle(context.Background(), job)
	require.NoError(t, err) // poison pills complete, they can never succeed
	assert.Empty(t, store.transitions)
}
