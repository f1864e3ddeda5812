package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/ratelimit"
)

func routeJob(t *testing.T, emailID int64, attempt, deferrals int) *queue.Delivery {
	return delivery(t, queue.TopicEmailRoute, queue.RouteJob{EmailID: emailID}, attempt, deferrals)
}

func (h *harness) newEmail(to string) *model.Email {
	id := h.runningCampaign()
	r := h.store.addRecipient(id, to)
	return h.store.addEmail(model.Email{CampaignID: id, RecipientID: r.ID, RecipientEmail: to, CreatedAt: testNow})
}

func TestRouter_PicksLeastRecentlyUsedMatchingSender(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	t0 := testNow.Add(-3 * time.Hour)
	older := h.store.addSender(model.Sender{Email: "a@acme.io", Provider: model.SenderGmail, IsVerified: true, UpdatedAt: t0.Add(time.Hour)})
	newer := h.store.addSender(model.Sender{Email: "b@acme.io", Provider: model.SenderGmail, IsVerified: true, UpdatedAt: t0.Add(2 * time.Hour)})
	h.store.addSender(model.Sender{Email: "c@acme.io", Provider: model.SenderSMTP, IsVerified: true, UpdatedAt: t0})
	h.store.addSender(model.Sender{Email: "d@acme.io", Provider: model.SenderGmail, IsVerified: false, UpdatedAt: t0})

	var picked []int64
	for i := 0; i < 3; i++ {
		e := h.newEmail("lead@gmail.com")
		require.NoError(t, h.router.Handle(ctx, routeJob(t, e.ID, 0, 0)))
		got := h.store.email(e.ID)
		require.NotNil(t, got.SenderID)
		picked = append(picked, *got.SenderID)
		assert.Equal(t, "google", got.DeliveryProvider)
		assert.Equal(t, 1.0, got.DeliveryConfidence)
		require.NotNil(t, got.RoutedAt)
	}

	assert.Equal(t, []int64{older.ID, newer.ID, older.ID}, picked)
	assert.Len(t, h.pub.on(queue.TopicEmailSend), 3)
}

func TestRouter_FallsBackToAnyVerifiedSender(t *testing.T) {
	h := newHarness(t, nil)
	smtp := h.store.addSender(model.Sender{Email: "c@acme.io", Provider: model.SenderSMTP, IsVerified: true})
	e := h.newEmail("lead@outlook.com")

	require.NoError(t, h.router.Handle(context.Background(), routeJob(t, e.ID, 0, 0)))

	got := h.store.email(e.ID)
	require.NotNil(t, got.SenderID)
	assert.Equal(t, smtp.ID, *got.SenderID)
	assert.Equal(t, "microsoft", got.DeliveryProvider)

	sends := h.pub.on(queue.TopicEmailSend)
	require.Len(t, sends, 1)
	var job queue.DeliverJob
	require.NoError(t, json.Unmarshal(sends[0].body, &job))
	assert.Equal(t, e.ID, job.EmailID)
}

func TestRouter_DefersWhenProviderLimitReached(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{"google": 1})
	ctx := context.Background()
	h.store.addSender(model.Sender{Email: "a@acme.io", Provider: model.SenderGmail, IsVerified: true})
	first := h.newEmail("one@gmail.com")
	second := h.newEmail("two@gmail.com")

	require.NoError(t, h.router.Handle(ctx, routeJob(t, first.ID, 0, 0)))
	err := h.router.Handle(ctx, routeJob(t, second.ID, 0, 2))

	var deferred *queue.DeferError
	require.True(t, errors.As(err, &deferred))
	assert.GreaterOrEqual(t, deferred.Delay, 5*time.Second)
	assert.LessOrEqual(t, deferred.Delay, time.Minute)
	assert.Contains(t, deferred.Reason, "google")
	assert.Nil(t, h.store.email(second.ID).SenderID)
	assert.Len(t, h.pub.on(queue.TopicEmailSend), 1)

	// The next minute opens a fresh window.
	h.router.Now = func() time.Time { return testNow.Add(time.Minute) }
	require.NoError(t, h.router.Handle(ctx, routeJob(t, second.ID, 0, 3)))
	assert.NotNil(t, h.store.email(second.ID).SenderID)
	assert.Len(t, h.pub.on(queue.TopicEmailSend), 2)
}

func TestRouter_OtherProvidersUseTheirOwnBudget(t *testing.T) {
	h := newHarness(t, ratelimit.Limits{"google": 1, ratelimit.DefaultKey: 5})
	ctx := context.Background()
	h.store.addSender(model.Sender{Email: "a@acme.io", Provider: model.SenderSMTP, IsVerified: true})

	require.NoError(t, h.router.Handle(ctx, routeJob(t, h.newEmail("one@gmail.com").ID, 0, 0)))
	require.NoError(t, h.router.Handle(ctx, routeJob(t, h.newEmail("two@example.org").ID, 0, 0)))
	assert.Len(t, h.pub.on(queue.TopicEmailSend), 2)
}

func TestRouter_NoVerifiedSender(t *testing.T) {
	h := newHarness(t, nil)
	h.store.addSender(model.Sender{Email: "a@acme.io", Provider: model.SenderGmail, IsVerified: false})
	e := h.newEmail("lead@gmail.com")

	err := h.router.Handle(context.Background(), routeJob(t, e.ID, 0, 0))
	assert.ErrorIs(t, err, appErrors.ErrNoVerifiedSender)
	assert.False(t, queue.IsTransient(err))
	assert.Nil(t, h.store.email(e.ID).SenderID)
	assert.Empty(t, h.pub.msgs)
}

func TestRouter_AlreadyRoutedEmail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.addSender(model.Sender{Email: "a@acme.io", Provider: model.SenderGmail, IsVerified: true})
	e := h.newEmail("lead@gmail.com")
	require.NoError(t, h.router.Handle(ctx, routeJob(t, e.ID, 0, 0)))
	h.pub.reset()

	require.NoError(t, h.router.Handle(ctx, routeJob(t, e.ID, 0, 0)))
	assert.Empty(t, h.pub.msgs, "a duplicate is dropped")

	require.NoError(t, h.router.Handle(ctx, routeJob(t, e.ID, 1, 0)))
	assert.Len(t, h.pub.on(queue.TopicEmailSend), 1, "a retry re-publishes the hand-off")
}

func TestRouter_FailedHandOffIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.store.addSender(model.Sender{Email: "a@acme.io", Provider: model.SenderGmail, IsVerified: true})
	e := h.newEmail("lead@gmail.com")
	h.pub.err = errors.New("broker down")

	err := h.router.Handle(context.Background(), routeJob(t, e.ID, 0, 0))
	assert.True(t, queue.IsTransient(err))
	assert.NotNil(t, h.store.email(e.ID).SenderID)
}

func TestRouter_SkipsSettledEmails(t *testing.T) {
	h := newHarness(t, nil)
	id := h.runningCampaign()
	r := h.store.addRecipient(id, "lead@gmail.com")
	e := h.store.addEmail(model.Email{CampaignID: id, RecipientID: r.ID, RecipientEmail: r.Email, Status: model.EmailSent})

	require.NoError(t, h.router.Handle(context.Background(), routeJob(t, e.ID, 0, 0)))
	require.NoError(t, h.router.Handle(context.Background(), routeJob(t, 9999, 0, 0)))
	assert.Empty(t, h.pub.msgs)
}
