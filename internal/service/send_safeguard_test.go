package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/doubledekr/SharpSendvNext-sub005/internal/errors"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/model"
)

func TestInitiateThenReinitiateIsQueuedDuplicate(t *testing.T) {
	s, _ := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	to := recipients("sub-", 10)

	res := s.InitiateSend("camp-X", to, "Fed holds rates", false)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Send initiated for 10 recipients", res.Message)

	check := s.CheckForDuplicates("camp-X", to, "Fed holds rates")
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, "Campaign is already queued for sending", check.Reason)

	again := s.InitiateSend("camp-X", to, "Fed holds rates", false)
	assert.False(t, again.Success)
	assert.True(t, again.RequiresConfirmation)
	assert.Equal(t, "Campaign is already queued for sending", again.Message)

	var dup *appErrors.DuplicateError
	require.True(t, errors.As(again.Err, &dup))
	assert.Equal(t, "camp-X", dup.CampaignID)
}

func TestInitiateRequiresCampaignID(t *testing.T) {
	s, _ := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	res := s.InitiateSend("  ", []string{"a"}, "x", false)
	assert.False(t, res.Success)
	var invalid *appErrors.ErrInvalidRequest
	assert.True(t, errors.As(res.Err, &invalid))
}

func TestInitiateWithoutSenderIsRefused(t *testing.T) {
	s, _ := newTestSafeguard(t, SafeguardConfig{}, nil)
	res := s.InitiateSend("camp-1", []string{"a"}, "x", false)
	assert.False(t, res.Success)
	assert.Equal(t, "No send transport configured", res.Message)
}

func TestSentCampaignIsAlwaysDuplicate(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &scriptedSender{})

	res := s.InitiateSend("camp-1", []string{"a", "b"}, "Weekly outlook", false)
	require.True(t, res.Success)
	require.Eventually(t, func() bool {
		rec, ok := s.GetSendStatus("camp-1")
		return ok && rec.Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)

	// Even with new recipients, new content and a long gap.
	clock.Advance(72 * time.Hour)
	check := s.CheckForDuplicates("camp-1", []string{"z"}, "different")
	assert.True(t, check.IsDuplicate)
	assert.Equal(t, "Campaign has already been sent", check.Reason)
	require.NotNil(t, check.LastSentAt)

	rec, _ := s.GetSendStatus("camp-1")
	require.NotNil(t, rec.SentAt)
	assert.Equal(t, *rec.SentAt, *check.LastSentAt)
}

func TestCompletionStampsCooldowns(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &scriptedSender{})
	require.True(t, s.InitiateSend("camp-1", []string{"a", "b"}, "one", false).Success)
	require.Eventually(t, func() bool { return len(s.GetPendingSends()) == 0 }, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, clock.Now(), s.cooldowns["a"])
	assert.Equal(t, clock.Now(), s.cooldowns["b"])
}

func TestCooldownRatioBoundary(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	hot := recipients("hot-", 5)
	seedSent(s, "camp-A", hot, "morning note", clock.Now())
	clock.Advance(time.Hour)

	// 5 of 10 is exactly half and does not trip.
	half := append(append([]string(nil), hot...), recipients("cold-", 5)...)
	check := s.CheckForDuplicates("camp-B", half, "evening note")
	assert.False(t, check.IsDuplicate, check.Reason)

	// 5 of 9 is over half.
	over := append(append([]string(nil), hot...), recipients("cold-", 4)...)
	check = s.CheckForDuplicates("camp-B", over, "evening note")
	require.True(t, check.IsDuplicate)
	assert.Contains(t, check.Reason, "5 of 9 recipients")
	require.NotNil(t, check.LastSentAt)

	// The window is 4h from the last send.
	clock.Advance(3 * time.Hour)
	check = s.CheckForDuplicates("camp-B", over, "evening note")
	assert.False(t, check.IsDuplicate, check.Reason)
}

func TestCooldownRatioZeroTripsOnAnyRecipient(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{CooldownRatio: Ratio(0)}, &holdSender{})
	assert.Equal(t, 0.0, *s.Config().CooldownRatio)

	seedSent(s, "camp-A", []string{"hot-a"}, "morning note", clock.Now())
	clock.Advance(time.Hour)
	list := append([]string{"hot-a"}, recipients("cold-", 9)...)
	check := s.CheckForDuplicates("camp-B", list, "evening note")
	require.True(t, check.IsDuplicate)
	assert.Contains(t, check.Reason, "1 of 10 recipients")

	check = s.CheckForDuplicates("camp-B", recipients("cold-", 9), "evening note")
	assert.False(t, check.IsDuplicate, check.Reason)
}

func TestCooldownRatioDefaults(t *testing.T) {
	assert.Equal(t, DefaultCooldownRatio, *SafeguardConfig{}.withDefaults().CooldownRatio)
	assert.Equal(t, DefaultCooldownRatio, *SafeguardConfig{CooldownRatio: Ratio(1.5)}.withDefaults().CooldownRatio)
	assert.Equal(t, 0.25, *SafeguardConfig{CooldownRatio: Ratio(0.25)}.withDefaults().CooldownRatio)
}

func TestCooldownIgnoresEmptyRecipientList(t *testing.T) {
	s, _ := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	check := s.CheckForDuplicates("camp-B", nil, "content")
	assert.False(t, check.IsDuplicate)
}

func TestSimilarContentWindow(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	seedSent(s, "camp-A", []string{"x"}, "Gold breaks out", clock.Now())
	seedSent(s, "camp-C", []string{"y"}, "Gold breaks out", clock.Now().Add(-30*time.Minute))
	clock.Advance(23 * time.Hour)

	check := s.CheckForDuplicates("camp-B", []string{"fresh"}, "Gold breaks out")
	require.True(t, check.IsDuplicate)
	assert.Equal(t, "Similar content was sent within the last 24 hours", check.Reason)
	assert.Equal(t, []string{"camp-A", "camp-C"}, check.SimilarCampaigns)

	clock.Advance(time.Hour)
	check = s.CheckForDuplicates("camp-B", []string{"fresh"}, "Gold breaks out")
	assert.False(t, check.IsDuplicate, check.Reason)
}

func TestRuleOrderFirstMatchWins(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	seedSent(s, "camp-A", []string{"r1", "r2"}, "same body", clock.Now())

	// Cooldown and similar content both match; cooldown comes first.
	check := s.CheckForDuplicates("camp-B", []string{"r1", "r2"}, "same body")
	require.True(t, check.IsDuplicate)
	assert.Contains(t, check.Reason, "2 of 2 recipients")
	assert.Empty(t, check.SimilarCampaigns)
}

func TestForceOverride(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	seedSent(s, "camp-A", []string{"r1"}, "body", clock.Now())

	blocked := s.InitiateSend("camp-A", []string{"r1"}, "body", false)
	assert.False(t, blocked.Success)
	assert.True(t, blocked.RequiresConfirmation)

	forced := s.InitiateSend("camp-A", []string{"r1"}, "body", true)
	require.True(t, forced.Success, forced.Message)
	rec, ok := s.GetSendStatus("camp-A")
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, rec.Status)

	// A pending campaign is never sent twice, even when forced.
	again := s.InitiateSend("camp-A", []string{"r1"}, "body", true)
	assert.False(t, again.Success)
	assert.False(t, again.RequiresConfirmation)
	assert.Equal(t, "Campaign is already queued for sending", again.Message)
	assert.Len(t, s.GetPendingSends(), 1)
}

func TestRetrySendLimits(t *testing.T) {
	s, _ := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})

	missing := s.RetrySend("nope")
	assert.False(t, missing.Success)
	assert.Equal(t, "Campaign not found", missing.Message)
	var nf *appErrors.ErrCampaignNotFound
	assert.True(t, errors.As(missing.Err, &nf))

	require.True(t, s.InitiateSend("camp-R", []string{"a"}, "body", false).Success)
	for i := 1; i <= 3; i++ {
		res := s.RetrySend("camp-R")
		require.True(t, res.Success, res.Message)
		assert.Equal(t, fmt.Sprintf("Retry %d of 3 initiated", i), res.Message)
	}
	for i := 0; i < 3; i++ {
		res := s.RetrySend("camp-R")
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "Maximum retry attempts")
		var ex *appErrors.ErrRetryExhausted
		assert.True(t, errors.As(res.Err, &ex))
	}
	rec, _ := s.GetSendStatus("camp-R")
	assert.Equal(t, 3, rec.RetryCount)
}

func TestRetrySentCampaignFails(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	seedSent(s, "camp-A", []string{"r1"}, "body", clock.Now())

	res := s.RetrySend("camp-A")
	assert.False(t, res.Success)
	assert.Equal(t, "Campaign has already been sent", res.Message)
	var sent *appErrors.ErrAlreadySent
	assert.True(t, errors.As(res.Err, &sent))
}

func TestStaleCompletionIsIgnored(t *testing.T) {
	s, _ := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	require.True(t, s.InitiateSend("camp-S", []string{"a"}, "body", false).Success)
	first, _ := s.GetSendStatus("camp-S")

	require.True(t, s.RetrySend("camp-S").Success)
	second, _ := s.GetSendStatus("camp-S")
	require.NotEqual(t, first.AttemptID, second.AttemptID)

	s.completeSend("camp-S", first.AttemptID)
	rec, _ := s.GetSendStatus("camp-S")
	assert.Equal(t, model.StatusPending, rec.Status)

	s.completeSend("camp-S", second.AttemptID)
	rec, _ = s.GetSendStatus("camp-S")
	assert.Equal(t, model.StatusSent, rec.Status)
	assert.Empty(t, s.GetPendingSends())
}

func TestFailedSendWithoutAutoRetry(t *testing.T) {
	s, _ := newTestSafeguard(t, SafeguardConfig{}, &scriptedSender{errs: []error{errESPDown}})
	require.True(t, s.InitiateSend("camp-F", []string{"a"}, "body", false).Success)

	require.Eventually(t, func() bool {
		rec, _ := s.GetSendStatus("camp-F")
		return rec.Status == model.StatusFailed
	}, time.Second, 5*time.Millisecond)
	rec, _ := s.GetSendStatus("camp-F")
	assert.Equal(t, errESPDown.Error(), rec.LastError)

	// A failed campaign can be initiated again without override.
	check := s.CheckForDuplicates("camp-F", []string{"a"}, "body")
	assert.False(t, check.IsDuplicate, check.Reason)

	require.True(t, s.RetrySend("camp-F").Success)
	require.Eventually(t, func() bool {
		rec, _ := s.GetSendStatus("camp-F")
		return rec.Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)
}

func TestFailedSendAutoRetries(t *testing.T) {
	sender := &scriptedSender{errs: []error{errESPDown, errESPDown}}
	cfg := SafeguardConfig{AutoRetryFailed: true, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
	s, _ := newTestSafeguard(t, cfg, sender)
	require.True(t, s.InitiateSend("camp-F", []string{"a"}, "body", false).Success)

	require.Eventually(t, func() bool {
		rec, _ := s.GetSendStatus("camp-F")
		return rec.Status == model.StatusSent
	}, 2*time.Second, 5*time.Millisecond)
	rec, _ := s.GetSendStatus("camp-F")
	assert.Equal(t, 2, rec.RetryCount)
}

func TestAutoRetryStopsAtLimit(t *testing.T) {
	sender := &scriptedSender{errs: []error{errESPDown, errESPDown, errESPDown, errESPDown, errESPDown}}
	cfg := SafeguardConfig{AutoRetryFailed: true, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
	s, _ := newTestSafeguard(t, cfg, sender)
	require.True(t, s.InitiateSend("camp-F", []string{"a"}, "body", false).Success)

	require.Eventually(t, func() bool {
		rec, _ := s.GetSendStatus("camp-F")
		return rec.Status == model.StatusFailed && rec.RetryCount == 3
	}, 2*time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.jobs, 4)
}

func TestQueries(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	now := clock.Now()
	seedSent(s, "old", []string{"a"}, "1", now.Add(-30*time.Hour))
	seedSent(s, "mid", []string{"b"}, "2", now.Add(-5*time.Hour))
	seedSent(s, "new", []string{"c"}, "3", now.Add(-time.Hour))
	require.True(t, s.InitiateSend("p1", []string{"d"}, "4", false).Success)

	recent := s.GetRecentSends(24)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].CampaignID)
	assert.Equal(t, "mid", recent[1].CampaignID)

	pending := s.GetPendingSends()
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].CampaignID)

	_, ok := s.GetSendStatus("missing")
	assert.False(t, ok)

	// Callers get copies.
	recent[0].RecipientIDs[0] = "mutated"
	rec, _ := s.GetSendStatus("new")
	assert.Equal(t, "c", rec.RecipientIDs[0])
}

func TestCleanupOldRecords(t *testing.T) {
	st := newMemStore()
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{}, WithStore(st))
	now := clock.Now()
	seedSent(s, "ancient", []string{"a"}, "1", now.Add(-31*24*time.Hour))
	seedSent(s, "recent", []string{"b"}, "2", now.Add(-29*24*time.Hour))

	res := s.CleanupOldRecords(30)
	assert.Equal(t, model.CleanupResult{RecordsRemoved: 1, CooldownsRemoved: 1}, res)

	_, ok := s.GetSendStatus("ancient")
	assert.False(t, ok)
	_, ok = s.GetSendStatus("recent")
	assert.True(t, ok)

	s.mu.Lock()
	_, hasA := s.cooldowns["a"]
	_, hasB := s.cooldowns["b"]
	s.mu.Unlock()
	assert.False(t, hasA)
	assert.True(t, hasB)

	// Not started, so the purge is written inline.
	require.Len(t, st.purges, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), st.purges[0])
}

func TestCleanupKeepsPendingSends(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	require.True(t, s.InitiateSend("p1", []string{"a"}, "x", false).Success)
	clock.Advance(40 * 24 * time.Hour)
	s.CleanupOldRecords(30)
	assert.Len(t, s.GetPendingSends(), 1)
}

func TestApplyChangesThresholds(t *testing.T) {
	s, clock := newTestSafeguard(t, SafeguardConfig{}, &holdSender{})
	seedSent(s, "camp-A", []string{"r1", "r2"}, "a", clock.Now())
	clock.Advance(2 * time.Hour)
	require.True(t, s.CheckForDuplicates("camp-B", []string{"r1", "r2"}, "b").IsDuplicate)

	s.Apply(SafeguardConfig{CooldownWindow: time.Hour})
	assert.False(t, s.CheckForDuplicates("camp-B", []string{"r1", "r2"}, "b").IsDuplicate)
	assert.Equal(t, time.Hour, s.Config().CooldownWindow)
	assert.Equal(t, MaxRetryAttempts, s.Config().MaxRetryAttempts)
}

func TestBackoffIsCapped(t *testing.T) {
	for i := 0; i < 10; i++ {
		d := backoff(i, 10*time.Millisecond, 50*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}
