package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"slackwatch/internal/slack"
	"slackwatch/internal/store"
	"slackwatch/pkg/logx"
)

// fakeSession serves canned history. Messages are stored newest-first, the
// way the platform returns them.
type fakeSession struct {
	mu sync.Mutex

	identity    slack.Identity
	identityErr error
	channels    []slack.Channel
	history     map[string][]slack.Message
	users       map[string]slack.UserInfo

	// ignoreOldest makes FetchHistory return the full batch regardless of the
	// watermark, simulating a transport that replays old messages.
	ignoreOldest bool

	historyCalls  int
	lastLimit     int
	lastOldest    string
	userInfoCalls int
}

func (f *fakeSession) ValidateIdentity(context.Context) (slack.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identityErr != nil {
		return slack.Identity{}, f.identityErr
	}
	return f.identity, nil
}

func (f *fakeSession) FetchHistory(_ context.Context, channelID string, limit int, oldestExclusive, latestExclusive string) ([]slack.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	f.lastLimit = limit
	f.lastOldest = oldestExclusive

	var out []slack.Message
	for _, m := range f.history[channelID] {
		if !f.ignoreOldest && oldestExclusive != "" && !slack.TSLess(oldestExclusive, m.TS) {
			continue
		}
		if latestExclusive != "" && !slack.TSLess(m.TS, latestExclusive) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSession) ListChannels(context.Context) ([]slack.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels, nil
}

func (f *fakeSession) FetchUserInfo(_ context.Context, userID string) (slack.UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userInfoCalls++
	if info, ok := f.users[userID]; ok {
		return info, nil
	}
	return slack.UserInfo{}, errors.New("user_not_found")
}

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) calls() (history, userInfo int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls, f.userInfoCalls
}

func newTestPoller(t *testing.T, sess *fakeSession) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemory()
	s := New(Config{
		Channels:    []string{"C1"},
		Keywords:    []string{"deploy"},
		SelfUserID:  "U0SELF",
		BatchSize:   50,
		IntervalMin: time.Millisecond,
		IntervalMax: 2 * time.Millisecond,
	}, sess, st, nil, logx.Nop())
	return s, st
}

func TestBootstrapSetsWatermarkWithoutEnqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{history: map[string][]slack.Message{
		"C1": {
			{TS: "100.2", UserID: "U1", Text: "deploy everything"},
			{TS: "100.1", UserID: "U1", Text: "deploy the rest"},
		},
	}}
	s, st := newTestPoller(t, sess)

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}

	if sess.lastLimit != 1 {
		t.Fatalf("bootstrap fetch limit = %d, want 1", sess.lastLimit)
	}
	ts, ok, _ := st.Watermark(ctx, "C1")
	if !ok || ts != "100.2" {
		t.Fatalf("watermark = %q ok=%v, want 100.2", ts, ok)
	}
	// Historical backlog is never ingested, even though it matches.
	n, _ := st.PendingCount(ctx)
	if n != 0 {
		t.Fatalf("bootstrap queued %d messages", n)
	}
}

func TestBootstrapEmptyChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{history: map[string][]slack.Message{}}
	s, st := newTestPoller(t, sess)

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}
	if _, ok, _ := st.Watermark(ctx, "C1"); ok {
		t.Fatal("empty channel must not get a watermark")
	}

	// A message appearing later bootstraps on the next cycle.
	sess.mu.Lock()
	sess.history["C1"] = []slack.Message{{TS: "200.1", UserID: "U1", Text: "first ever"}}
	sess.mu.Unlock()

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}
	if ts, ok, _ := st.Watermark(ctx, "C1"); !ok || ts != "200.1" {
		t.Fatalf("watermark = %q ok=%v, want 200.1", ts, ok)
	}
}

func TestPollQueuesMatchesAndAdvancesWatermark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{
		history: map[string][]slack.Message{
			"C1": {
				{TS: "100.3", UserID: "U1", Text: "Deploy now please"},
				{TS: "100.2", UserID: "U1", Text: "nothing interesting"},
				{TS: "100.1", UserID: "U2", Text: "<@U0SELF> ping"},
			},
		},
		users: map[string]slack.UserInfo{
			"U1": {Name: "jdoe", DisplayName: "jay"},
			"U2": {Name: "sam"},
		},
	}
	s, st := newTestPoller(t, sess)
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}

	if sess.lastOldest != "100.0" {
		t.Fatalf("oldest = %q, want the watermark", sess.lastOldest)
	}
	ts, _, _ := st.Watermark(ctx, "C1")
	if ts != "100.3" {
		t.Fatalf("watermark = %q, want 100.3", ts)
	}

	got, _ := st.ListPending(ctx, 10, "")
	if len(got) != 2 {
		t.Fatalf("queued %d, want 2 (mention + keyword)", len(got))
	}
	byID := map[string]store.PendingMessage{}
	for _, m := range got {
		byID[m.ID] = m
	}
	mention, ok := byID["C1:100.1"]
	if !ok || !mention.IsMention || mention.UserName != "sam" {
		t.Fatalf("mention entry = %+v", mention)
	}
	kw, ok := byID["C1:100.3"]
	if !ok || len(kw.MatchedKeywords) != 1 || kw.MatchedKeywords[0] != "deploy" {
		t.Fatalf("keyword entry = %+v", kw)
	}
	if kw.UserName != "jay" {
		t.Fatalf("user name = %q, want display name", kw.UserName)
	}

	stats := s.Stats()
	if stats.MessagesSeen != 3 || stats.MessagesQueued != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDispatchOrderIsChronological(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Out of order on purpose: the transport contract is newest-first but the
	// pipeline must not depend on it.
	sess := &fakeSession{
		ignoreOldest: true,
		history: map[string][]slack.Message{
			"C1": {
				{TS: "100.3", UserID: "U1", Text: "deploy c"},
				{TS: "100.1", UserID: "U1", Text: "deploy a"},
				{TS: "100.2", UserID: "U1", Text: "deploy b"},
			},
		},
		users: map[string]slack.UserInfo{"U1": {Name: "jdoe"}},
	}
	s, st := newTestPoller(t, sess)
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	var mu sync.Mutex
	var order []string
	s.AddCallback(func(m store.PendingMessage) {
		mu.Lock()
		order = append(order, m.Timestamp)
		mu.Unlock()
	})

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"100.1", "100.2", "100.3"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", order, want)
		}
	}
}

func TestReplayedBatchIsNotReprocessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{
		ignoreOldest: true, // transport replays the same batch every cycle
		history: map[string][]slack.Message{
			"C1": {{TS: "100.1", UserID: "U1", Text: "deploy"}},
		},
		users: map[string]slack.UserInfo{"U1": {Name: "jdoe"}},
	}
	s, st := newTestPoller(t, sess)
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.pollChannel(ctx, "C1"); err != nil {
			t.Fatalf("pollChannel #%d: %v", i, err)
		}
	}

	n, _ := st.PendingCount(ctx)
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	stats := s.Stats()
	if stats.MessagesSeen != 1 || stats.MessagesQueued != 1 {
		t.Fatalf("replayed rows were re-evaluated: %+v", stats)
	}
}

func TestFullBatchDrainsWholeWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// More unread messages than one batch holds. A full newest-first page
	// must not let the watermark jump past the unfetched older messages.
	sess := &fakeSession{
		history: map[string][]slack.Message{
			"C1": {
				{TS: "100.2", UserID: "U1", Text: "deploy b"},
				{TS: "100.1", UserID: "U1", Text: "deploy a"},
			},
		},
		users: map[string]slack.UserInfo{"U1": {Name: "jdoe"}},
	}
	st := store.NewMemory()
	s := New(Config{
		Channels:   []string{"C1"},
		Keywords:   []string{"deploy"},
		SelfUserID: "U0SELF",
		BatchSize:  1,
	}, sess, st, nil, logx.Nop())
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	var mu sync.Mutex
	var order []string
	s.AddCallback(func(m store.PendingMessage) {
		mu.Lock()
		order = append(order, m.Timestamp)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		if err := s.pollChannel(ctx, "C1"); err != nil {
			t.Fatalf("pollChannel #%d: %v", i, err)
		}
	}

	n, _ := st.PendingCount(ctx)
	if n != 2 {
		t.Fatalf("pending = %d, want 2 (older message was skipped)", n)
	}
	ts, _, _ := st.Watermark(ctx, "C1")
	if ts != "100.2" {
		t.Fatalf("watermark = %q, want 100.2", ts)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "100.1" || order[1] != "100.2" {
		t.Fatalf("dispatch order = %v, want [100.1 100.2]", order)
	}
}

func TestFetchWindowHonorsPageBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Backlog larger than maxHistoryPages full pages: the cycle takes the
	// newest pages it is allowed and leaves the oldest behind.
	msgs := make([]slack.Message, 0, maxHistoryPages+2)
	for ts := 112; ts >= 101; ts-- { // newest-first
		msgs = append(msgs, slack.Message{
			TS: fmt.Sprintf("%d.0", ts), UserID: "U1", Text: "deploy",
		})
	}
	sess := &fakeSession{
		history: map[string][]slack.Message{"C1": msgs},
		users:   map[string]slack.UserInfo{"U1": {Name: "jdoe"}},
	}
	st := store.NewMemory()
	s := New(Config{
		Channels:   []string{"C1"},
		Keywords:   []string{"deploy"},
		SelfUserID: "U0SELF",
		BatchSize:  1,
	}, sess, st, nil, logx.Nop())
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}

	n, _ := st.PendingCount(ctx)
	if n != maxHistoryPages {
		t.Fatalf("pending = %d, want %d (one page budget)", n, maxHistoryPages)
	}
	ts, _, _ := st.Watermark(ctx, "C1")
	if ts != "112.0" {
		t.Fatalf("watermark = %q, want 112.0", ts)
	}
}

func TestUserNameResolutionIsCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{
		history: map[string][]slack.Message{
			"C1": {
				{TS: "100.2", UserID: "U1", Text: "deploy two"},
				{TS: "100.1", UserID: "U1", Text: "deploy one"},
			},
		},
		users: map[string]slack.UserInfo{"U1": {Name: "jdoe", DisplayName: "jay"}},
	}
	s, st := newTestPoller(t, sess)
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}

	if _, userCalls := sess.calls(); userCalls != 1 {
		t.Fatalf("FetchUserInfo called %d times, want 1", userCalls)
	}
}

func TestUserLookupFailureFallsBackToID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{
		history: map[string][]slack.Message{
			"C1": {{TS: "100.1", UserID: "UGONE", Text: "deploy"}},
		},
		// UGONE is not in users: lookup fails
	}
	s, st := newTestPoller(t, sess)
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}
	got, _ := st.ListPending(ctx, 1, "")
	if len(got) != 1 || got[0].UserName != "UGONE" {
		t.Fatalf("pending = %+v, want raw id as name", got)
	}
}

// flakyStore fails Enqueue for chosen ids; everything else passes through.
type flakyStore struct {
	store.Store
	failIDs map[string]bool
}

func (f *flakyStore) Enqueue(ctx context.Context, msg store.PendingMessage) error {
	if f.failIDs[msg.ID] {
		return errors.New("disk full")
	}
	return f.Store.Enqueue(ctx, msg)
}

func TestEnqueueFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{
		history: map[string][]slack.Message{
			"C1": {
				{TS: "100.2", UserID: "U1", Text: "deploy b"},
				{TS: "100.1", UserID: "U1", Text: "deploy a"},
			},
		},
		users: map[string]slack.UserInfo{"U1": {Name: "jdoe"}},
	}
	mem := store.NewMemory()
	st := &flakyStore{Store: mem, failIDs: map[string]bool{"C1:100.1": true}}
	s := New(Config{
		Channels:   []string{"C1"},
		Keywords:   []string{"deploy"},
		SelfUserID: "U0SELF",
	}, sess, st, nil, logx.Nop())
	if err := mem.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}

	// The second message still made it, and the watermark still advanced.
	n, _ := mem.PendingCount(ctx)
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	ts, _, _ := mem.Watermark(ctx, "C1")
	if ts != "100.2" {
		t.Fatalf("watermark = %q, want 100.2", ts)
	}
	if s.Stats().Errors == 0 {
		t.Fatal("enqueue failure must be counted")
	}
}

func TestCallbackPanicIsIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{
		history: map[string][]slack.Message{
			"C1": {{TS: "100.1", UserID: "U1", Text: "deploy"}},
		},
		users: map[string]slack.UserInfo{"U1": {Name: "jdoe"}},
	}
	s, st := newTestPoller(t, sess)
	if err := st.SetWatermark(ctx, "C1", "100.0", ""); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	s.AddCallback(func(store.PendingMessage) { panic("boom") })
	var mu sync.Mutex
	var delivered int
	s.AddCallback(func(store.PendingMessage) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	if err := s.pollChannel(ctx, "C1"); err != nil {
		t.Fatalf("pollChannel: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("second callback got %d deliveries, want 1", delivered)
	}
	if s.Stats().MessagesQueued != 1 {
		t.Fatalf("queued counter = %d, want 1", s.Stats().MessagesQueued)
	}
}

func TestRemoveCallback(t *testing.T) {
	t.Parallel()

	s, _ := newTestPoller(t, &fakeSession{})
	var calls int
	id := s.AddCallback(func(store.PendingMessage) { calls++ })
	s.RemoveCallback(id)
	s.RemoveCallback(id) // unknown id is a no-op

	s.dispatch(store.PendingMessage{ID: "x"})
	if calls != 0 {
		t.Fatalf("removed callback was invoked %d times", calls)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := &fakeSession{
		identity: slack.Identity{UserID: "U0BOT", DisplayName: "watchbot"},
		channels: []slack.Channel{{ID: "C1", Name: "general"}},
		history:  map[string][]slack.Message{},
	}
	st := store.NewMemory()
	s := New(Config{
		Channels:    []string{"C1"},
		IntervalMin: time.Millisecond,
		IntervalMax: 2 * time.Millisecond,
	}, sess, st, nil, logx.Nop())

	if s.State() != StateStopped {
		t.Fatalf("initial state = %v", s.State())
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Fatal("not running after Start")
	}
	if got := s.SelfID(); got != "U0BOT" {
		t.Fatalf("self id = %q, want the discovered identity", got)
	}

	// Second Start while running is a warn-and-ignore no-op.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	// The loop runs its first cycle immediately.
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Polls == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poll loop never ran a cycle")
		}
		time.Sleep(time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state after Stop = %v", s.State())
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartFailsOnIdentityError(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{identityErr: errors.New("invalid_auth")}
	s, _ := newTestPoller(t, sess)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start must fail when identity validation fails")
	}
	if s.State() != StateStopped {
		t.Fatalf("state after failed Start = %v", s.State())
	}
}

func TestConfiguredSelfIDWins(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		identity: slack.Identity{UserID: "U0BOT"},
		history:  map[string][]slack.Message{},
	}
	s, _ := newTestPoller(t, sess) // config sets U0SELF

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if got := s.SelfID(); got != "U0SELF" {
		t.Fatalf("self id = %q, configured value must win", got)
	}
}
