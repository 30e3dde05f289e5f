package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/accountdata"
	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/MarcoPoloResearchLab/roomsync/internal/groups"
	"github.com/MarcoPoloResearchLab/roomsync/internal/notify"
	"github.com/MarcoPoloResearchLab/roomsync/internal/pushrules"
	"github.com/MarcoPoloResearchLab/roomsync/internal/redaction"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
	"github.com/MarcoPoloResearchLab/roomsync/internal/timeline"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testUserID = "@me:example.org"
	testRoomID = "!room:example.org"
)

type callLog struct {
	calls []string
}

func (l *callLog) record(name string) {
	l.calls = append(l.calls, name)
}

type recordingCrypto struct {
	log      *callLog
	started  bool
	startErr error
	initial  []bool
}

func (c *recordingCrypto) IsStarted() bool {
	return c.started
}

func (c *recordingCrypto) Start(_ context.Context, isInitialSync bool) error {
	c.log.record("crypto.start")
	c.initial = append(c.initial, isInitialSync)
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *recordingCrypto) HandleToDevice(_ context.Context, _ *syncapi.ToDevice) error {
	c.log.record("crypto.to_device")
	return nil
}

func (c *recordingCrypto) OnSyncCompleted(_ context.Context, _ *syncapi.Response) error {
	c.log.record("crypto.sync_completed")
	return nil
}

type recordingRooms struct {
	log     *callLog
	handler *rooms.SyncHandler
}

func (r recordingRooms) Handle(ctx context.Context, transaction *gorm.DB, delta *syncapi.Rooms, isInitialSync bool) error {
	r.log.record("rooms")
	return r.handler.Handle(ctx, transaction, delta, isInitialSync)
}

type failingAccountData struct {
	err error
}

func (f failingAccountData) Handle(context.Context, *gorm.DB, *syncapi.AccountData) error {
	return f.err
}

func (f failingAccountData) SynchronizeWithServerIfNeeded(context.Context, map[string]syncapi.InvitedRoom) error {
	return nil
}

type staticPushRules struct {
	rules pushrules.RuleSet
}

func (s staticPushRules) GetPushRules(context.Context, pushrules.Scope) (pushrules.RuleSet, error) {
	return s.rules, nil
}

type countingPushTask struct {
	scheduled int
}

func (p *countingPushTask) Schedule(context.Context, *syncapi.Rooms, pushrules.RuleSet) (int, error) {
	p.scheduled++
	return 0, nil
}

type countingSignaler struct {
	signals int
}

func (s *countingSignaler) Signal() {
	s.signals++
}

type fixture struct {
	database     *gorm.DB
	log          *callLog
	crypto       *recordingCrypto
	pushTask     *countingPushTask
	signaler     *countingSignaler
	tokens       *SessionTokenStore
	orchestrator *Orchestrator
}

func newFixture(t *testing.T, mutate func(*OrchestratorConfig, *fixture)) *fixture {
	t.Helper()
	database := newTestDatabase(t)
	log := &callLog{}
	roomHandler, err := rooms.NewSyncHandler(rooms.SyncHandlerConfig{SessionUserID: testUserID})
	require.NoError(t, err)
	accountHandler, err := accountdata.NewHandler(accountdata.HandlerConfig{Database: database, SessionUserID: testUserID})
	require.NoError(t, err)
	tokens, err := NewSessionTokenStore(database)
	require.NoError(t, err)

	f := &fixture{
		database: database,
		log:      log,
		crypto:   &recordingCrypto{log: log},
		pushTask: &countingPushTask{},
		signaler: &countingSignaler{},
		tokens:   tokens,
	}
	cfg := OrchestratorConfig{
		Database:    database,
		Crypto:      f.crypto,
		CryptoSync:  f.crypto,
		Rooms:       recordingRooms{log: log, handler: roomHandler},
		AccountData: accountHandler,
		Groups:      groups.NewHandler(nil, nil),
		PushRules:   staticPushRules{},
		PushTask:    f.pushTask,
		Tokens:      tokens,
		Signaler:    f.signaler,
	}
	if mutate != nil {
		mutate(&cfg, f)
	}
	f.orchestrator, err = NewOrchestrator(cfg)
	require.NoError(t, err)
	return f
}

func TestApplyDeltaCommitsEverythingWithCursor(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orchestrator.ApplyDelta(context.Background(), firstDelta(), nil))

	token, err := f.tokens.LatestToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, token)
	require.Equal(t, "s_1", *token)

	stored, err := events.Find(f.database, "$m1")
	require.NoError(t, err)
	require.NotNil(t, stored)

	content, ok, err := accountdata.Content(f.database, "m.ignored_user_list")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, content)

	var group groups.GroupSummary
	require.NoError(t, f.database.Where("group_id = ?", "+team:example.org").Take(&group).Error)
	require.Equal(t, groups.MembershipJoin, group.Membership)

	require.Equal(t, []string{"crypto.start", "crypto.to_device", "rooms", "crypto.sync_completed"}, f.log.calls)
	require.Equal(t, []bool{true}, f.crypto.initial)
	require.Equal(t, 1, f.signaler.signals)
}

func TestApplyDeltaRollsBackOnAccountDataFailure(t *testing.T) {
	failure := errors.New("disk full")
	f := newFixture(t, func(cfg *OrchestratorConfig, _ *fixture) {
		cfg.AccountData = failingAccountData{err: failure}
	})

	err := f.orchestrator.ApplyDelta(context.Background(), firstDelta(), nil)
	require.ErrorIs(t, err, failure)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "ingest.apply_delta.account_data_failed", serviceErr.Code())

	token, err := f.tokens.LatestToken(context.Background())
	require.NoError(t, err)
	require.Nil(t, token, "cursor must not advance")

	stored, err := events.Find(f.database, "$m1")
	require.NoError(t, err)
	require.Nil(t, stored, "room writes must roll back with the transaction")

	var summaries int64
	require.NoError(t, f.database.Model(&rooms.RoomSummary{}).Count(&summaries).Error)
	require.Zero(t, summaries)
	require.Zero(t, f.signaler.signals)
	require.NotContains(t, f.log.calls, "crypto.sync_completed")
}

func TestApplyDeltaSkipsPushRulesOnInitialSync(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.orchestrator.ApplyDelta(context.Background(), firstDelta(), nil))
	require.Zero(t, f.pushTask.scheduled)

	cursor := "s_1"
	second := &syncapi.Response{NextBatch: "s_2", Rooms: &syncapi.Rooms{Join: map[string]syncapi.JoinedRoom{
		testRoomID: {Timeline: syncapi.Timeline{Events: []syncapi.Event{message("$m2", "again")}}},
	}}}
	require.NoError(t, f.orchestrator.ApplyDelta(context.Background(), second, &cursor))
	require.Equal(t, 1, f.pushTask.scheduled)

	token, err := f.tokens.LatestToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s_2", *token)
}

func TestApplyDeltaCryptoStartFailureIsFatal(t *testing.T) {
	startErr := errors.New("olm unavailable")
	f := newFixture(t, func(_ *OrchestratorConfig, f *fixture) {
		f.crypto.startErr = startErr
	})

	err := f.orchestrator.ApplyDelta(context.Background(), firstDelta(), nil)
	require.ErrorIs(t, err, startErr)
	require.Equal(t, []string{"crypto.start"}, f.log.calls, "nothing may run after a failed start")

	token, err := f.tokens.LatestToken(context.Background())
	require.NoError(t, err)
	require.Nil(t, token)
}

func TestApplyDeltaSkipsStartWhenAlreadyRunning(t *testing.T) {
	f := newFixture(t, func(_ *OrchestratorConfig, f *fixture) {
		f.crypto.started = true
	})
	cursor := "s_0"
	require.NoError(t, f.orchestrator.ApplyDelta(context.Background(), &syncapi.Response{NextBatch: "s_1"}, &cursor))
	require.NotContains(t, f.log.calls, "crypto.start")
	require.NotContains(t, f.log.calls, "crypto.to_device")
}

func TestApplyDeltaRejectsCanceledContextAndBadPayload(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.orchestrator.ApplyDelta(ctx, firstDelta(), nil)
	require.ErrorIs(t, err, context.Canceled)

	err = f.orchestrator.ApplyDelta(context.Background(), &syncapi.Response{}, nil)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "ingest.apply_delta.missing_next_batch", serviceErr.Code())

	err = f.orchestrator.ApplyDelta(context.Background(), nil, nil)
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "ingest.apply_delta.missing_payload", serviceErr.Code())

	token, err := f.tokens.LatestToken(context.Background())
	require.NoError(t, err)
	require.Nil(t, token)
}

type cancelingRooms struct {
	handler *rooms.SyncHandler
	cancel  context.CancelFunc
}

func (r cancelingRooms) Handle(ctx context.Context, transaction *gorm.DB, delta *syncapi.Rooms, isInitialSync bool) error {
	if err := r.handler.Handle(ctx, transaction, delta, isInitialSync); err != nil {
		return err
	}
	r.cancel()
	return nil
}

func TestApplyDeltaCanceledMidTransactionRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, func(cfg *OrchestratorConfig, _ *fixture) {
		roomHandler, err := rooms.NewSyncHandler(rooms.SyncHandlerConfig{SessionUserID: testUserID})
		require.NoError(t, err)
		cfg.Rooms = cancelingRooms{handler: roomHandler, cancel: cancel}
	})

	err := f.orchestrator.ApplyDelta(ctx, firstDelta(), nil)
	require.ErrorIs(t, err, context.Canceled)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "ingest.apply_delta.canceled", serviceErr.Code())

	stored, err := events.Find(f.database, "$m1")
	require.NoError(t, err)
	require.Nil(t, stored, "rows written before the cancellation must roll back")

	token, err := f.tokens.LatestToken(context.Background())
	require.NoError(t, err)
	require.Nil(t, token)
	require.Zero(t, f.signaler.signals)
	require.NotContains(t, f.log.calls, "crypto.sync_completed")
}

type blockingRooms struct {
	handler *rooms.SyncHandler
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	initial []bool
}

func (r *blockingRooms) Handle(ctx context.Context, transaction *gorm.DB, delta *syncapi.Rooms, isInitialSync bool) error {
	r.mu.Lock()
	r.initial = append(r.initial, isInitialSync)
	first := len(r.initial) == 1
	r.mu.Unlock()
	if first {
		close(r.entered)
		<-r.release
	}
	return r.handler.Handle(ctx, transaction, delta, isInitialSync)
}

func TestApplyNextSerializesCursorReads(t *testing.T) {
	roomHandler, err := rooms.NewSyncHandler(rooms.SyncHandlerConfig{SessionUserID: testUserID})
	require.NoError(t, err)
	blocking := &blockingRooms{handler: roomHandler, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(cfg *OrchestratorConfig, _ *fixture) {
		cfg.Rooms = blocking
	})

	type result struct {
		initial bool
		err     error
	}
	firstDone := make(chan result, 1)
	go func() {
		initial, err := f.orchestrator.ApplyNext(context.Background(), firstDelta())
		firstDone <- result{initial: initial, err: err}
	}()
	<-blocking.entered

	second := &syncapi.Response{NextBatch: "s_2", Rooms: &syncapi.Rooms{Join: map[string]syncapi.JoinedRoom{
		testRoomID: {Timeline: syncapi.Timeline{Events: []syncapi.Event{message("$m2", "again")}}},
	}}}
	secondDone := make(chan result, 1)
	go func() {
		initial, err := f.orchestrator.ApplyNext(context.Background(), second)
		secondDone <- result{initial: initial, err: err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(blocking.release)

	first := <-firstDone
	require.NoError(t, first.err)
	require.True(t, first.initial)
	next := <-secondDone
	require.NoError(t, next.err)
	require.False(t, next.initial, "the second delta must see the first delta's committed cursor")

	require.Equal(t, []bool{true, false}, blocking.initial)
	require.Equal(t, 1, f.pushTask.scheduled)
	require.Equal(t, []bool{true}, f.crypto.initial)

	token, err := f.tokens.LatestToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s_2", *token)
}

func TestApplyNextRejectsBadPayloadBeforeReadingCursor(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orchestrator.ApplyNext(context.Background(), &syncapi.Response{})
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "ingest.apply_delta.missing_next_batch", serviceErr.Code())
}

func TestLogProgressReporterResetsOnNewRun(t *testing.T) {
	reporter := NewLogProgressReporter(nil)
	for _, phase := range []string{PhaseCrypto, PhaseRooms} {
		reporter.StartPhase(phase, phaseWeights[phase])
		reporter.EndPhase(phase)
	}
	require.InDelta(t, 0.8, reporter.Completed(), 1e-9)

	reporter.StartPhase(PhaseAccountData, phaseWeights[PhaseAccountData])
	for _, phase := range []string{PhaseCrypto, PhaseRooms, PhaseAccountData, PhaseGroups} {
		reporter.StartPhase(phase, phaseWeights[phase])
		reporter.EndPhase(phase)
	}
	require.InDelta(t, 1.0, reporter.Completed(), 1e-9)
}

func TestApplyDeltaProgressAfterFailedInitialSync(t *testing.T) {
	reporter := NewLogProgressReporter(nil)
	failure := errors.New("disk full")
	failing := newFixture(t, func(cfg *OrchestratorConfig, _ *fixture) {
		cfg.Progress = reporter
		cfg.AccountData = failingAccountData{err: failure}
	})
	require.ErrorIs(t, failing.orchestrator.ApplyDelta(context.Background(), firstDelta(), nil), failure)
	require.InDelta(t, 0.8, reporter.Completed(), 1e-9)

	retry := newFixture(t, func(cfg *OrchestratorConfig, _ *fixture) {
		cfg.Progress = reporter
	})
	require.NoError(t, retry.orchestrator.ApplyDelta(context.Background(), firstDelta(), nil))
	require.InDelta(t, 1.0, reporter.Completed(), 1e-9)
}

func TestApplyDeltaReportsInitialSyncProgress(t *testing.T) {
	reporter := NewLogProgressReporter(nil)
	f := newFixture(t, func(cfg *OrchestratorConfig, _ *fixture) {
		cfg.Progress = reporter
	})
	require.NoError(t, f.orchestrator.ApplyDelta(context.Background(), firstDelta(), nil))
	require.InDelta(t, 1.0, reporter.Completed(), 1e-9)
}

func TestRedactionInSameDeltaIsResolvedAfterCommit(t *testing.T) {
	var queue *notify.Queue
	f := newFixture(t, func(cfg *OrchestratorConfig, f *fixture) {
		var err error
		queue, err = notify.NewQueue(notify.Config{Database: f.database})
		require.NoError(t, err)
		cfg.Signaler = queue
	})
	require.NoError(t, queue.Register(context.Background(), redaction.WatchClass()))

	delta := &syncapi.Response{NextBatch: "s_1", Rooms: &syncapi.Rooms{Join: map[string]syncapi.JoinedRoom{
		testRoomID: {Timeline: syncapi.Timeline{Events: []syncapi.Event{
			message("$secret", "do not read"),
			{EventID: "$redact", Type: events.TypeRedaction, Sender: "@friend:example.org", Redacts: "$secret", Content: map[string]any{}},
		}}},
	}}}
	require.NoError(t, f.orchestrator.ApplyDelta(context.Background(), delta, nil))

	resolver := redaction.NewResolver(redaction.ResolverConfig{})
	acknowledged, err := queue.Process(context.Background(), redaction.WatchClassName, resolver.ProcessRedactionNotifications)
	require.NoError(t, err)
	require.Equal(t, 1, acknowledged)

	stored, err := events.Find(f.database, "$secret")
	require.NoError(t, err)
	require.Equal(t, "{}", stored.ContentJSON)
	require.Equal(t, "$redact", events.RedactedBy(stored.UnsignedJSON))
}

func firstDelta() *syncapi.Response {
	return &syncapi.Response{
		NextBatch: "s_1",
		ToDevice: &syncapi.ToDevice{Events: []syncapi.Event{
			{Type: events.TypeRoomKey, Sender: "@friend:example.org", Content: map[string]any{"room_id": testRoomID, "session_id": "s"}},
		}},
		Rooms: &syncapi.Rooms{Join: map[string]syncapi.JoinedRoom{
			testRoomID: {Timeline: syncapi.Timeline{Events: []syncapi.Event{message("$m1", "hello")}}},
		}},
		AccountData: &syncapi.AccountData{Events: []syncapi.Event{
			{Type: "m.ignored_user_list", Content: map[string]any{"ignored_users": map[string]any{}}},
		}},
		Groups: &syncapi.Groups{Join: map[string]syncapi.JoinedGroup{"+team:example.org": {}}},
	}
}

func message(eventID string, body string) syncapi.Event {
	return syncapi.Event{
		EventID: eventID,
		Type:    events.TypeMessage,
		Sender:  "@friend:example.org",
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(
		&events.Event{},
		&notify.Notification{},
		&rooms.RoomSummary{},
		&rooms.CurrentStateEvent{},
		&timeline.Chunk{},
		&timeline.TimelineEvent{},
		&accountdata.Entry{},
		&accountdata.RoomEntry{},
		&groups.GroupSummary{},
		&SyncToken{},
	))
	return database
}
