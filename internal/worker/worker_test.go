package worker

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainyard/internal/buildlock"
	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/stack"
	"github.com/mattjoyce/trainyard/internal/storage"
	"github.com/mattjoyce/trainyard/internal/vcs"
	"github.com/mattjoyce/trainyard/internal/vcs/mocks"
)

const agent = "worker-1"

type fakeBuild struct {
	outcome buildlock.Outcome
	runs    int
}

func (f *fakeBuild) Run(ctx context.Context, fn func(ctx context.Context) error) (buildlock.Result, error) {
	f.runs++
	if f.outcome != buildlock.Acquired {
		return buildlock.Result{Outcome: f.outcome, HolderPID: 4242}, nil
	}
	return buildlock.Result{Outcome: buildlock.Acquired}, fn(ctx)
}

type recordingTester struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingTester) Test(_ context.Context, workspace, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, workspace+"@"+dir)
	return r.err
}

func (r *recordingTester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
}

type harness struct {
	q      *queue.Queue
	driver *mocks.MockDriver
	build  *fakeBuild
	tester *recordingTester
	pub    *recordingPublisher
	w      *Worker
	logs   *bytes.Buffer
}

func newHarness(t *testing.T, thrashLimit int) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		q:      queue.New(db, queue.WithLogger(log.Discard())),
		driver: mocks.NewMockDriver(ctrl),
		build:  &fakeBuild{},
		tester: &recordingTester{},
		pub:    &recordingPublisher{},
		logs:   &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.w, err = New(h.q, h.driver, h.build, h.tester, Options{
		Agent:        agent,
		ClaimTTL:     time.Minute,
		Target:       "main",
		ThrashLimit:  thrashLimit,
		PollInterval: 10 * time.Millisecond,
		WorkspaceDir: func(ws string) string { return "/ws/" + ws },
		Publisher:    h.pub,
		Logger:       logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) enqueue(t *testing.T, ws, parent string) {
	t.Helper()
	req := queue.EnqueueRequest{Workspace: ws}
	if parent != "" {
		req.Parent = &parent
	}
	_, err := h.q.Enqueue(context.Background(), req)
	require.NoError(t, err)
}

func (h *harness) entry(t *testing.T, ws string) *queue.Entry {
	t.Helper()
	e, err := h.q.Get(context.Background(), ws)
	require.NoError(t, err)
	return e
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, nil, nil, nil, Options{ClaimTTL: time.Minute})
	assert.ErrorIs(t, err, queue.ErrInvalidAgent)
	_, err = New(nil, nil, nil, nil, Options{Agent: "a", ClaimTTL: time.Millisecond})
	assert.ErrorIs(t, err, queue.ErrInvalidTTL)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	h := newHarness(t, 0)
	landed, err := h.w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, landed)
}

func TestRunOnceLandsWorkspace(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "feat", "")
	ctx := context.Background()

	gomock.InOrder(
		h.driver.EXPECT().Rebase(gomock.Any(), "feat").Return("sha1", nil),
		h.driver.EXPECT().DiffStat(gomock.Any(), "feat").Return(vcs.DiffStat{Files: 2, Insertions: 10, Deletions: 3}, nil),
		h.driver.EXPECT().Merge(gomock.Any(), "feat", "main").Return(nil),
	)

	landed, err := h.w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, landed)

	e := h.entry(t, "feat")
	assert.Equal(t, queue.StatusMerged, e.Status)
	require.NotNil(t, e.TestedAgainstSHA)
	assert.Equal(t, "sha1", *e.TestedAgainstSHA)
	assert.Equal(t, 1, e.RebaseCount)
	assert.Nil(t, e.AgentID)
	assert.Equal(t, []string{"feat@/ws/feat"}, h.tester.calls)
	assert.Contains(t, h.pub.types, "worker.merged")
	assert.Contains(t, h.logs.String(), "2 files, +10 -3")

	evs, err := h.q.Events(ctx, "feat", 0)
	require.NoError(t, err)
	var types []queue.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []queue.EventType{
		queue.EventCreated, queue.EventClaimed, queue.EventTransitioned, queue.EventRebased,
		queue.EventTransitioned, queue.EventTested, queue.EventTransitioned, queue.EventTransitioned,
		queue.EventMerged,
	}, types)
}

func TestMergeUnblocksChild(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "base", "")
	h.enqueue(t, "top", "base")
	ctx := context.Background()

	assert.Equal(t, stack.Blocked, h.entry(t, "top").StackMergeState)

	h.driver.EXPECT().Rebase(gomock.Any(), gomock.Any()).Return("s", nil).Times(2)
	h.driver.EXPECT().DiffStat(gomock.Any(), gomock.Any()).Return(vcs.DiffStat{}, nil).Times(2)
	h.driver.EXPECT().Merge(gomock.Any(), gomock.Any(), "main").Return(nil).Times(2)

	landed, err := h.w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, landed)
	assert.Equal(t, queue.StatusMerged, h.entry(t, "base").Status)
	assert.Equal(t, stack.Ready, h.entry(t, "top").StackMergeState)

	landed, err = h.w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, landed)
	assert.Equal(t, queue.StatusMerged, h.entry(t, "top").Status)
}

func TestConflictIsRetried(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "feat", "")

	h.driver.EXPECT().Rebase(gomock.Any(), "feat").
		Return("", &vcs.ConflictError{Workspace: "feat", Op: "rebase", Detail: "a.go"})

	landed, err := h.w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, landed)

	e := h.entry(t, "feat")
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.Equal(t, 1, e.AttemptCount)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "conflict")
	assert.Zero(t, h.tester.count())
	assert.Contains(t, h.pub.types, "worker.failed")
}

func TestTestFailureIsTerminalAndBlocksDependents(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "base", "")
	h.enqueue(t, "top", "base")
	h.tester.err = &TestFailure{Workspace: "base", ExitCode: 1, Output: "FAIL"}

	h.driver.EXPECT().Rebase(gomock.Any(), "base").Return("sha", nil)

	_, err := h.w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, queue.StatusFailedTerminal, h.entry(t, "base").Status)
	assert.Equal(t, stack.Blocked, h.entry(t, "top").StackMergeState)

	next, err := h.q.NextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestBusyBuildLockRetries(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "feat", "")
	h.build.outcome = buildlock.Timeout

	h.driver.EXPECT().Rebase(gomock.Any(), "feat").Return("sha", nil)

	_, err := h.w.RunOnce(context.Background())
	require.NoError(t, err)

	e := h.entry(t, "feat")
	assert.Equal(t, queue.StatusPending, e.Status)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "build lock busy")
	assert.Contains(t, *e.Error, "4242")
	assert.Zero(t, h.tester.count())
}

func TestThrashingFailsTerminally(t *testing.T) {
	h := newHarness(t, 1)
	h.enqueue(t, "feat", "")
	h.tester.err = context.DeadlineExceeded

	h.driver.EXPECT().Rebase(gomock.Any(), "feat").Return("sha1", nil)
	_, err := h.w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, h.entry(t, "feat").Status)

	h.driver.EXPECT().Rebase(gomock.Any(), "feat").Return("sha2", nil)
	_, err = h.w.RunOnce(context.Background())
	require.NoError(t, err)

	e := h.entry(t, "feat")
	assert.Equal(t, queue.StatusFailedTerminal, e.Status)
	require.NotNil(t, e.Error)
	assert.Contains(t, *e.Error, "rebase thrash")
	assert.Equal(t, 1, h.tester.count())
}

func TestFreshTestResultSkipsTests(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "feat", "")

	h.driver.EXPECT().Rebase(gomock.Any(), "feat").Return("sha1", nil).Times(2)
	h.driver.EXPECT().DiffStat(gomock.Any(), "feat").Return(vcs.DiffStat{}, nil).Times(2)
	gomock.InOrder(
		h.driver.EXPECT().Merge(gomock.Any(), "feat", "main").
			Return(&vcs.ConflictError{Workspace: "feat", Op: "merge", Detail: "moved"}),
		h.driver.EXPECT().Merge(gomock.Any(), "feat", "main").Return(nil),
	)

	_, err := h.w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, h.entry(t, "feat").Status)

	_, err = h.w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusMerged, h.entry(t, "feat").Status)
	assert.Equal(t, 1, h.tester.count())
	assert.Contains(t, h.logs.String(), "tests already passed against head")
}

func TestDiffStatFailureDoesNotBlockMerge(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "feat", "")

	h.driver.EXPECT().Rebase(gomock.Any(), "feat").Return("sha", nil)
	h.driver.EXPECT().DiffStat(gomock.Any(), "feat").Return(vcs.DiffStat{}, assert.AnError)
	h.driver.EXPECT().Merge(gomock.Any(), "feat", "main").Return(nil)

	_, err := h.w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusMerged, h.entry(t, "feat").Status)
	assert.Contains(t, h.logs.String(), "diff stat unavailable")
}

func TestCancelMidRunLeavesClaim(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "feat", "")
	ctx, cancel := context.WithCancel(context.Background())

	h.driver.EXPECT().Rebase(gomock.Any(), "feat").DoAndReturn(func(ctx context.Context, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	})

	landed, err := h.w.RunOnce(ctx)
	assert.True(t, landed)
	assert.ErrorIs(t, err, context.Canceled)

	e := h.entry(t, "feat")
	assert.Equal(t, queue.StatusRebasing, e.Status)
	require.NotNil(t, e.AgentID)
	assert.Equal(t, agent, *e.AgentID)
	assert.Zero(t, e.AttemptCount)
}

func TestStartDrainsThenStops(t *testing.T) {
	h := newHarness(t, 0)
	h.enqueue(t, "a", "")
	h.enqueue(t, "b", "")

	h.driver.EXPECT().Rebase(gomock.Any(), gomock.Any()).Return("s", nil).Times(2)
	h.driver.EXPECT().DiffStat(gomock.Any(), gomock.Any()).Return(vcs.DiffStat{}, nil).Times(2)
	h.driver.EXPECT().Merge(gomock.Any(), gomock.Any(), "main").Return(nil).Times(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return h.entry(t, "a").Status == queue.StatusMerged && h.entry(t, "b").Status == queue.StatusMerged
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
