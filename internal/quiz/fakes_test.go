package quiz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/pollquiz/internal/kv"
	"github.com/gokatarajesh/pollquiz/internal/lock"
	"github.com/gokatarajesh/pollquiz/internal/quiz/scoring"
	"github.com/gokatarajesh/pollquiz/internal/session"
	"github.com/gokatarajesh/pollquiz/internal/settings"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeTransport struct {
	mu       sync.Mutex
	seq      int
	sent     []Poll
	refs     []PollRef
	stopped  []string
	failSend bool
}

func (f *fakeTransport) SendPoll(_ context.Context, p Poll) (PollRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return PollRef{}, errors.New("transport down")
	}
	f.seq++
	ref := PollRef{ChatID: p.ChatID, PollID: fmt.Sprintf("poll-%d", f.seq)}
	f.sent = append(f.sent, p)
	f.refs = append(f.refs, ref)
	return ref, nil
}

func (f *fakeTransport) StopPoll(_ context.Context, ref PollRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ref.PollID)
	return nil
}

func (f *fakeTransport) setFailSend(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = v
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) sentPolls() []Poll {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Poll(nil), f.sent...)
}

func (f *fakeTransport) lastPollID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refs) == 0 {
		return ""
	}
	return f.refs[len(f.refs)-1].PollID
}

func (f *fakeTransport) stoppedPolls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type sentNotice struct {
	chatID int64
	notice Notice
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []sentNotice
}

func (f *fakeNotifier) Notify(_ context.Context, chatID int64, n Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, sentNotice{chatID: chatID, notice: n})
	return nil
}

func (f *fakeNotifier) ofKind(kind NoticeKind) []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notice
	for _, n := range f.notices {
		if n.notice.Kind == kind {
			out = append(out, n.notice)
		}
	}
	return out
}

func (f *fakeNotifier) count(kind NoticeKind) int {
	return len(f.ofKind(kind))
}

type fakeDirectory struct {
	admins map[int64]bool
}

func (f *fakeDirectory) DisplayName(_ context.Context, participantID int64) string {
	return fmt.Sprintf("user-%d", participantID)
}

func (f *fakeDirectory) IsChatAdmin(_ context.Context, _ int64, participantID int64) (bool, error) {
	return f.admins[participantID], nil
}

type scoreCall struct {
	participantID int64
	chatID        *int64
	outcome       scoring.Outcome
}

type fakeScorer struct {
	mu      sync.Mutex
	calls   []scoreCall
	explode bool
}

func (f *fakeScorer) Record(_ context.Context, participantID int64, chatID *int64, outcome scoring.Outcome, _ time.Duration) (int, error) {
	if f.explode {
		panic("scorer exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scoreCall{participantID: participantID, chatID: chatID, outcome: outcome})
	switch outcome {
	case scoring.OutcomeCorrect:
		return 10, nil
	case scoring.OutcomeIncorrect:
		return -5, nil
	default:
		return -2, nil
	}
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeQuizzes map[int64]*session.Quiz

func (f fakeQuizzes) GetQuiz(_ context.Context, quizID int64) (*session.Quiz, error) {
	q, ok := f[quizID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return q, nil
}

// memSessions is a SessionStore whose UpdateLocked serializes like a row lock.
type memSessions struct {
	mu     sync.Mutex
	rows   map[int64]*session.Session
	nextID int64
	now    func() time.Time
}

func newMemSessions(now func() time.Time) *memSessions {
	return &memSessions{rows: make(map[int64]*session.Session), now: now}
}

func cloneSession(s *session.Session) *session.Session {
	c := *s
	return &c
}

func (m *memSessions) Create(_ context.Context, s *session.Session) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, row := range m.rows {
		if row.ParticipantID == s.ParticipantID && row.IsActive {
			row.IsActive = false
			finished := now
			row.FinishedAt = &finished
			row.UpdatedAt = now
		}
	}
	m.nextID++
	c := cloneSession(s)
	c.ID = m.nextID
	c.CreatedAt = now
	c.UpdatedAt = now
	m.rows[c.ID] = c
	return cloneSession(c), nil
}

func (m *memSessions) GetActive(_ context.Context, participantID int64) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ParticipantID == participantID && row.IsActive {
			return cloneSession(row), nil
		}
	}
	return nil, session.ErrNotFound
}

func (m *memSessions) Get(_ context.Context, id int64) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneSession(row), nil
}

func (m *memSessions) UpdateLocked(_ context.Context, id int64, fn func(*session.Session) error) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cur := cloneSession(row)
	if err := fn(cur); err != nil {
		return nil, err
	}
	cur.UpdatedAt = m.now()
	m.rows[id] = cur
	return cloneSession(cur), nil
}

func (m *memSessions) ListStalled(_ context.Context, before time.Time) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for _, row := range m.rows {
		if row.IsActive && row.UpdatedAt.Before(before) {
			out = append(out, *cloneSession(row))
		}
	}
	return out, nil
}

func (m *memSessions) activeCount(participantID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.ParticipantID == participantID && row.IsActive {
			n++
		}
	}
	return n
}

func (m *memSessions) get(t *testing.T, id int64) *session.Session {
	t.Helper()
	s, err := m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %d: %v", id, err)
	}
	return s
}

type harness struct {
	engine    *Engine
	store     *kv.Memory
	sessions  *memSessions
	transport *fakeTransport
	notifier  *fakeNotifier
	directory *fakeDirectory
	scorer    *fakeScorer
	settings  *settings.Store
	metrics   *Metrics
	clock     *testClock
}

const (
	quizCapitals int64 = 1
	quizEmpty    int64 = 2
)

func testQuizzes() fakeQuizzes {
	return fakeQuizzes{
		quizCapitals: {
			ID:    quizCapitals,
			Title: "Capitals",
			Questions: []session.Question{
				{Text: "Capital of France?", Options: []string{"Paris", "Lyon", "Nice"}, CorrectIndex: 0},
				{Text: "Capital of Italy?", Options: []string{"Milan", "Rome", "Turin"}, CorrectIndex: 1},
				{Text: "Capital of Spain?", Options: []string{"Seville", "Valencia", "Madrid"}, CorrectIndex: 2},
			},
		},
		quizEmpty: {ID: quizEmpty, Title: "Empty"},
	}
}

// newHarness keeps polls open for an hour so failsafe timers stay out of
// the way unless a test shortens them.
func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := kv.NewMemory()
	h := &harness{
		store:     store,
		sessions:  newMemSessions(clock.Now),
		transport: &fakeTransport{},
		notifier:  &fakeNotifier{},
		directory: &fakeDirectory{admins: map[int64]bool{}},
		scorer:    &fakeScorer{},
		settings:  settings.New(),
		metrics:   NewMetrics(prometheus.NewRegistry()),
		clock:     clock,
	}

	opts := Options{
		PollDuration:  time.Hour,
		PollMargin:    5 * time.Second,
		PrivateGrace:  20 * time.Millisecond,
		GroupGrace:    20 * time.Millisecond,
		CountdownStep: 5 * time.Millisecond,
		Now:           clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	h.engine = NewEngine(Deps{
		Store:     store,
		Mutex:     lock.NewStoreMutex(store),
		Sessions:  h.sessions,
		Quizzes:   testQuizzes(),
		Transport: h.transport,
		Notifier:  h.notifier,
		Directory: h.directory,
		Scorer:    h.scorer,
		Settings:  h.settings,
		Metrics:   h.metrics,
	}, opts, zerolog.Nop())
	h.engine.shuffle = func(int, func(i, j int)) {}
	t.Cleanup(h.engine.Close)
	return h
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
