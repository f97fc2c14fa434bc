package services

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailpulse/config"
	"mailpulse/events"
	"mailpulse/models"
	"mailpulse/tracking"
	"mailpulse/utils"
)

var testStart = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC) // a Saturday

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: testStart} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []utils.Envelope
	fail map[string]bool
}

func (f *fakeTransport) Send(_ context.Context, env utils.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, to := range env.To {
		if f.fail[to] {
			return errors.New("550 mailbox unavailable")
		}
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Sent() []utils.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]utils.Envelope(nil), f.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) OfType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	db         *gorm.DB
	clock      *testClock
	transport  *fakeTransport
	publisher  *recordingPublisher
	rollup     *RollupStore
	reconciler *Reconciler
	dispatcher *Dispatcher
	inbound    *InboundProcessor
	mailbox    *Mailbox
	owner      uint
}

const testMailbox = "me@mailpulse.test"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database shared and
	// serializes writers the way row locks would.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, config.MigrateDB(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	quiet := log.New(io.Discard, "", 0)
	clock := newTestClock()

	env := &testEnv{
		db:        db,
		clock:     clock,
		transport: &fakeTransport{fail: map[string]bool{}},
		publisher: &recordingPublisher{},
	}
	env.owner = seedUser(t, db, "owner@mailpulse.test")
	env.rollup = NewRollupStore(db, quiet)
	env.reconciler = NewReconciler(db, tracking.NewEngineWithClock(clock.Now), env.rollup, env.publisher, quiet)
	env.dispatcher = NewDispatcher(db, env.reconciler, env.transport, DispatcherConfig{
		BaseURL:        "https://track.mailpulse.test",
		FromEmail:      testMailbox,
		FromName:       "Mailpulse",
		WeeklySendHour: 9,
	}, quiet)
	env.dispatcher.SetClock(clock.Now)
	env.inbound = NewInboundProcessor(db, env.reconciler, t.TempDir(), quiet)
	env.mailbox = NewMailbox(db, env.reconciler, testMailbox)
	return env
}

func seedUser(t *testing.T, db *gorm.DB, email string) uint {
	t.Helper()
	user := models.User{Email: email, PasswordHash: "x"}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

// send delivers one message to rcpt and advances the clock so that later
// sends sort after it.
func (e *testEnv) send(t *testing.T, rcpt, subject string) models.Message {
	t.Helper()
	msgs, err := e.dispatcher.Send(context.Background(), e.owner, ComposeRequest{
		Recipients: []string{rcpt},
		Subject:    subject,
		Body:       "Hello, see https://example.com/report",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	e.clock.Advance(time.Minute)
	return msgs[0]
}

func (e *testEnv) reload(t *testing.T, id uint) *models.Message {
	t.Helper()
	msg, err := e.reconciler.Load(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func (e *testEnv) recipientRow(t *testing.T, email string) *models.UniqueRecipient {
	t.Helper()
	row, err := e.rollup.Get(context.Background(), e.owner, email)
	require.NoError(t, err)
	return row
}
