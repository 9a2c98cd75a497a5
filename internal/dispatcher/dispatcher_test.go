package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/editqueue/internal/domain"
)

type sentArtifact struct {
	address  string
	filename string
	data     []byte
	caption  string
}

type fakeNotifier struct {
	mu        sync.Mutex
	artifacts []sentArtifact
	texts     []string
	err       error
}

func (n *fakeNotifier) SendArtifact(ctx context.Context, address, filename string, data []byte, caption string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.artifacts = append(n.artifacts, sentArtifact{address, filename, data, caption})
	return nil
}

func (n *fakeNotifier) SendText(ctx context.Context, address, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.texts = append(n.texts, address+":"+text)
	return nil
}

type fakeDirectory struct {
	addresses map[string]string
}

func (d fakeDirectory) AddressOf(ctx context.Context, userID string) (string, error) {
	a, ok := d.addresses[userID]
	if !ok {
		return "", errors.New("unknown user")
	}
	return a, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	refunded map[string]int64
	reasons  []string
	err      error
	// failFirst makes the first n calls error
	failFirst int
	calls     int
}

func (l *fakeLedger) Refund(ctx context.Context, jobID, userID string, amount int64, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	if l.calls <= l.failFirst {
		return false, errors.New("connection reset by peer")
	}
	if l.refunded == nil {
		l.refunded = map[string]int64{}
	}
	if _, ok := l.refunded[jobID]; ok {
		return false, nil
	}
	l.refunded[jobID] = amount
	l.reasons = append(l.reasons, reason)
	return true, nil
}

type fakeArtifacts map[string][]byte

func (a fakeArtifacts) Read(ctx context.Context, key string) ([]byte, error) {
	data, ok := a[key]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

type fixture struct {
	notifier *fakeNotifier
	ledger   *fakeLedger
	d        *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{notifier: &fakeNotifier{}, ledger: &fakeLedger{}}
	f.d = New(
		f.notifier,
		fakeDirectory{addresses: map[string]string{"user-1": "chat-1"}},
		f.ledger,
		fakeArtifacts{"job-1/out.png": []byte("png")},
		Config{SuccessCaption: "Done!", FailureMessage: "Sorry.", RefundRetries: 3, RefundBackoff: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return f
}

func testJob() *domain.Job {
	return &domain.Job{JobID: "job-1", UserID: "user-1", ChargedAmount: 10}
}

func TestDeliverSuccess(t *testing.T) {
	f := newFixture()

	f.d.DeliverSuccess(context.Background(), testJob(), "job-1/out.png")

	require.Len(t, f.notifier.artifacts, 1)
	got := f.notifier.artifacts[0]
	assert.Equal(t, "chat-1", got.address)
	assert.Equal(t, "out.png", got.filename)
	assert.Equal(t, []byte("png"), got.data)
	assert.Equal(t, "Done!", got.caption)
	assert.Empty(t, f.ledger.refunded)
}

func TestDeliverSuccess_FailuresAreSwallowed(t *testing.T) {
	tests := []struct {
		name  string
		job   *domain.Job
		key   string
		setup func(f *fixture)
	}{
		{name: "missing artifact", job: testJob(), key: "job-1/gone.png"},
		{name: "unknown user", job: &domain.Job{JobID: "job-1", UserID: "nobody"}, key: "job-1/out.png"},
		{name: "notifier down", job: testJob(), key: "job-1/out.png", setup: func(f *fixture) {
			f.notifier.err = errors.New("telegram down")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(f)
			}

			assert.NotPanics(t, func() {
				f.d.DeliverSuccess(context.Background(), tt.job, tt.key)
			})
			assert.Empty(t, f.notifier.artifacts)
		})
	}
}

func TestDeliverFailure(t *testing.T) {
	f := newFixture()

	err := f.d.DeliverFailure(context.Background(), testJob(), "poll timed out")
	require.NoError(t, err)

	assert.Equal(t, []string{"chat-1:Sorry."}, f.notifier.texts)
	assert.Equal(t, int64(10), f.ledger.refunded["job-1"])
	require.Len(t, f.ledger.reasons, 1)
	assert.Contains(t, f.ledger.reasons[0], "poll timed out")
}

func TestDeliverFailure_RefundsEvenIfNotifyFails(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("telegram down")

	require.NoError(t, f.d.DeliverFailure(context.Background(), testJob(), "boom"))
	assert.Equal(t, int64(10), f.ledger.refunded["job-1"])
}

func TestDeliverFailure_DuplicateRefundIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.d.DeliverFailure(ctx, testJob(), "boom"))
	require.NoError(t, f.d.DeliverFailure(ctx, testJob(), "boom"))

	assert.Len(t, f.ledger.reasons, 1)
}

func TestDeliverFailure_RefundError(t *testing.T) {
	f := newFixture()
	f.ledger.err = errors.New("db down")

	err := f.d.DeliverFailure(context.Background(), testJob(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 4, f.ledger.calls)
	assert.Len(t, f.notifier.texts, 1)
}

func TestDeliverFailure_TransientRefundErrorIsRetried(t *testing.T) {
	f := newFixture()
	f.ledger.failFirst = 2

	require.NoError(t, f.d.DeliverFailure(context.Background(), testJob(), "boom"))

	assert.Equal(t, 3, f.ledger.calls)
	assert.Equal(t, int64(10), f.ledger.refunded["job-1"])
	assert.Len(t, f.notifier.texts, 1)
}

func TestDeliverFailure_NothingCharged(t *testing.T) {
	f := newFixture()
	job := testJob()
	job.ChargedAmount = 0

	require.NoError(t, f.d.DeliverFailure(context.Background(), job, "boom"))
	assert.Empty(t, f.ledger.refunded)
	assert.Len(t, f.notifier.texts, 1)
}

func TestRefundReason_Truncated(t *testing.T) {
	tests := []struct {
		name    string
		errText string
	}{
		{name: "ascii", errText: strings.Repeat("x", 1000)},
		{name: "cyrillic", errText: strings.Repeat("ошибка ", 60)},
		{name: "emoji", errText: strings.Repeat("🔥", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := refundReason(tt.errText)
			assert.LessOrEqual(t, len(reason), maxReasonLen)
			assert.Greater(t, len(reason), maxReasonLen-utf8.UTFMax)
			assert.True(t, utf8.ValidString(reason))
			assert.True(t, strings.HasPrefix(reason, "job failed: "))
		})
	}
}

func TestRefundReason_InvalidUTF8(t *testing.T) {
	reason := refundReason("bad \xd0 byte")
	assert.True(t, utf8.ValidString(reason))
	assert.Equal(t, "job failed: bad \uFFFD byte", reason)
}
