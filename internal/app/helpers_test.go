package app

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/pkg/payoutclient"
)

// fakeProvider records submissions and serves batch details from memory.
type fakeProvider struct {
	mu          sync.Mutex
	submissions []payoutclient.SubmitBatchRequest
	submitErr   func(call int, req payoutclient.SubmitBatchRequest) error
	batches     map[string]*payoutclient.BatchDetails
	bySender    map[string]string
	itemStatus  map[string]string // sender item id -> provider status
	itemErrors  map[string]*payoutclient.ItemError
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		batches:    map[string]*payoutclient.BatchDetails{},
		bySender:   map[string]string{},
		itemStatus: map[string]string{},
		itemErrors: map[string]*payoutclient.ItemError{},
	}
}

func (p *fakeProvider) SubmitBatch(_ context.Context, req payoutclient.SubmitBatchRequest) (*payoutclient.SubmitBatchResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissions = append(p.submissions, req)
	if p.submitErr != nil {
		if err := p.submitErr(len(p.submissions), req); err != nil {
			return nil, err
		}
	}
	sender := req.SenderBatchHeader.SenderBatchID
	if _, dup := p.bySender[sender]; dup {
		return nil, &payoutclient.ErrorResponse{StatusCode: 409, Name: "SENDER_BATCH_ID_ALREADY_USED"}
	}
	id := fmt.Sprintf("PB-%d", len(p.batches)+1)
	p.bySender[sender] = id
	details := &payoutclient.BatchDetails{BatchHeader: payoutclient.BatchHeader{PayoutBatchID: id, BatchStatus: "PENDING"}}
	for i, item := range req.Items {
		details.Items = append(details.Items, payoutclient.BatchItem{
			PayoutItemID:  fmt.Sprintf("%s-I%d", id, i+1),
			PayoutBatchID: id,
			PayoutItem:    item,
		})
	}
	p.batches[id] = details
	return &payoutclient.SubmitBatchResponse{BatchHeader: details.BatchHeader}, nil
}

func (p *fakeProvider) GetBatch(_ context.Context, id string) (*payoutclient.BatchDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	details, ok := p.batches[id]
	if !ok {
		return nil, &payoutclient.ErrorResponse{StatusCode: 404, Name: "INVALID_RESOURCE_ID"}
	}
	out := *details
	out.Items = make([]payoutclient.BatchItem, len(details.Items))
	for i, item := range details.Items {
		status := p.itemStatus[item.PayoutItem.SenderItemID]
		if status == "" {
			status = "PENDING"
		}
		item.TransactionStatus = status
		item.Errors = p.itemErrors[item.PayoutItem.SenderItemID]
		out.Items[i] = item
	}
	return &out, nil
}

func (p *fakeProvider) setStatus(token, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.itemStatus[token] = status
}

func (p *fakeProvider) setItemError(token, status, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.itemStatus[token] = status
	p.itemErrors[token] = &payoutclient.ItemError{Name: code, Message: code}
}

func (p *fakeProvider) submissionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submissions)
}

// capturePublisher records published events by routing key.
type capturePublisher struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{events: map[string][]interface{}{}}
}

func (c *capturePublisher) Publish(_ context.Context, _ string, routingKey string, body interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[routingKey] = append(c.events[routingKey], body)
	return nil
}

func (c *capturePublisher) Close() {}

func (c *capturePublisher) count(routingKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events[routingKey])
}

// testEnv is a Service wired to in-memory collaborators.
type testEnv struct {
	repo      *memRepo
	provider  *fakeProvider
	publisher *capturePublisher
	svc       *Service
	cycle     *domain.Cycle
}

func defaultSettings() PayoutSettings {
	return PayoutSettings{Currency: "USD", ChunkSize: 500, MaxAttempts: 3, ReconcileConcurrency: 2}
}

func newTestEnv(t *testing.T, settings PayoutSettings) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      newMemRepo(),
		provider:  newFakeProvider(),
		publisher: newCapturePublisher(),
	}
	env.svc = NewService(ServiceDeps{
		Repo:      env.repo,
		Provider:  env.provider,
		Publisher: env.publisher,
		Drawer:    NewSeededDrawer(42),
		Settings:  settings,
	})
	t.Cleanup(env.svc.Close)
	return env
}

// tenParticipantCycle is a $1,000 pool split 50/35/15 over ten active participants with
// distinct points, drawing half of each tier.
func (env *testEnv) tenParticipantCycle() *domain.Cycle {
	cycle := &domain.Cycle{
		ID:                          uuid.New(),
		Name:                        "October",
		RewardPool:                  100000,
		Currency:                    "USD",
		TierPoolSplit:               [3]float64{50, 35, 15},
		TierSelectionPercent:        [3]float64{50, 50, 50},
		WinnerPointDeductionPercent: 10,
	}
	var scores []domain.ParticipantScore
	for i := 0; i < 10; i++ {
		scores = append(scores, domain.ParticipantScore{
			UserID:   uuid.New(),
			Points:   int64(1000 - i*50),
			Email:    fmt.Sprintf("user%d@example.com", i),
			IsActive: true,
		})
	}
	env.repo.addCycle(cycle, scores)
	env.cycle = cycle
	return cycle
}

// sealedWinners runs, saves, and seals a selection and returns its winners.
func (env *testEnv) sealedWinners(t *testing.T, algorithm domain.SelectionAlgorithm) []domain.WinnerSelection {
	t.Helper()
	ctx := context.Background()
	if env.cycle == nil {
		env.tenParticipantCycle()
	}
	_, err := env.svc.RunSelection(ctx, env.cycle.ID, domain.RunSelectionRequest{Algorithm: algorithm})
	require.NoError(t, err)
	_, err = env.svc.SaveSelection(ctx, env.cycle.ID, "ops@transfa")
	require.NoError(t, err)
	_, err = env.svc.SealSelection(ctx, env.cycle.ID, "ops@transfa")
	require.NoError(t, err)
	_, winners, err := env.svc.ListWinners(ctx, env.cycle.ID)
	require.NoError(t, err)
	return winners
}

func winnerIDs(winners []domain.WinnerSelection) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(winners))
	for _, w := range winners {
		ids = append(ids, w.ID)
	}
	return ids
}
