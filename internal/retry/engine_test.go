package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pesabridge/backend/internal/events"
	"github.com/pesabridge/backend/internal/models"
	"github.com/pesabridge/backend/internal/mpesa"
	"github.com/pesabridge/backend/internal/transfer"
	"go.uber.org/zap"
)

type stubStore struct {
	candidates    map[string][]models.EscrowRecord
	candidatesErr error

	claims      []string
	denyClaims  bool
	transferred map[string]string
	accepted    map[string]string
	failed      []string
	exhausted   []string
}

func newStubStore() *stubStore {
	return &stubStore{
		candidates:  map[string][]models.EscrowRecord{},
		transferred: map[string]string{},
		accepted:    map[string]string{},
	}
}

func (s *stubStore) FindRetryCandidates(_ context.Context, direction, _ string, _ time.Duration, _ int) ([]models.EscrowRecord, error) {
	if s.candidatesErr != nil {
		return nil, s.candidatesErr
	}
	return s.candidates[direction], nil
}

func (s *stubStore) ClaimRetry(_ context.Context, transactionID string, _ int) (bool, error) {
	if s.denyClaims {
		return false, nil
	}
	s.claims = append(s.claims, transactionID)
	return true, nil
}

func (s *stubStore) SetTransferHash(_ context.Context, transactionID, hash string) (bool, error) {
	if _, ok := s.transferred[transactionID]; ok {
		return false, nil
	}
	s.transferred[transactionID] = hash
	return true, nil
}

func (s *stubStore) RecordGatewayAccept(_ context.Context, transactionID, ref string) (bool, error) {
	s.accepted[transactionID] = ref
	return true, nil
}

func (s *stubStore) MarkFailed(_ context.Context, transactionID string) error {
	s.failed = append(s.failed, transactionID)
	return nil
}

func (s *stubStore) MarkExhausted(_ context.Context, transactionID string) error {
	s.exhausted = append(s.exhausted, transactionID)
	return nil
}

type stubUsers struct {
	users map[uuid.UUID]*models.User
}

func (s *stubUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

type gatewayResponse struct {
	res *mpesa.Result
	err error
}

type stubGateway struct {
	calls []string // phone numbers handed to the gateway
	queue []gatewayResponse
}

func (g *stubGateway) next() (*mpesa.Result, error) {
	if len(g.queue) == 0 {
		return &mpesa.Result{Accepted: true, ProviderReference: "REF-DEFAULT"}, nil
	}
	r := g.queue[0]
	g.queue = g.queue[1:]
	return r.res, r.err
}

func (g *stubGateway) InitiateDeposit(_ context.Context, phone, _, _ string) (*mpesa.Result, error) {
	g.calls = append(g.calls, phone)
	return g.next()
}

func (g *stubGateway) InitiateWithdrawal(_ context.Context, phone, _, _ string) (*mpesa.Result, error) {
	g.calls = append(g.calls, phone)
	return g.next()
}

type stubTransferrer struct {
	calls int
	hash  string
	err   error
}

func (t *stubTransferrer) Transfer(_ context.Context, _ transfer.Request) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return t.hash, nil
}

type stubPublisher struct {
	published []events.Event
}

func (p *stubPublisher) Publish(_ context.Context, _ string, event events.Event) error {
	p.published = append(p.published, event)
	return nil
}

type stubAuditor struct {
	entries []models.AuditLog
}

func (a *stubAuditor) Log(_ context.Context, entry models.AuditLog) error {
	a.entries = append(a.entries, entry)
	return nil
}

var testUserID = uuid.New()

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		AgeWindow:       time.Hour,
		GatewayAttempts: 1,
		BackoffBase:     time.Millisecond,
		CountryCode:     "254",
		PlatformWallet:  "0xPLATFORM",
		DefaultChain:    "polygon",
		DefaultToken:    "USDC",
	}
}

func testUser() *models.User {
	addr := "0xUSERWALLET"
	return &models.User{ID: testUserID, PhoneNumber: "0712345678", WalletAddress: &addr}
}

func makeRecord(direction string, retryCount int) models.EscrowRecord {
	return models.EscrowRecord{
		ID:            uuid.New(),
		TransactionID: uuid.NewString(),
		UserID:        testUserID,
		Direction:     direction,
		FiatAmount:    "1000",
		CryptoAmount:  "7.5",
		Status:        models.EscrowStatusFailed,
		RetryCount:    retryCount,
		CreatedAt:     time.Now(),
	}
}

func newTestEngine(store *stubStore, users *stubUsers, gw *stubGateway, tr *stubTransferrer, cfg Config) (*Engine, *stubPublisher, *stubAuditor) {
	pub := &stubPublisher{}
	aud := &stubAuditor{}
	eng := NewEngine(store, users, gw, tr, aud, pub, cfg, zap.NewNop())
	return eng, pub, aud
}

func TestRetryDepositAccepted(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionFiatToCrypto, 0)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{rec}

	gw := &stubGateway{queue: []gatewayResponse{
		{res: &mpesa.Result{Accepted: true, ProviderReference: "CHK123"}},
	}}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, pub, aud := newTestEngine(store, users, gw, &stubTransferrer{}, testConfig())

	count := eng.RetryFailedDeposits(context.Background())

	if count != 1 {
		t.Fatalf("expected 1 re-initiation, got %d", count)
	}
	if len(store.claims) != 1 || store.claims[0] != rec.TransactionID {
		t.Errorf("expected exactly one retry claim for %s, got %v", rec.TransactionID, store.claims)
	}
	if ref := store.accepted[rec.TransactionID]; ref != "CHK123" {
		t.Errorf("gateway reference = %q, want CHK123", ref)
	}
	if len(gw.calls) != 1 || gw.calls[0] != "254712345678" {
		t.Errorf("gateway called with %v, want normalized phone", gw.calls)
	}
	if len(pub.published) == 0 || pub.published[0].Type != events.EventTransactionStatusChanged {
		t.Errorf("expected a status-changed event, got %v", pub.published)
	}
	if len(aud.entries) != 1 || aud.entries[0].Action != "retry_reinitiated" {
		t.Errorf("expected a retry_reinitiated audit entry, got %v", aud.entries)
	}
}

func TestRetryDepositRejected(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionFiatToCrypto, 0)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{rec}

	gw := &stubGateway{queue: []gatewayResponse{
		{res: &mpesa.Result{Accepted: false, ErrorMessage: "insufficient limit"}},
	}}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, _, _ := newTestEngine(store, users, gw, &stubTransferrer{}, testConfig())

	count := eng.RetryFailedDeposits(context.Background())

	if count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	// Budget is spent exactly once whether or not the gateway accepts.
	if len(store.claims) != 1 {
		t.Errorf("expected exactly one retry claim, got %v", store.claims)
	}
	if _, ok := store.accepted[rec.TransactionID]; ok {
		t.Error("rejected attempt must not record a gateway reference")
	}
	if len(store.failed) != 1 || store.failed[0] != rec.TransactionID {
		t.Errorf("expected record marked failed, got %v", store.failed)
	}
}

func TestRetryWithdrawalTransferLegFails(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionCryptoToFiat, 0)
	store.candidates[models.DirectionCryptoToFiat] = []models.EscrowRecord{rec}

	gw := &stubGateway{}
	tr := &stubTransferrer{err: &transfer.TransferError{Status: 500, Message: "signing failed"}}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, _, _ := newTestEngine(store, users, gw, tr, testConfig())

	count := eng.RetryFailedWithdrawals(context.Background())

	if count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	if len(store.claims) != 1 {
		t.Errorf("retry count must be incremented before the transfer attempt, claims = %v", store.claims)
	}
	if len(gw.calls) != 0 {
		t.Error("gateway must not be invoked when the crypto leg fails")
	}
	if len(store.failed) != 0 && len(store.exhausted) != 0 {
		t.Error("status must be left as-is when the crypto leg fails")
	}
}

func TestRetryWithdrawalSkipsCompletedTransferLeg(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionCryptoToFiat, 1)
	hash := "0xDEADBEEF"
	rec.TransferHash = &hash
	store.candidates[models.DirectionCryptoToFiat] = []models.EscrowRecord{rec}

	gw := &stubGateway{queue: []gatewayResponse{
		{res: &mpesa.Result{Accepted: true, ProviderReference: "AG_987"}},
	}}
	tr := &stubTransferrer{hash: "0xSHOULDNOTHAPPEN"}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, _, _ := newTestEngine(store, users, gw, tr, testConfig())

	count := eng.RetryFailedWithdrawals(context.Background())

	if count != 1 {
		t.Fatalf("expected 1 re-initiation, got %d", count)
	}
	if tr.calls != 0 {
		t.Error("value transfer must never be re-attempted once transfer_hash is set")
	}
	if len(gw.calls) != 1 {
		t.Errorf("expected one gateway call, got %d", len(gw.calls))
	}
}

func TestRetryWithdrawalCompletesCryptoLegFirst(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionCryptoToFiat, 0)
	store.candidates[models.DirectionCryptoToFiat] = []models.EscrowRecord{rec}

	gw := &stubGateway{queue: []gatewayResponse{
		{res: &mpesa.Result{Accepted: true, ProviderReference: "AG_123"}},
	}}
	tr := &stubTransferrer{hash: "0xABC123"}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, _, _ := newTestEngine(store, users, gw, tr, testConfig())

	count := eng.RetryFailedWithdrawals(context.Background())

	if count != 1 {
		t.Fatalf("expected 1 re-initiation, got %d", count)
	}
	if tr.calls != 1 {
		t.Errorf("expected one transfer attempt, got %d", tr.calls)
	}
	if store.transferred[rec.TransactionID] != "0xABC123" {
		t.Errorf("transfer hash not persisted, got %v", store.transferred)
	}
	if store.accepted[rec.TransactionID] != "AG_123" {
		t.Errorf("gateway acceptance not persisted, got %v", store.accepted)
	}
}

func TestBatchIsolation(t *testing.T) {
	store := newStubStore()
	recA := makeRecord(models.DirectionFiatToCrypto, 0)
	recB := makeRecord(models.DirectionFiatToCrypto, 0)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{recA, recB}

	gw := &stubGateway{queue: []gatewayResponse{
		{err: errors.New("connection reset")},
		{res: &mpesa.Result{Accepted: true, ProviderReference: "CHK_B"}},
	}}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, _, _ := newTestEngine(store, users, gw, &stubTransferrer{}, testConfig())

	count := eng.RetryFailedDeposits(context.Background())

	if count != 1 {
		t.Fatalf("candidate B should still succeed after A failed, got %d", count)
	}
	if store.accepted[recB.TransactionID] != "CHK_B" {
		t.Errorf("candidate B acceptance not persisted, got %v", store.accepted)
	}
	if len(store.claims) != 2 {
		t.Errorf("both candidates should be attempted, claims = %v", store.claims)
	}
}

func TestMissingUserSkipsWithoutIncrement(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionFiatToCrypto, 0)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{rec}

	gw := &stubGateway{}
	eng, _, _ := newTestEngine(store, &stubUsers{users: map[uuid.UUID]*models.User{}}, gw, &stubTransferrer{}, testConfig())

	count := eng.RetryFailedDeposits(context.Background())

	if count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	if len(store.claims) != 0 {
		t.Error("data-integrity skip must not spend the retry budget")
	}
	if len(gw.calls) != 0 {
		t.Error("gateway must not be invoked for an unresolvable user")
	}
}

func TestMalformedPhoneSkipsWithoutIncrement(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionFiatToCrypto, 0)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{rec}

	user := testUser()
	user.PhoneNumber = "not-a-phone"
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: user}}
	eng, _, _ := newTestEngine(store, users, &stubGateway{}, &stubTransferrer{}, testConfig())

	if count := eng.RetryFailedDeposits(context.Background()); count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	if len(store.claims) != 0 {
		t.Error("malformed phone must not spend the retry budget")
	}
}

func TestWithdrawalWithoutWalletSkipsWithoutIncrement(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionCryptoToFiat, 0)
	store.candidates[models.DirectionCryptoToFiat] = []models.EscrowRecord{rec}

	user := testUser()
	user.WalletAddress = nil
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: user}}
	eng, _, _ := newTestEngine(store, users, &stubGateway{}, &stubTransferrer{}, testConfig())

	if count := eng.RetryFailedWithdrawals(context.Background()); count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	if len(store.claims) != 0 {
		t.Error("missing wallet must not spend the retry budget")
	}
}

func TestExhaustionTransition(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionFiatToCrypto, 2) // third attempt is the last
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{rec}

	gw := &stubGateway{queue: []gatewayResponse{
		{res: &mpesa.Result{Accepted: false, ErrorMessage: "declined"}},
	}}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, pub, aud := newTestEngine(store, users, gw, &stubTransferrer{}, testConfig())

	if count := eng.RetryFailedDeposits(context.Background()); count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	if len(store.exhausted) != 1 || store.exhausted[0] != rec.TransactionID {
		t.Fatalf("expected record marked exhausted, got %v", store.exhausted)
	}
	if len(store.failed) != 0 {
		t.Errorf("exhausted record must not also be marked failed, got %v", store.failed)
	}

	foundEvent := false
	for _, ev := range pub.published {
		if ev.Type == events.EventTransactionExhausted {
			foundEvent = true
		}
	}
	if !foundEvent {
		t.Error("expected a transaction_exhausted event")
	}
	if len(aud.entries) != 1 || aud.entries[0].Action != "retry_budget_exhausted" {
		t.Errorf("expected an exhaustion audit entry, got %v", aud.entries)
	}
}

func TestLostClaimSkipsCandidate(t *testing.T) {
	store := newStubStore()
	store.denyClaims = true
	rec := makeRecord(models.DirectionFiatToCrypto, 0)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{rec}

	gw := &stubGateway{}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, _, _ := newTestEngine(store, users, gw, &stubTransferrer{}, testConfig())

	if count := eng.RetryFailedDeposits(context.Background()); count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	if len(gw.calls) != 0 {
		t.Error("gateway must not be invoked when the retry claim is lost")
	}
}

func TestIneligibleCandidatesSkipped(t *testing.T) {
	store := newStubStore()
	spent := makeRecord(models.DirectionFiatToCrypto, 3)
	stale := makeRecord(models.DirectionFiatToCrypto, 0)
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{spent, stale}

	gw := &stubGateway{}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, _, _ := newTestEngine(store, users, gw, &stubTransferrer{}, testConfig())

	if count := eng.RetryFailedDeposits(context.Background()); count != 0 {
		t.Fatalf("expected 0 re-initiations, got %d", count)
	}
	if len(store.claims) != 0 || len(gw.calls) != 0 {
		t.Error("spent-budget and stale records must not be attempted")
	}
}

func TestTransientGatewayErrorRetriedWithinCall(t *testing.T) {
	store := newStubStore()
	rec := makeRecord(models.DirectionFiatToCrypto, 0)
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{rec}

	gw := &stubGateway{queue: []gatewayResponse{
		{err: errors.New("timeout")},
		{res: &mpesa.Result{Accepted: true, ProviderReference: "CHK_OK"}},
	}}
	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}

	cfg := testConfig()
	cfg.GatewayAttempts = 2
	eng, _, _ := newTestEngine(store, users, gw, &stubTransferrer{}, cfg)

	if count := eng.RetryFailedDeposits(context.Background()); count != 1 {
		t.Fatalf("expected the transient error to be absorbed, got %d successes", count)
	}
	if len(gw.calls) != 2 {
		t.Errorf("expected 2 intra-call attempts, got %d", len(gw.calls))
	}
	if len(store.claims) != 1 {
		t.Errorf("intra-call retries must spend only one budget unit, claims = %v", store.claims)
	}
}

func TestRetryAllSurvivesScanFailure(t *testing.T) {
	store := newStubStore()
	store.candidatesErr = errors.New("connection refused")

	users := &stubUsers{users: map[uuid.UUID]*models.User{}}
	eng, _, _ := newTestEngine(store, users, &stubGateway{}, &stubTransferrer{}, testConfig())

	stats := eng.RetryAllFailedTransactions(context.Background())
	if stats.DepositsReinitiated != 0 || stats.WithdrawalsReinitiated != 0 {
		t.Errorf("expected zero stats on scan failure, got %+v", stats)
	}
}

func TestRetryAllRunsBothDirections(t *testing.T) {
	store := newStubStore()
	dep := makeRecord(models.DirectionFiatToCrypto, 0)
	wd := makeRecord(models.DirectionCryptoToFiat, 0)
	hash := "0xFEED"
	wd.TransferHash = &hash
	store.candidates[models.DirectionFiatToCrypto] = []models.EscrowRecord{dep}
	store.candidates[models.DirectionCryptoToFiat] = []models.EscrowRecord{wd}

	users := &stubUsers{users: map[uuid.UUID]*models.User{testUserID: testUser()}}
	eng, pub, _ := newTestEngine(store, users, &stubGateway{}, &stubTransferrer{}, testConfig())

	stats := eng.RetryAllFailedTransactions(context.Background())
	if stats.DepositsReinitiated != 1 || stats.WithdrawalsReinitiated != 1 {
		t.Fatalf("expected one success per direction, got %+v", stats)
	}

	foundCycle := false
	for _, ev := range pub.published {
		if ev.Type == events.EventRetryCycleCompleted {
			foundCycle = true
		}
	}
	if !foundCycle {
		t.Error("expected a retry_cycle_completed event")
	}
}
