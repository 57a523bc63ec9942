package docpipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	types "github.com/yungbote/docforge-backend/internal/domain"
	"github.com/yungbote/docforge-backend/internal/pkg/dbctx"
	"github.com/yungbote/docforge-backend/internal/platform/logger"
)

// ---- fake repos ----------------------------------------------------------------------------

type fakeDocumentRepo struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]*types.Document
	statuses map[uuid.UUID]map[string]string
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{
		docs:     map[uuid.UUID]*types.Document{},
		statuses: map[uuid.UUID]map[string]string{},
	}
}

func (r *fakeDocumentRepo) Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *fakeDocumentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (r *fakeDocumentRepo) UpdateStageStatus(dbc dbctx.Context, id uuid.UUID, stageName, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.statuses[id]
	if m == nil {
		m = map[string]string{}
		r.statuses[id] = m
	}
	m[stageName] = status
	return nil
}

func (r *fakeDocumentRepo) GetStageStatuses(dbc dbctx.Context, id uuid.UUID) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return nil, nil
	}
	out := map[string]string{}
	for k, v := range r.statuses[id] {
		out[k] = v
	}
	return out, nil
}

func (r *fakeDocumentRepo) ListStaleInProgress(dbc dbctx.Context, olderThan time.Duration) ([]*types.Document, error) {
	return nil, nil
}

type fakeMarkerRepo struct {
	mu      sync.Mutex
	markers map[string]*types.CompletionMarker
}

func newFakeMarkerRepo() *fakeMarkerRepo {
	return &fakeMarkerRepo{markers: map[string]*types.CompletionMarker{}}
}

func markerKey(documentID uuid.UUID, stageName string) string {
	return documentID.String() + "|" + stageName
}

func (r *fakeMarkerRepo) Get(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markers[markerKey(documentID, stageName)]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

func (r *fakeMarkerRepo) Upsert(dbc dbctx.Context, marker *types.CompletionMarker) (*types.CompletionMarker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if marker.ID == uuid.Nil {
		marker.ID = uuid.New()
	}
	copied := *marker
	r.markers[markerKey(marker.DocumentID, marker.StageName)] = &copied
	return marker, nil
}

func (r *fakeMarkerRepo) Delete(dbc dbctx.Context, documentID uuid.UUID, stageName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, markerKey(documentID, stageName))
	return nil
}

func (r *fakeMarkerRepo) ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.CompletionMarker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.CompletionMarker
	for _, m := range r.markers {
		if m.DocumentID == documentID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeMarkerRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}

type fakeErrorRepo struct {
	mu   sync.Mutex
	rows []*types.PipelineError
}

func newFakeErrorRepo() *fakeErrorRepo { return &fakeErrorRepo{} }

func (r *fakeErrorRepo) Create(dbc dbctx.Context, perr *types.PipelineError) (*types.PipelineError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perr.ID == uuid.Nil {
		perr.ID = uuid.New()
	}
	perr.CreatedAt = time.Now()
	copied := *perr
	r.rows = append(r.rows, &copied)
	return perr, nil
}

func (r *fakeErrorRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PipelineError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeErrorRepo) GetOpenByDocumentStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.PipelineError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.rows) - 1; i >= 0; i-- {
		row := r.rows[i]
		if row.DocumentID == documentID && row.StageName == stageName &&
			(row.Status == "pending" || row.Status == "retrying") {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeErrorRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID != id {
			continue
		}
		for k, v := range updates {
			switch k {
			case "status":
				row.Status = v.(string)
			case "retry_count":
				row.RetryCount = v.(int)
			case "error_type":
				row.ErrorType = v.(string)
			case "error_message":
				row.ErrorMessage = v.(string)
			case "correlation_id":
				row.CorrelationID = v.(string)
			case "resolution_notes":
				row.ResolutionNotes = v.(string)
			case "retry_workflow_id":
				row.RetryWorkflowID = v.(string)
			case "next_retry_at":
				at := v.(time.Time)
				row.NextRetryAt = &at
			}
		}
		return nil
	}
	return fmt.Errorf("fake error repo: row %s not found", id)
}

func (r *fakeErrorRepo) ListDueForRetry(dbc dbctx.Context, before time.Time, limit int) ([]*types.PipelineError, error) {
	return nil, nil
}

func (r *fakeErrorRepo) ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.PipelineError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.PipelineError
	for _, row := range r.rows {
		if row.DocumentID == documentID {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeErrorRepo) DeleteOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeErrorRepo) all() []*types.PipelineError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.PipelineError, 0, len(r.rows))
	for _, row := range r.rows {
		copied := *row
		out = append(out, &copied)
	}
	return out
}

type fakePolicyRepo struct {
	rows []*types.RetryPolicyRow
}

func (r *fakePolicyRepo) Resolve(dbc dbctx.Context, serviceName, stageName string) (*types.RetryPolicyRow, error) {
	return nil, nil
}

func (r *fakePolicyRepo) ListAll(dbc dbctx.Context) ([]*types.RetryPolicyRow, error) {
	return r.rows, nil
}

// ---- fake collaborators --------------------------------------------------------------------

type queuedAlert struct {
	AlertType string
	Severity  string
	Title     string
}

type fakeAlerts struct {
	mu    sync.Mutex
	items []queuedAlert
}

func (a *fakeAlerts) Queue(ctx context.Context, alertType, severity, title, message string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, queuedAlert{AlertType: alertType, Severity: severity, Title: title})
	return nil
}

func (a *fakeAlerts) byType(alertType string) []queuedAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []queuedAlert
	for _, item := range a.items {
		if item.AlertType == alertType {
			out = append(out, item)
		}
	}
	return out
}

type fakeLocks struct {
	mu       sync.Mutex
	denied   map[string]bool
	acquired int
	released int
}

func newFakeLocks() *fakeLocks { return &fakeLocks{denied: map[string]bool{}} }

func (l *fakeLocks) deny(documentID uuid.UUID, stageName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.denied[markerKey(documentID, stageName)] = true
}

func (l *fakeLocks) TryAcquire(ctx context.Context, documentID uuid.UUID, stageName string) (*LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied[markerKey(documentID, stageName)] {
		return nil, nil
	}
	l.acquired++
	return &LockHandle{}, nil
}

func (l *fakeLocks) Release(ctx context.Context, handle *LockHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if handle != nil {
		l.released++
	}
	return nil
}

func (l *fakeLocks) balanced() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired == l.released
}

type scheduledRetry struct {
	ErrorID    uuid.UUID
	DocumentID uuid.UUID
	StageName  string
	RunAt      time.Time
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduledRetry
}

func (s *fakeScheduler) ScheduleRetry(ctx context.Context, errorID, documentID uuid.UUID, stageName string, runAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduledRetry{ErrorID: errorID, DocumentID: documentID, StageName: stageName, RunAt: runAt})
	return fmt.Sprintf("wf-%d", len(s.calls)), nil
}

func (s *fakeScheduler) CancelScheduledRetry(ctx context.Context, handle string) error { return nil }

type recordingPerf struct {
	mu      sync.Mutex
	records []string
}

func (p *recordingPerf) Record(correlationID, stageName string, durationMs int64, metadata map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, correlationID)
}

func (p *recordingPerf) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// ---- environment ---------------------------------------------------------------------------

// testEnv wires a full orchestrator over in-memory fakes. sqlite only carries the transaction
// plumbing inside SetMarker; every row lives in the fakes.
type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	docs     *fakeDocumentRepo
	markers  *fakeMarkerRepo
	errors   *fakeErrorRepo
	alerts   *fakeAlerts
	locks    *fakeLocks
	sched    *fakeScheduler
	perf     *recordingPerf
	registry *Registry
	orch     *Orchestrator

	mu         sync.Mutex
	executions map[string]int
	stageInput map[string]string
	stageErr   map[string]func() error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	baseLog, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	env := &testEnv{
		t:          t,
		db:         gdb,
		docs:       newFakeDocumentRepo(),
		markers:    newFakeMarkerRepo(),
		errors:     newFakeErrorRepo(),
		alerts:     &fakeAlerts{},
		locks:      newFakeLocks(),
		sched:      &fakeScheduler{},
		perf:       &recordingPerf{},
		registry:   NewRegistry(),
		executions: map[string]int{},
		stageInput: map[string]string{},
		stageErr:   map[string]func() error{},
	}

	// Fast retry policies per stage so transient-failure tests don't sleep for real.
	policyRows := make([]*types.RetryPolicyRow, 0, len(StageNames))
	for _, name := range StageNames {
		policyRows = append(policyRows, &types.RetryPolicyRow{
			ServiceName:       name,
			MaxRetries:        3,
			InitialDelayMs:    5,
			MaxDelayMs:        100,
			BackoffMultiplier: 2,
			TimeoutMs:         200,
		})
	}
	policies := NewPolicyCache(gdb, &fakePolicyRepo{rows: policyRows}, baseLog)
	if err := policies.Refresh(context.Background()); err != nil {
		t.Fatalf("seed policies: %v", err)
	}

	for _, name := range StageNames {
		name := name
		env.registry.Register(&fakeStage{
			name:    name,
			version: 1,
			input: func(pctx *ProcessingContext) (CanonicalInput, error) {
				fields := map[string]any{}
				env.mu.Lock()
				if s, ok := env.stageInput[name]; ok {
					fields["input"] = s
				}
				env.mu.Unlock()
				if ph, ok := pctx.InputData["prerequisite_hashes"]; ok {
					fields["prerequisite_hashes"] = ph
				}
				return CanonicalInput{SchemaVersion: 1, DocumentID: pctx.DocumentID, Fields: fields}, nil
			},
			execute: func(ctx context.Context, pctx *ProcessingContext) (map[string]any, error) {
				env.mu.Lock()
				env.executions[name]++
				failer := env.stageErr[name]
				env.mu.Unlock()
				if failer != nil {
					if err := failer(); err != nil {
						return nil, err
					}
				}
				return map[string]any{"stage": name}, nil
			},
		})
	}

	idem := NewIdempotencyChecker(gdb, env.markers, env.docs)
	retry := NewRetryOrchestrator(gdb, env.errors, env.alerts, policies, env.sched, nil)
	runner := NewStageRunner(gdb, env.locks, idem, retry, env.perf, env.docs, baseLog)
	env.orch = NewOrchestrator(gdb, env.registry, runner, idem, env.docs, env.markers, env.errors, env.sched, baseLog)
	return env
}

func (env *testEnv) newDocument() uuid.UUID {
	id := uuid.New()
	env.docs.docs[id] = &types.Document{ID: id, SourceBucket: "ingest", SourceKey: "incoming/doc.pdf"}
	return id
}

func (env *testEnv) executionCount(stageName string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.executions[stageName]
}

func (env *testEnv) totalExecutions() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	total := 0
	for _, n := range env.executions {
		total += n
	}
	return total
}

func (env *testEnv) setStageInput(stageName, value string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.stageInput[stageName] = value
}

func (env *testEnv) failStageWith(stageName string, failer func() error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.stageErr[stageName] = failer
}

// failNTimes returns a failer that yields err for the first n calls, then succeeds.
func failNTimes(n int, err error) func() error {
	var mu sync.Mutex
	remaining := n
	return func() error {
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			return err
		}
		return nil
	}
}
