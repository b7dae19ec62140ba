package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// MemoryTenantStore is an in-memory TenantStore.
type MemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant
}

func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]*models.Tenant)}
}

func (s *MemoryTenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	if tenant == nil || tenant.ID == "" {
		return fmt.Errorf("tenant is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[tenant.ID]; exists {
		return ErrAlreadyExists
	}
	s.tenants[tenant.ID] = tenant
	return nil
}

func (s *MemoryTenantStore) Get(ctx context.Context, id string) (*models.Tenant, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// MemorySubjectStore is an in-memory SubjectStore.
type MemorySubjectStore struct {
	mu       sync.RWMutex
	subjects map[string]*models.Subject
}

func NewMemorySubjectStore() *MemorySubjectStore {
	return &MemorySubjectStore{subjects: make(map[string]*models.Subject)}
}

func (s *MemorySubjectStore) key(tenantID, id string) string { return tenantID + "|" + id }

func (s *MemorySubjectStore) Create(ctx context.Context, subject *models.Subject) error {
	if subject == nil || subject.ID == "" || subject.TenantID == "" {
		return fmt.Errorf("subject is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(subject.TenantID, subject.ID)
	if _, exists := s.subjects[key]; exists {
		return ErrAlreadyExists
	}
	s.subjects[key] = subject
	return nil
}

func (s *MemorySubjectStore) GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error) {
	if tenantID == "" || subjectID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	subj, ok := s.subjects[s.key(tenantID, subjectID)]
	if !ok {
		return nil, ErrNotFound
	}
	return subj, nil
}

func (s *MemorySubjectStore) Update(ctx context.Context, subject *models.Subject) error {
	if subject == nil || subject.ID == "" {
		return fmt.Errorf("subject is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(subject.TenantID, subject.ID)
	if _, exists := s.subjects[key]; !exists {
		return ErrNotFound
	}
	s.subjects[key] = subject
	return nil
}

// FindByHandle scans the tenant's subjects for one whose handle on channel
// matches handle. Handles aren't indexed separately; this path exists for
// webhook resolution, not hot-loop lookups.
func (s *MemorySubjectStore) FindByHandle(ctx context.Context, tenantID string, channel models.ChannelType, handle string) (*models.Subject, bool, error) {
	if tenantID == "" || handle == "" {
		return nil, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, subj := range s.subjects {
		if subj.TenantID != tenantID {
			continue
		}
		if subj.Handles != nil && subj.Handles[channel] == handle {
			return subj, true, nil
		}
	}
	return nil, false, nil
}

// MemoryEventStore is an in-memory EventStore with a (tenant,
// fingerprint) unique index, mirroring the durable events table's
// constraint the dedupe checker relies on.
type MemoryEventStore struct {
	mu            sync.RWMutex
	events        map[string]*models.Event
	byFingerprint map[string]string
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:        make(map[string]*models.Event),
		byFingerprint: make(map[string]string),
	}
}

func (s *MemoryEventStore) Create(ctx context.Context, event *models.Event) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("event is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Fingerprint != "" {
		fpKey := event.TenantID + "|" + event.Fingerprint
		if _, exists := s.byFingerprint[fpKey]; exists {
			return ErrAlreadyExists
		}
		s.byFingerprint[fpKey] = event.ID
	}
	s.events[event.ID] = event
	return nil
}

func (s *MemoryEventStore) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error) {
	if fingerprint == "" {
		return nil, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFingerprint[tenantID+"|"+fingerprint]
	if !ok {
		return nil, false, nil
	}
	return s.events[id], true, nil
}

func (s *MemoryEventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

// MemorySubjectContextStore is an in-memory SubjectContextStore.
type MemorySubjectContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*models.SubjectContext
}

func NewMemorySubjectContextStore() *MemorySubjectContextStore {
	return &MemorySubjectContextStore{contexts: make(map[string]*models.SubjectContext)}
}

func (s *MemorySubjectContextStore) key(tenantID, subjectID string) string {
	return tenantID + "|" + subjectID
}

func (s *MemorySubjectContextStore) Get(ctx context.Context, tenantID, subjectID string) (*models.SubjectContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[s.key(tenantID, subjectID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemorySubjectContextStore) Upsert(ctx context.Context, ctxRow *models.SubjectContext) error {
	if ctxRow == nil || ctxRow.TenantID == "" || ctxRow.SubjectID == "" {
		return fmt.Errorf("subject context is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ctxRow
	s.contexts[s.key(ctxRow.TenantID, ctxRow.SubjectID)] = &cp
	return nil
}

// MemoryWorkflowStore is an in-memory WorkflowStore.
type MemoryWorkflowStore struct {
	mu       sync.RWMutex
	current  map[string]*models.Workflow
	versions map[string][]*models.WorkflowVersion
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		current:  make(map[string]*models.Workflow),
		versions: make(map[string][]*models.WorkflowVersion),
	}
}

func (s *MemoryWorkflowStore) Create(ctx context.Context, workflow *models.Workflow) error {
	if workflow == nil || workflow.ID == "" {
		return fmt.Errorf("workflow is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.current[workflow.ID]; exists {
		return ErrAlreadyExists
	}
	s.current[workflow.ID] = workflow
	return nil
}

func (s *MemoryWorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.current[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wf, nil
}

func (s *MemoryWorkflowStore) Update(ctx context.Context, workflow *models.Workflow, version *models.WorkflowVersion) error {
	if workflow == nil || workflow.ID == "" {
		return fmt.Errorf("workflow is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.current[workflow.ID]; !exists {
		return ErrNotFound
	}
	s.current[workflow.ID] = workflow
	if version != nil {
		s.versions[workflow.ID] = append(s.versions[workflow.ID], version)
	}
	return nil
}

func (s *MemoryWorkflowStore) ListVersions(ctx context.Context, workflowID string) ([]*models.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowVersion, len(s.versions[workflowID]))
	copy(out, s.versions[workflowID])
	return out, nil
}

// MemoryWorkflowExecutionStore is an in-memory WorkflowExecutionStore.
type MemoryWorkflowExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*models.WorkflowExecution
}

func NewMemoryWorkflowExecutionStore() *MemoryWorkflowExecutionStore {
	return &MemoryWorkflowExecutionStore{executions: make(map[string]*models.WorkflowExecution)}
}

func (s *MemoryWorkflowExecutionStore) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return ErrAlreadyExists
	}
	s.executions[execution.ID] = execution
	return nil
}

func (s *MemoryWorkflowExecutionStore) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryWorkflowExecutionStore) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; !exists {
		return ErrNotFound
	}
	s.executions[execution.ID] = execution
	return nil
}

func (s *MemoryWorkflowExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowExecution, 0)
	for _, e := range s.executions {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

// MemoryConversationThreadStore is an in-memory ConversationThreadStore.
type MemoryConversationThreadStore struct {
	mu      sync.RWMutex
	threads map[string]*models.ConversationThread
}

func NewMemoryConversationThreadStore() *MemoryConversationThreadStore {
	return &MemoryConversationThreadStore{threads: make(map[string]*models.ConversationThread)}
}

func (s *MemoryConversationThreadStore) Create(ctx context.Context, thread *models.ConversationThread) error {
	if thread == nil || thread.ID == "" {
		return fmt.Errorf("thread is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[thread.ID]; exists {
		return ErrAlreadyExists
	}
	s.threads[thread.ID] = thread
	return nil
}

func (s *MemoryConversationThreadStore) Get(ctx context.Context, id string) (*models.ConversationThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *MemoryConversationThreadStore) Update(ctx context.Context, thread *models.ConversationThread) error {
	if thread == nil || thread.ID == "" {
		return fmt.Errorf("thread is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[thread.ID]; !exists {
		return ErrNotFound
	}
	s.threads[thread.ID] = thread
	return nil
}

func (s *MemoryConversationThreadStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.ConversationThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ConversationThread, 0)
	for _, t := range s.threads {
		if !t.IsTerminal() && !t.UpdatedAt.After(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

// MemoryMissingToolRequestStore is an in-memory MissingToolRequestStore.
type MemoryMissingToolRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*models.MissingToolRequest
}

func NewMemoryMissingToolRequestStore() *MemoryMissingToolRequestStore {
	return &MemoryMissingToolRequestStore{requests: make(map[string]*models.MissingToolRequest)}
}

func (s *MemoryMissingToolRequestStore) Upsert(ctx context.Context, req *models.MissingToolRequest) error {
	if req == nil || req.TenantID == "" || req.ToolName == "" {
		return fmt.Errorf("missing tool request is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.TenantID+"|"+req.ToolName] = req
	return nil
}

func (s *MemoryMissingToolRequestStore) List(ctx context.Context, tenantID string) ([]*models.MissingToolRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MissingToolRequest, 0)
	for _, r := range s.requests {
		if tenantID == "" || r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

// MemoryPolicyRuleStore is an in-memory PolicyRuleStore.
type MemoryPolicyRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*models.PolicyRule
}

func NewMemoryPolicyRuleStore() *MemoryPolicyRuleStore {
	return &MemoryPolicyRuleStore{rules: make(map[string]*models.PolicyRule)}
}

func (s *MemoryPolicyRuleStore) key(tenantID, ruleKey string) string { return tenantID + "|" + ruleKey }

func (s *MemoryPolicyRuleStore) Get(ctx context.Context, tenantID, key string) (*models.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[s.key(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryPolicyRuleStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PolicyRule, 0)
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryPolicyRuleStore) Upsert(ctx context.Context, rule *models.PolicyRule) error {
	if rule == nil || rule.TenantID == "" || rule.Key == "" {
		return fmt.Errorf("policy rule is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[s.key(rule.TenantID, rule.Key)] = rule
	return nil
}

// MemoryActionStore is an in-memory ActionStore.
type MemoryActionStore struct {
	mu      sync.RWMutex
	actions map[string]*models.Action
}

func NewMemoryActionStore() *MemoryActionStore {
	return &MemoryActionStore{actions: make(map[string]*models.Action)}
}

func (s *MemoryActionStore) Create(ctx context.Context, action *models.Action) error {
	if action == nil || action.ID == "" {
		return fmt.Errorf("action is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[action.ID]; exists {
		return ErrAlreadyExists
	}
	s.actions[action.ID] = action
	return nil
}

func (s *MemoryActionStore) Update(ctx context.Context, action *models.Action) error {
	if action == nil || action.ID == "" {
		return fmt.Errorf("action is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[action.ID]; !exists {
		return ErrNotFound
	}
	s.actions[action.ID] = action
	return nil
}

func (s *MemoryActionStore) ListBySubject(ctx context.Context, tenantID, subjectID string) ([]*models.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Action, 0)
	for _, a := range s.actions {
		if a.TenantID == tenantID && a.SubjectID == subjectID {
			out = append(out, a)
		}
	}
	return out, nil
}

// NewMemoryStores constructs a StoreSet backed entirely by memory, for
// tests and single-process development runs.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Tenants:             NewMemoryTenantStore(),
		Subjects:            NewMemorySubjectStore(),
		Events:              NewMemoryEventStore(),
		SubjectContexts:     NewMemorySubjectContextStore(),
		Workflows:           NewMemoryWorkflowStore(),
		WorkflowExecutions:  NewMemoryWorkflowExecutionStore(),
		ConversationThreads: NewMemoryConversationThreadStore(),
		MissingToolRequests: NewMemoryMissingToolRequestStore(),
		PolicyRules:         NewMemoryPolicyRuleStore(),
		Actions:             NewMemoryActionStore(),
	}
}
