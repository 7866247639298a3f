// Package memory provides in-process store implementations. They back dev
// mode when no database URL is configured, and double as test fixtures.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// OperationalStore is the in-memory operational database.
type OperationalStore struct {
	mu         sync.Mutex
	executions map[string]*models.JobExecution
	execLog    []*models.ExecutionLogEntry
	retries    map[string]*models.RetryQueueEntry
	heartbeats map[string]*models.SchedulerHeartbeat

	trades     []*models.Trade
	positions  map[string]*models.Position
	rates      map[string]*models.ExchangeRate
	dividends  map[string]*models.Dividend
	bars       map[string]*models.BenchmarkBar
	metrics    map[string]*models.PerformanceMetric
	insiders   map[string]*models.InsiderTrade
	congress   map[string]*models.CongressTrade
}

var _ interfaces.OperationalStore = (*OperationalStore)(nil)

// NewOperationalStore creates an empty store.
func NewOperationalStore() *OperationalStore {
	return &OperationalStore{
		executions: make(map[string]*models.JobExecution),
		retries:    make(map[string]*models.RetryQueueEntry),
		heartbeats: make(map[string]*models.SchedulerHeartbeat),
		positions:  make(map[string]*models.Position),
		rates:      make(map[string]*models.ExchangeRate),
		dividends:  make(map[string]*models.Dividend),
		bars:       make(map[string]*models.BenchmarkBar),
		metrics:    make(map[string]*models.PerformanceMetric),
		insiders:   make(map[string]*models.InsiderTrade),
		congress:   make(map[string]*models.CongressTrade),
	}
}

func (s *OperationalStore) Ping(ctx context.Context) error { return nil }
func (s *OperationalStore) Close() error                   { return nil }

// --- job executions ---

func (s *OperationalStore) MarkStarted(ctx context.Context, exec *models.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only a live running row blocks; terminal rows never do, so completed
	// work can be re-run out of band.
	for _, e := range s.executions {
		if e.JobName == exec.JobName && e.TargetDate == exec.TargetDate &&
			e.EntityID == exec.EntityID && e.Status == models.ExecStatusRunning {
			return interfaces.ErrDuplicateRun
		}
	}

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	exec.Status = models.ExecStatusRunning
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *OperationalStore) MarkCompleted(ctx context.Context, id, status, message string, tickers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok || e.Status != models.ExecStatusRunning {
		return interfaces.ErrNotFound
	}
	e.Status = status
	e.Message = message
	e.CompletedAt = time.Now().UTC()
	e.DurationMS = e.CompletedAt.Sub(e.StartedAt).Milliseconds()
	e.TickersProcessed = tickers
	return nil
}

func (s *OperationalStore) GetExecution(ctx context.Context, id string) (*models.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *OperationalStore) LastCompleted(ctx context.Context, jobName string) (*models.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.JobExecution
	for _, e := range s.executions {
		if e.JobName != jobName || e.Status != models.ExecStatusCompleted {
			continue
		}
		if latest == nil || e.CompletedAt.After(latest.CompletedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *OperationalStore) ListExecutions(ctx context.Context, jobName, status string, limit int) ([]*models.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.JobExecution
	for _, e := range s.executions {
		if (jobName == "" || e.JobName == jobName) && (status == "" || e.Status == status) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OperationalStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]*models.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.JobExecution
	for _, e := range s.executions {
		if e.Status == models.ExecStatusRunning && e.StartedAt.Before(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *OperationalStore) MissingCompletions(ctx context.Context, jobNames []string, targetDate string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := make(map[string]bool)
	for _, e := range s.executions {
		if e.TargetDate == targetDate && e.Status == models.ExecStatusCompleted {
			completed[e.JobName] = true
		}
	}
	var out []string
	for _, name := range jobNames {
		if !completed[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *OperationalStore) LogExecution(ctx context.Context, entry *models.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	cp := *entry
	s.execLog = append(s.execLog, &cp)
	return nil
}

func (s *OperationalStore) ListExecutionLog(ctx context.Context, jobName string, limit int) ([]*models.ExecutionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.ExecutionLogEntry
	for _, e := range s.execLog {
		if jobName == "" || e.JobName == jobName {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoggedAt.After(out[j].LoggedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- retry queue ---

func retryKey(e *models.RetryQueueEntry) string {
	return strings.Join([]string{e.JobName, e.TargetDate, e.EntityID, e.EntityType}, "|")
}

func (s *OperationalStore) Enqueue(ctx context.Context, entry *models.RetryQueueEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := retryKey(entry)
	for _, e := range s.retries {
		if retryKey(e) == key &&
			(e.Status == models.RetryStatusPending || e.Status == models.RetryStatusRetrying) {
			return false, nil
		}
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.MaxRetries == 0 {
		entry.MaxRetries = models.DefaultMaxRetries
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Status = models.RetryStatusPending
	cp := *entry
	s.retries[entry.ID] = &cp
	return true, nil
}

func (s *OperationalStore) LeasePending(ctx context.Context, limit int) ([]*models.RetryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}

	var pending []*models.RetryQueueEntry
	for _, e := range s.retries {
		if e.Status == models.RetryStatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*models.RetryQueueEntry, 0, len(pending))
	for _, e := range pending {
		e.Status = models.RetryStatusRetrying
		e.RetryCount++
		e.LastAttemptAt = time.Now().UTC()
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *OperationalStore) Resolve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.retries[id]; ok {
		e.Status = models.RetryStatusResolved
	}
	return nil
}

func (s *OperationalStore) Fail(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.retries[id]
	if !ok {
		return nil
	}
	e.ErrorMessage = errMsg
	if e.RetryCount >= e.MaxRetries {
		e.Status = models.RetryStatusAbandoned
	} else {
		e.Status = models.RetryStatusPending
	}
	return nil
}

func (s *OperationalStore) Abandon(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.retries[id]; ok {
		e.Status = models.RetryStatusAbandoned
		e.ErrorMessage = reason
	}
	return nil
}

func (s *OperationalStore) ListEntries(ctx context.Context, status string, limit int) ([]*models.RetryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.RetryQueueEntry
	for _, e := range s.retries {
		if status == "" || e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OperationalStore) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.retries {
		if e.Status == models.RetryStatusPending {
			n++
		}
	}
	return n, nil
}

func (s *OperationalStore) ReleaseStuckRetrying(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.retries {
		if e.Status == models.RetryStatusRetrying && e.LastAttemptAt.Before(cutoff) {
			e.Status = models.RetryStatusPending
			n++
		}
	}
	return n, nil
}

// --- heartbeats ---

func (s *OperationalStore) UpsertHeartbeat(ctx context.Context, hb *models.SchedulerHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *hb
	s.heartbeats[hb.ProcessID] = &cp
	return nil
}

func (s *OperationalStore) GetHeartbeat(ctx context.Context, processID string) (*models.SchedulerHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb, ok := s.heartbeats[processID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *hb
	return &cp, nil
}

func (s *OperationalStore) LatestHeartbeat(ctx context.Context) (*models.SchedulerHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.SchedulerHeartbeat
	for _, hb := range s.heartbeats {
		if latest == nil || hb.LastHeartbeatAt.After(latest.LastHeartbeatAt) {
			latest = hb
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// --- portfolio ---

func (s *OperationalStore) ListTrades(ctx context.Context) ([]*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// AddTrade seeds a trade row. Test and dev-mode helper.
func (s *OperationalStore) AddTrade(t *models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	cp := *t
	s.trades = append(s.trades, &cp)
}

func (s *OperationalStore) ListPositions(ctx context.Context, date string) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if date == "" {
		for _, p := range s.positions {
			if p.Date > date {
				date = p.Date
			}
		}
	}
	var out []*models.Position
	for _, p := range s.positions {
		if p.Date == date {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fund != out[j].Fund {
			return out[i].Fund < out[j].Fund
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out, nil
}

func (s *OperationalStore) CountPositions(ctx context.Context, fund, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.positions {
		if p.Fund == fund && p.Date == date {
			n++
		}
	}
	return n, nil
}

func (s *OperationalStore) SavePosition(ctx context.Context, pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pos
	s.positions[strings.Join([]string{pos.Fund, pos.Ticker, pos.Date}, "|")] = &cp
	return nil
}

func (s *OperationalStore) SaveExchangeRate(ctx context.Context, rate *models.ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rate
	s.rates[rate.Base+"|"+rate.Quote+"|"+rate.RateDate] = &cp
	return nil
}

func (s *OperationalStore) GetExchangeRate(ctx context.Context, base, quote, rateDate string) (*models.ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rates[base+"|"+quote+"|"+rateDate]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *OperationalStore) SaveDividend(ctx context.Context, div *models.Dividend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *div
	s.dividends[div.Ticker+"|"+div.ExDate] = &cp
	return nil
}

func (s *OperationalStore) ListDividends(ctx context.Context, ticker string) ([]*models.Dividend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Dividend
	for _, d := range s.dividends {
		if ticker == "" || d.Ticker == ticker {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExDate > out[j].ExDate })
	return out, nil
}

func (s *OperationalStore) SaveBenchmarkBar(ctx context.Context, bar *models.BenchmarkBar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *bar
	s.bars[bar.Symbol+"|"+bar.BarDate] = &cp
	return nil
}

func (s *OperationalStore) ListBenchmarkBars(ctx context.Context, symbol string, since string) ([]*models.BenchmarkBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BenchmarkBar
	for _, b := range s.bars {
		if b.Symbol == symbol && b.BarDate >= since {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BarDate < out[j].BarDate })
	return out, nil
}

func (s *OperationalStore) SavePerformanceMetric(ctx context.Context, m *models.PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.metrics[m.MetricDate] = &cp
	return nil
}

func (s *OperationalStore) GetPerformanceMetric(ctx context.Context, metricDate string) (*models.PerformanceMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[metricDate]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *OperationalStore) SaveInsiderTrade(ctx context.Context, trade *models.InsiderTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.Join([]string{
		trade.Ticker, trade.InsiderName, trade.TransactionDate, trade.TransactionType,
		strconv.FormatFloat(trade.Shares, 'f', -1, 64),
		strconv.FormatFloat(trade.Price, 'f', -1, 64),
	}, "|")
	if _, exists := s.insiders[key]; exists {
		return nil
	}
	cp := *trade
	s.insiders[key] = &cp
	return nil
}

func (s *OperationalStore) SaveCongressTrade(ctx context.Context, trade *models.CongressTrade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.Join([]string{trade.Politician, trade.Ticker, trade.TransactionDate, trade.AmountRange}, "|")
	if _, exists := s.congress[key]; exists {
		return false, nil
	}
	cp := *trade
	s.congress[key] = &cp
	return true, nil
}

func (s *OperationalStore) ListCongressTrades(ctx context.Context, ticker string, limit int) ([]*models.CongressTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.CongressTrade
	for _, t := range s.congress {
		if ticker == "" || t.Ticker == ticker {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionDate > out[j].TransactionDate })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
