package orders

import (
	"context"
	"fmt"

	"lv-tradehook/internal/events"
	"lv-tradehook/internal/model"
	"lv-tradehook/internal/sessions"
	"lv-tradehook/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Enqueuer hands a job to the deferred execution mechanism and returns its id
// without waiting for execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) (string, error)
}

type Response struct {
	Status string         `json:"status"`
	JobID  string         `json:"job_id,omitempty"`
	Order  map[string]any `json:"order,omitempty"`
}

// Service dispatches authenticated orders either synchronously through the
// session pool or to the deferred queue.
type Service struct {
	pool     *sessions.Pool
	executor *Executor
	bus      *events.Bus
	log      *zap.Logger
	queue    Enqueuer
}

func NewService(pool *sessions.Pool, executor *Executor, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{pool: pool, executor: executor, bus: bus, log: log}
}

// SetEnqueuer switches the service to queue mode.
func (s *Service) SetEnqueuer(q Enqueuer) {
	s.queue = q
}

func (s *Service) Queued() bool {
	return s.queue != nil
}

func (s *Service) Handle(ctx context.Context, requestID string, req model.OrderRequest) (Response, error) {
	if s.queue != nil {
		job := req.Job(uuid.NewString())
		id, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			s.transition(requestID, job, types.StateFailed, "", err)
			return Response{}, err
		}
		s.transition(requestID, job, types.StateQueued, "", nil)
		return Response{Status: "queued", JobID: id}, nil
	}
	res, err := s.Execute(ctx, requestID, req.Job(requestID))
	if err != nil {
		return Response{}, err
	}
	return Response{Status: "success", Order: res.Raw}, nil
}

// Execute runs one order on a pooled session. The session is released on
// every exit path.
func (s *Service) Execute(ctx context.Context, requestID string, job model.Job) (model.OrderResult, error) {
	amount, err := decimal.NewFromString(job.Amount)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("job %s amount: %w", job.ID, err)
	}
	s.transition(requestID, job, types.StateExecuting, "", nil)
	sess, err := s.pool.Acquire(ctx, job.Venue, job.APIKey, job.Secret)
	if err != nil {
		s.transition(requestID, job, types.StateFailed, "", err)
		return model.OrderResult{}, err
	}
	defer s.pool.Release(sess)

	res, err := s.executor.Execute(ctx, sess, job.Symbol, job.Side, amount)
	if err != nil {
		s.transition(requestID, job, types.StateFailed, "", err)
		return model.OrderResult{}, err
	}
	s.transition(requestID, job, types.StateSucceeded, res.ID, nil)
	return res, nil
}

func (s *Service) transition(requestID string, job model.Job, state types.ExecutionState, orderID string, err error) {
	ev := events.Execution{
		RequestID: requestID,
		State:     state,
		Venue:     job.Venue,
		Symbol:    job.Symbol,
		Side:      job.Side,
		Amount:    job.Amount,
		OrderID:   orderID,
	}
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("state", string(state)),
		zap.String("venue", job.Venue),
		zap.String("symbol", job.Symbol),
		zap.String("side", job.Side),
		zap.String("amount", job.Amount),
	}
	if orderID != "" {
		fields = append(fields, zap.String("order_id", orderID))
	}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("order execution", append(fields, zap.Error(err))...)
	} else {
		s.log.Info("order execution", fields...)
	}
	s.bus.PublishExecution(ev)
}

// track publishes pre-dispatch transitions for a request.
func (s *Service) track(requestID string, state types.ExecutionState, mode types.AuthMode, req *model.OrderRequest) {
	ev := events.Execution{RequestID: requestID, State: state, Mode: string(mode)}
	if req != nil {
		ev.Venue = req.VenueID()
		ev.Symbol = req.Symbol
		ev.Side = string(req.Side)
		ev.Amount = req.Amount.String()
	}
	s.log.Debug("webhook", zap.String("request_id", requestID), zap.String("state", string(state)), zap.String("mode", string(mode)))
	s.bus.PublishExecution(ev)
}
