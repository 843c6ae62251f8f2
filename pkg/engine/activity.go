package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/microsoft/TeamCloud-sub005/pkg/telemetry"
)

// RetryPolicy controls how failed activity attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`

	// FirstInterval is the delay before the first retry.
	FirstInterval time.Duration `json:"first_interval" yaml:"first_interval" mapstructure:"first_interval"`

	// BackoffCoefficient multiplies the delay after every attempt.
	BackoffCoefficient float64 `json:"backoff_coefficient" yaml:"backoff_coefficient" mapstructure:"backoff_coefficient" validate:"gte=1"`

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`

	// AttemptTimeout bounds a single attempt. Zero means no bound.
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty" yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
}

// DefaultRetryPolicy returns the policy applied to activities registered
// without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        5,
		FirstInterval:      time.Second,
		BackoffCoefficient: 2,
		MaxInterval:        time.Minute,
	}
}

// Backoff calculates the delay after the given zero-based attempt.
// Throttled errors wait five times longer, conflicts twice as long.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	base := p.FirstInterval
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	delay := time.Duration(float64(base) * math.Pow(coefficient, float64(attempt)))

	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}

	// Add jitter (+12.5%)
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// ActivityInfo describes the activity attempt a context belongs to.
type ActivityInfo struct {
	InstanceID string
	Activity   string
	Attempt    int
}

type activityInfoKey struct{}

// ActivityInfoFromContext returns the attempt information injected by the invoker.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

// ActivityInvoker executes registered activities with retry.
type ActivityInvoker struct {
	registry *Registry
	policy   RetryPolicy
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
}

// NewActivityInvoker creates an invoker using policy for activities
// registered without their own.
func NewActivityInvoker(registry *Registry, policy RetryPolicy, tel *telemetry.Telemetry) *ActivityInvoker {
	return &ActivityInvoker{
		registry: registry,
		policy:   policy,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("activities"),
	}
}

// Invoke runs the named activity for instanceID, retrying retryable
// failures according to the activity's policy. Permanent and validation
// errors are returned after the first attempt.
func (a *ActivityInvoker) Invoke(ctx context.Context, instanceID, name string, input json.RawMessage) (json.RawMessage, error) {
	entry, ok := a.registry.activity(name)
	if !ok {
		return nil, NewPermanentError("activity not registered", nil).
			WithCode(ErrCodeNotFound).
			WithResource(name)
	}

	policy := a.policy
	if entry.policy != nil {
		policy = *entry.policy
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	ctx = a.tel.WithContext(ctx)
	ctx, span := a.tel.Tracer.StartActivitySpan(ctx, instanceID, name)
	defer span.End()

	timer := telemetry.NewTimer()

	var out any
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		out, err = a.attempt(ctx, entry.fn, policy, ActivityInfo{
			InstanceID: instanceID,
			Activity:   name,
			Attempt:    attempt + 1,
		}, input)
		if err == nil {
			break
		}

		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		// Don't retry on last attempt
		if attempt+1 >= policy.MaxAttempts {
			break
		}

		backoff := policy.Backoff(attempt, err)
		a.logger.WithInstanceID(instanceID).
			WithActivity(name, attempt+1).
			WithError(err).
			Warnf("activity failed, retrying in %s", backoff)
		a.tel.Metrics.RecordActivityRetry(name)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		classified := Classify(err)
		a.tel.Metrics.RecordActivity(name, "failed", timer.Duration())
		a.tel.Metrics.RecordError(string(classified.Class), classified.Code)
		telemetry.RecordError(span, err)
		return nil, classified
	}

	a.tel.Metrics.RecordActivity(name, "succeeded", timer.Duration())
	telemetry.RecordSuccess(span)

	data, err := json.Marshal(out)
	if err != nil {
		return nil, NewPermanentError("failed to encode activity output", err).WithResource(name)
	}
	return data, nil
}

func (a *ActivityInvoker) attempt(
	ctx context.Context,
	fn ActivityFunc,
	policy RetryPolicy,
	info ActivityInfo,
	input json.RawMessage,
) (out any, err error) {
	attemptCtx := context.WithValue(ctx, activityInfoKey{}, info)
	if policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, policy.AttemptTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = NewPermanentError(fmt.Sprintf("activity panicked: %v", r), nil).
				WithCode(ErrCodeInternal).
				WithResource(info.Activity)
		}
	}()

	out, err = fn(attemptCtx, input)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = NewTransientError("activity attempt timed out", err).
			WithCode(ErrCodeTimeout).
			WithResource(info.Activity)
	}
	return out, err
}
