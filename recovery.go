package rpdispatch

import (
	"context"
	"encoding/json"
	"errors"
)

// OutcomeKind tags the result of a single attempt of DispatchWithRecovery
type OutcomeKind int

const (
	// OutcomeSuccess carries the JSON body of a successful response
	OutcomeSuccess OutcomeKind = iota
	// OutcomeIgnored is a rejection the service expects clients to drop
	OutcomeIgnored
	// OutcomeCorrected carries options with a corrected start time to retry with
	OutcomeCorrected
	// OutcomeRejected is any other structured rejection. It is retried without delay.
	OutcomeRejected
	// OutcomeFailed is a transport failure or a response without a service error body.
	// It is retried after the retry delay unless IsRetryable says otherwise.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeCorrected:
		return "corrected"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one attempt
type Outcome struct {
	Kind OutcomeKind

	// Body is set for OutcomeSuccess
	Body json.RawMessage

	// Options and StartTime are set for OutcomeCorrected
	Options   RequestOptions
	StartTime int64

	// Err is set for every kind but OutcomeSuccess
	Err error
}

// DispatchWithRecovery sends a request that must reach the service.
//
// A rejection with error code 4001 returns no result and no error. A rejection saying
// the child started before its parent is corrected and sent again. Other rejections are
// sent again right away and any other failure after the retry delay, until the attempts
// run out and the last error is returned. A success response with a body that is not JSON
// is returned as a KindDecode error without sending the request again.
func (d *Dispatcher) DispatchWithRecovery(ctx context.Context, verb, path string, opts RequestOptions) (json.RawMessage, error) {
	target := d.target(path)

	for attempt := 1; ; attempt++ {
		out := d.attempt(ctx, verb, target, opts)
		remaining := d.maxAttempts - attempt

		switch out.Kind {
		case OutcomeSuccess:
			return out.Body, nil
		case OutcomeIgnored:
			return nil, nil
		case OutcomeCorrected:
			opts = out.Options
			d.onCorrection(out.StartTime)
		case OutcomeFailed:
			if !IsRetryable(out.Err) {
				d.logger.Error("Request failed",
					"request", d.requestInfo(verb, target),
					"error", out.Err)
				return nil, out.Err
			}
			d.logger.Error("Processing error",
				"request", d.requestInfo(verb, target),
				"retries_left", remaining,
				"error", out.Err)
		}

		if err := ctx.Err(); err != nil {
			return nil, errors.Join(out.Err, err)
		}
		if remaining <= 0 {
			return nil, out.Err
		}

		if out.Kind == OutcomeFailed {
			if err := d.sleeper.Sleep(ctx, d.retryStrategy(attempt)); err != nil {
				return nil, errors.Join(out.Err, err)
			}
		}
	}
}

// attempt sends the request once and classifies the result
func (d *Dispatcher) attempt(ctx context.Context, verb, target string, opts RequestOptions) Outcome {
	status, body, err := d.roundTrip(ctx, verb, target, opts)
	if err != nil {
		if IsKind(err, KindTransport) {
			d.recreateConnection()
		}
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	if status >= 200 && status < 300 {
		result, err := d.decode(verb, target, status, body)
		if err != nil {
			return Outcome{Kind: OutcomeFailed, Err: err}
		}
		return Outcome{Kind: OutcomeSuccess, Body: result}
	}

	dErr := &DispatchError{
		Kind:       KindStatus,
		Method:     verb,
		URI:        d.uri(target),
		StatusCode: status,
		Body:       string(body),
	}

	service, ok := parseServiceError(status, body)
	if !ok {
		return Outcome{Kind: OutcomeFailed, Err: dErr}
	}
	dErr.Kind = KindRejected
	dErr.Service = service

	d.logger.Warn("Request rejected by service",
		"request", d.requestInfo(verb, target),
		"status", status,
		"error_code", service.ErrorCode,
		"message", service.Message)

	if service.ErrorCode == ErrorCodeIgnorable {
		return Outcome{Kind: OutcomeIgnored, Err: dErr}
	}

	return d.correctStartTime(service, opts, dErr)
}

// correctStartTime moves the start time of the request body just after the parent's
// when the rejection is a start time ordering violation
func (d *Dispatcher) correctStartTime(service *ServiceError, opts RequestOptions, dErr *DispatchError) Outcome {
	violation, ok, err := ParseStartTimeViolation(service.Message)
	if !ok {
		return Outcome{Kind: OutcomeRejected, Err: dErr}
	}
	if err != nil {
		d.logger.Warn("Cannot correct start time", "error", err)
		return Outcome{Kind: OutcomeRejected, Err: dErr}
	}

	startTime := violation.CorrectedStartTime()
	childTime, _ := opts.startTime()

	corrected, err := opts.withStartTime(startTime)
	if err != nil {
		d.logger.Warn("Cannot correct start time", "error", err)
		return Outcome{Kind: OutcomeRejected, Err: dErr}
	}

	d.logger.Warn("Correcting child start time",
		"child", violation.Child,
		"child_start_time", childTime,
		"parent_start_time", violation.ParentTime.UnixMilli(),
		"start_time", startTime)

	return Outcome{Kind: OutcomeCorrected, Options: corrected, StartTime: startTime, Err: dErr}
}

// parseServiceError decodes the error envelope of a 4xx response
func parseServiceError(status int, body []byte) (*ServiceError, bool) {
	if status < 400 || status >= 500 || len(body) == 0 {
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false
	}
	if _, ok := raw["error_code"]; !ok {
		if _, ok := raw["message"]; !ok {
			return nil, false
		}
	}

	var service ServiceError
	if err := json.Unmarshal(body, &service); err != nil {
		return nil, false
	}
	return &service, true
}
