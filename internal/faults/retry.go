package faults

import "time"

// Policy describes the §4.3 retry table entry for one Kind.
type Policy struct {
	MaxRetries int
	// BaseBackoff is multiplied by 2^attempt (attempt starting at 0).
	BaseBackoff time.Duration
	Recoverable bool
}

var defaultPolicy = Policy{MaxRetries: 0, BaseBackoff: 0, Recoverable: false}

var policies = map[Kind]Policy{
	Timeout:     {MaxRetries: 3, BaseBackoff: 100 * time.Millisecond, Recoverable: true},
	CrcMismatch: {MaxRetries: 3, BaseBackoff: 100 * time.Millisecond, Recoverable: true},
	Malformed:   {MaxRetries: 3, BaseBackoff: 100 * time.Millisecond, Recoverable: true},
	// BufferOverflow and bare CorruptResponse fall through to the
	// default policy: 0 retries, fatal for that op.
}

// modbusExceptionPolicy returns the retry policy for a ModbusException
// fault given its code: 0x06 (busy) and 0x05 (ack) get 2 retries, every
// other exception code is not recoverable.
func modbusExceptionPolicy(code byte) Policy {
	switch code {
	case 0x06, 0x05:
		return Policy{MaxRetries: 2, BaseBackoff: 100 * time.Millisecond, Recoverable: true}
	default:
		return defaultPolicy
	}
}

// PolicyFor resolves the retry policy for a classified fault.
func PolicyFor(f *Fault) Policy {
	if f == nil {
		return defaultPolicy
	}
	if f.Kind == ModbusException {
		return modbusExceptionPolicy(f.Code)
	}
	if p, ok := policies[f.Kind]; ok {
		return p
	}
	return defaultPolicy
}

// Backoff returns the delay to wait before the given zero-based retry
// attempt, per the §4.3 "100 ms × 2^attempt" rule.
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BaseBackoff << uint(attempt)
}

// Context carries the identifying fields logged with every fault event.
type Context struct {
	Slave    byte
	Function byte
	Addr     uint16
}

// Run executes op, retrying per the classified fault's policy and
// logging every fault and eventual recovery through c. op returns the
// result T, a *Fault describing why the attempt failed (nil on
// success), and sleep is injected so tests can run without real delays.
func Run[T any](c *Classifier, ctx Context, sleep func(time.Duration), op func(attempt int) (T, *Fault)) (T, error) {
	var attempt int
	for {
		val, f := op(attempt)
		if f == nil {
			c.Recovered(ctx.Slave, ctx.Function, ctx.Addr, attempt)
			return val, nil
		}
		c.Record(Event{
			Timestamp: time.Now(),
			Kind:      f.Kind,
			Code:      f.Code,
			Slave:     ctx.Slave,
			Function:  ctx.Function,
			Addr:      ctx.Addr,
			Retry:     attempt,
		})
		policy := PolicyFor(f)
		if !policy.Recoverable || attempt >= policy.MaxRetries {
			var zero T
			return zero, f
		}
		if sleep != nil {
			sleep(policy.Backoff(attempt))
		}
		attempt++
	}
}
