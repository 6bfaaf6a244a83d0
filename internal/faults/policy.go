package faults

import "time"

// Rule says what to do for one category: Within is returned while fewer than
// Retries failures have been seen inside the window, Beyond afterwards.
type Rule struct {
	Retries int
	Within  Action
	Beyond  Action
}

// Policy is the category × retry-count table consulted by ClassifyAndHandle.
type Policy map[Category]Rule

// DefaultPolicy returns the built-in table.
//
//	audio          retry ×3, then degrade
//	recognition    fallback ×5, then degrade
//	resource       retry ×1, then degrade
//	configuration  fatal
//	unknown        retry ×1, then degrade
func DefaultPolicy() Policy {
	return Policy{
		CategoryAudio:         {Retries: 3, Within: ActionRetry, Beyond: ActionDegrade},
		CategoryRecognition:   {Retries: 5, Within: ActionFallback, Beyond: ActionDegrade},
		CategoryResource:      {Retries: 1, Within: ActionRetry, Beyond: ActionDegrade},
		CategoryConfiguration: {Retries: 0, Within: ActionFatal, Beyond: ActionFatal},
		CategoryUnknown:       {Retries: 1, Within: ActionRetry, Beyond: ActionDegrade},
	}
}

// decide looks up the action for cat after retries prior failures.
func (p Policy) decide(cat Category, retries int) Action {
	rule, ok := p[cat]
	if !ok {
		rule = p[CategoryUnknown]
	}
	if retries < rule.Retries {
		return rule.Within
	}
	if rule.Beyond == "" {
		return ActionDegrade
	}
	return rule.Beyond
}

// Backoff returns base·2ⁿ capped at max. n < 0 is treated as 0.
func Backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
