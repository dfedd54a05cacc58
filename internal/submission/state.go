package submission

// State is the coordinator's position in a submission cycle.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateStreaming  State = "streaming"
	StateSettled    State = "settled"
	StateErrored    State = "errored"
)

// Final reports whether the cycle can make no further progress on its own.
func (s State) Final() bool {
	return s == StateSettled || s == StateErrored
}

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeRateLimited      NoticeKind = "rate_limited"
	NoticeSubmitFailed     NoticeKind = "submit_failed"
	NoticeStreamUnreliable NoticeKind = "stream_unreliable"
)

// Notice is a user-facing message raised by a cycle. Every failure the
// coordinator handles is reported as exactly one notice.
type Notice struct {
	Kind    NoticeKind
	Title   string
	Message string
	Err     error
}

const (
	rateLimitTitle   = "Slow down a bit"
	rateLimitMessage = "You submitted reviews too quickly. The limit resets each hour."
)

func rateLimitedNotice(err error) Notice {
	return Notice{Kind: NoticeRateLimited, Title: rateLimitTitle, Message: rateLimitMessage, Err: err}
}

func submitFailedNotice(err error) Notice {
	return Notice{Kind: NoticeSubmitFailed, Title: "Submission failed", Message: err.Error(), Err: err}
}

func streamNotice(err error) Notice {
	return Notice{
		Kind:    NoticeStreamUnreliable,
		Title:   "Live updates interrupted",
		Message: "The status stream failed; showing the last known status.",
		Err:     err,
	}
}
