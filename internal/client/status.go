package client

// StatusKind classifies a provider status reply
type StatusKind int

const (
	// StatusUnknown is never terminal; callers keep polling.
	StatusUnknown StatusKind = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProviderStatus is the normalized result of a provider status call.
// URLs are temporary provider links and must be relayed before use.
type ProviderStatus struct {
	Kind      StatusKind
	URLs      []string
	Requested int    // sub-jobs under the reference
	Error     string // set when Kind is StatusFailed
	Raw       string // upstream status value, kept for StatusUnknown
}

// SubmitResult is the outcome of a provider submit. Exactly one of
// TempURL (sync) or Ref (async) is set.
type SubmitResult struct {
	Sync        bool
	TempURL     string
	Ref         string
	SubJobCount int
}
