package tool

// InvokeObservation captures one tools/call outcome.
type InvokeObservation struct {
	Server     string
	Tool       string
	DurationMS int64
	Success    bool
	ErrorKind  Kind
}

// SessionObservation captures one session lifecycle step.
type SessionObservation struct {
	Server     string
	Phase      SessionPhase
	PID        int
	DurationMS int64
	ErrorKind  Kind
}

// SessionPhase names a lifecycle step reported to an Observer.
type SessionPhase string

const (
	SessionPhaseOpened     SessionPhase = "opened"
	SessionPhaseOpenFailed SessionPhase = "open_failed"
	SessionPhaseClosed     SessionPhase = "closed"
)

// Observer receives tool-level observability events. Implementations must
// be safe for concurrent use.
type Observer interface {
	ObserveInvoke(observation InvokeObservation)
	ObserveSession(observation SessionObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveInvoke(InvokeObservation)   {}
func (noopObserver) ObserveSession(SessionObservation) {}
