package approval

import (
	"time"

	"github.com/Mindburn-Labs/helm/guard/pkg/contracts"
)

// Recorder receives lifecycle measurements. Implementations must not block.
type Recorder interface {
	RequestCreated(action string)
	Decision(action string, outcome contracts.RequestStatus, latency time.Duration)
	Escalated(action string)
	PersonaSignal(action, persona string, state contracts.PersonaState)
	Override(action, outcome, reason string)
	PolicyReload(ok bool)
	Anomaly(kind string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RequestCreated(string)                                     {}
func (NopRecorder) Decision(string, contracts.RequestStatus, time.Duration)   {}
func (NopRecorder) Escalated(string)                                          {}
func (NopRecorder) PersonaSignal(string, string, contracts.PersonaState)      {}
func (NopRecorder) Override(string, string, string)                           {}
func (NopRecorder) PolicyReload(bool)                                         {}
func (NopRecorder) Anomaly(string)                                            {}
