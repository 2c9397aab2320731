package services

// Outcome classifies the expected results of a business operation. Faults
// that are not one of these travel as errors.
type Outcome string

const (
	OutcomeSuccess        Outcome = "Success"
	OutcomeBusy           Outcome = "Busy"
	OutcomeOffline        Outcome = "Offline"
	OutcomeRejected       Outcome = "Rejected"
	OutcomeDisabled       Outcome = "Disabled"
	OutcomeNotFound       Outcome = "NotFound"
	OutcomeInvalid        Outcome = "Invalid"
	OutcomeProcessorError Outcome = "ProcessorError"
)

// Reasons reported with a non-success outcome.
const (
	ReasonOffline              = "Offline"
	ReasonConnectorUnavailable = "ConnectorUnavailable"
	ReasonConnectorFaulted     = "ConnectorFaulted"
	ReasonConnectorOccupied    = "ConnectorOccupied"
	ReasonConnectorCharging    = "ConnectorCharging"
	ReasonOpenTransaction      = "OpenTransaction"
	ReasonActiveReservation    = "ActiveReservation"
	ReasonPersistedStatus      = "PersistedStatus"
	ReasonPaymentsDisabled     = "PaymentsDisabled"
	ReasonNoPricing            = "NoPricing"
	ReasonZeroAmount           = "ZeroAmount"
	ReasonSessionMismatch      = "CheckoutSessionMismatch"
	ReasonNotCapturable        = "HoldNotCapturable"
	ReasonWrongState           = "WrongState"
	ReasonStartRejected        = "StartRejected"
	ReasonStartTimeout         = "StartTimeout"
)

type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`
}

func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

func success() Result { return Result{Outcome: OutcomeSuccess} }

func failure(o Outcome, reason, message string) Result {
	return Result{Outcome: o, Reason: reason, Message: message}
}
