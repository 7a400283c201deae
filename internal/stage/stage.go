// Package stage holds the fixed commercial pipeline catalog. It is pure
// configuration data: no I/O, no state.
package stage

// Stage is one discrete position in the pipeline.
type Stage string

const (
	Negotiation       Stage = "negotiation"
	QuoteSent         Stage = "quote_sent"
	Accepted          Stage = "accepted"
	POReceived        Stage = "po_received"
	InvoiceSent       Stage = "invoice_sent"
	DevelopmentActive Stage = "development_active"
	PaymentReceived   Stage = "payment_received"
	Delivered         Stage = "delivered"
	ChangeMgmt30d     Stage = "change_mgmt_30d"
	Closed            Stage = "closed"
)

// All lists the catalog in pipeline order.
var All = []Stage{
	Negotiation, QuoteSent, Accepted, POReceived, InvoiceSent,
	DevelopmentActive, PaymentReceived, Delivered, ChangeMgmt30d, Closed,
}

const (
	// DefaultProbability applies to unknown stages.
	DefaultProbability = 0.25
	// DefaultSLADays applies to stages without an SLA entry (closed).
	DefaultSLADays = 3
	// DefaultQuestion applies to stages without a follow-up question.
	DefaultQuestion = "¿Cómo va este proyecto?"
)

var probabilities = map[Stage]float64{
	Negotiation:       0.25,
	QuoteSent:         0.40,
	Accepted:          0.65,
	POReceived:        0.80,
	InvoiceSent:       0.92,
	DevelopmentActive: 0.95,
	PaymentReceived:   1.00,
	Delivered:         1.00,
	ChangeMgmt30d:     1.00,
	Closed:            1.00,
}

var slaDays = map[Stage]int{
	Negotiation:       2,
	QuoteSent:         3,
	Accepted:          2,
	POReceived:        1,
	InvoiceSent:       30,
	DevelopmentActive: 7,
	PaymentReceived:   14,
	Delivered:         1,
	ChangeMgmt30d:     7,
}

var questions = map[Stage]string{
	Negotiation:       "¿Cómo va la cotización?",
	QuoteSent:         "¿Cómo va la cotización?",
	Accepted:          "¿Cuándo envían OC?",
	POReceived:        "¿Se recibió la OC y ya está lista la factura?",
	InvoiceSent:       "Han pasado 30 días, ¿se recibió el pago de la factura?",
	DevelopmentActive: "¿Se entregó el proyecto?",
	Delivered:         "¿Cómo va la gestión de cambio post-entrega?",
	ChangeMgmt30d:     "¿Seguimos sin incidencias en gestión del cambio?",
}

// Valid reports whether s names a catalog stage.
func Valid(s string) bool {
	_, ok := probabilities[Stage(s)]
	return ok
}

// Normalize maps unknown or empty stage values to negotiation.
func Normalize(s string) Stage {
	if Valid(s) {
		return Stage(s)
	}
	return Negotiation
}

// Probability returns the win probability used for valuation.
func Probability(s Stage) float64 {
	if p, ok := probabilities[s]; ok {
		return p
	}
	return DefaultProbability
}

// SLADays returns the default interval before the next follow-up is due.
func SLADays(s Stage) int {
	if d, ok := slaDays[s]; ok {
		return d
	}
	return DefaultSLADays
}

// Question returns the human follow-up question for a stage.
func Question(s Stage) string {
	if q, ok := questions[s]; ok {
		return q
	}
	return DefaultQuestion
}

// Terminal reports whether a stage is exempt from staleness detection.
func Terminal(s Stage) bool {
	return s == PaymentReceived || s == Closed
}
