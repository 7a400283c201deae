// Package intent matches free-text chat against per-stage phrase rules
// and resolves deadline mentions. It is a pure classifier: mutation is
// the engine's job.
package intent

import (
	"fmt"
	"regexp"
	"strings"

	"dealline/internal/stage"
)

// RuleSpec is the serializable form of one intent rule, overridable
// from dealline.yml.
type RuleSpec struct {
	From       string   `yaml:"from" json:"from"`
	To         string   `yaml:"to" json:"to"`
	Patterns   []string `yaml:"patterns" json:"patterns"`
	OffsetDays int      `yaml:"offset_days" json:"offsetDays"`
	Note       string   `yaml:"note" json:"note"`
}

type rule struct {
	from     stage.Stage
	to       stage.Stage
	patterns []*regexp.Regexp
	offset   int
	note     string
}

// Classifier holds an ordered, pre-compiled rule table. First rule with
// the first matching pattern wins; no scoring.
type Classifier struct {
	rules []rule
}

// Match is a successful classification.
type Match struct {
	Target     stage.Stage
	OffsetDays int
	Note       string
}

// DefaultRules is the built-in intent catalog, one forward step per rule.
func DefaultRules() []RuleSpec {
	return []RuleSpec{
		{
			From:       "quote_sent",
			To:         "accepted",
			Patterns:   []string{`\bcotizaci[oó]n aceptada\b`, `\baceptaron\b`, `\bpropuesta aceptada\b`, `\basi es\b`, `\bsi\b`},
			OffsetDays: 2,
			Note:       "Aceptación confirmada vía chat.",
		},
		{
			From:       "accepted",
			To:         "po_received",
			Patterns:   []string{`\boc recibida\b`, `\bya lleg[oó] la oc\b`, `\brecibimos la oc\b`, `\btenemos oc\b`},
			OffsetDays: 1,
			Note:       "OC recibida confirmada vía chat.",
		},
		{
			From:       "po_received",
			To:         "invoice_sent",
			Patterns:   []string{`\bfactura enviada\b`, `\bya se envi[oó] la factura\b`, `\bfacturada\b`},
			OffsetDays: 30,
			Note:       "Envío de factura confirmado vía chat.",
		},
		{
			From:       "invoice_sent",
			To:         "payment_received",
			Patterns:   []string{`\bpago recibido\b`, `\bya pagaron\b`, `\bcobrado\b`, `\btransferencia recibida\b`},
			OffsetDays: 1,
			Note:       "Pago confirmado vía chat.",
		},
		{
			From:       "development_active",
			To:         "delivered",
			Patterns:   []string{`\bproyecto entregado\b`, `\bya se entreg[oó]\b`, `\bentrega lista\b`},
			OffsetDays: 1,
			Note:       "Entrega de proyecto confirmada vía chat.",
		},
	}
}

// NewClassifier compiles a rule catalog. Patterns compile once here,
// never per call.
func NewClassifier(specs []RuleSpec) (*Classifier, error) {
	if len(specs) == 0 {
		specs = DefaultRules()
	}
	c := &Classifier{}
	for i, s := range specs {
		if !stage.Valid(s.From) {
			return nil, fmt.Errorf("intent rule %d: unknown source stage %q", i, s.From)
		}
		if !stage.Valid(s.To) {
			return nil, fmt.Errorf("intent rule %d: unknown target stage %q", i, s.To)
		}
		if len(s.Patterns) == 0 {
			return nil, fmt.Errorf("intent rule %d: no patterns", i)
		}
		r := rule{
			from:   stage.Stage(s.From),
			to:     stage.Stage(s.To),
			offset: s.OffsetDays,
			note:   s.Note,
		}
		for _, p := range s.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("intent rule %d: pattern %q: %w", i, p, err)
			}
			r.patterns = append(r.patterns, re)
		}
		c.rules = append(c.rules, r)
	}
	return c, nil
}

// Default returns a classifier over the built-in catalog.
func Default() *Classifier {
	c, err := NewClassifier(nil)
	if err != nil {
		panic(err) // built-in patterns are static
	}
	return c
}

// Classify returns the matched transition for text against the deal's
// live stage, or false. Only rules whose source stage equals current
// are eligible, so chat intent can only walk the pipeline one step
// forward.
func (c *Classifier) Classify(current stage.Stage, text string) (Match, bool) {
	lowered := strings.ToLower(text)
	for _, r := range c.rules {
		if r.from != current {
			continue
		}
		for _, re := range r.patterns {
			if re.MatchString(lowered) {
				return Match{Target: r.to, OffsetDays: r.offset, Note: r.note}, true
			}
		}
	}
	return Match{}, false
}
