// Package routing classifies fetched resources into destination topics.
//
// Classification is driven by a single ordered rule table keyed by resource
// type. Every rule is a pure function of the resource and the delivery
// action, so new resource types are table additions.
package routing

import (
	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
	"github.com/hospigen/fhir-bridge/internal/platform/notification"
)

// DecideFunc maps a resource of the rule's type to a category.
type DecideFunc func(res *fhir.Resource, action notification.Action) (Category, bool)

// Rule routes one resource type.
type Rule struct {
	Name         string
	ResourceType string
	Decide       DecideFunc
}

// Table is an ordered, versioned set of rules. The first rule for a
// resource type that yields a category wins.
type Table struct {
	Version string
	rules   []Rule
	byType  map[string][]int
}

// NewTable builds a table from rules in evaluation order.
func NewTable(version string, rules ...Rule) *Table {
	t := &Table{Version: version, byType: make(map[string][]int)}
	for _, r := range rules {
		t.byType[r.ResourceType] = append(t.byType[r.ResourceType], len(t.rules))
		t.rules = append(t.rules, r)
	}
	return t
}

// Rules returns the rules in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// ResourceTypes lists the resource types the table knows about.
func (t *Table) ResourceTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.rules {
		if !seen[r.ResourceType] {
			seen[r.ResourceType] = true
			out = append(out, r.ResourceType)
		}
	}
	return out
}

// Decide evaluates the rules for the resource's type.
func (t *Table) Decide(res *fhir.Resource, action notification.Action) (Category, Rule, bool) {
	if res == nil {
		return "", Rule{}, false
	}
	for _, i := range t.byType[res.Type()] {
		r := t.rules[i]
		if c, ok := r.Decide(res, action); ok {
			return c, r, true
		}
	}
	return "", Rule{}, false
}

// Decision is a positive routing result.
type Decision struct {
	Category Category
	Topic    string
	Rule     string
}

// Classifier combines a rule table with topic bindings.
type Classifier struct {
	table  *Table
	topics Topics
}

// NewClassifier returns a classifier. Nil arguments fall back to the
// default table and bindings.
func NewClassifier(table *Table, topics Topics) *Classifier {
	if table == nil {
		table = DefaultTable()
	}
	if topics == nil {
		topics = DefaultTopics()
	}
	return &Classifier{table: table, topics: topics}
}

// Table returns the rule table in use.
func (c *Classifier) Table() *Table { return c.table }

// Topics returns the topic bindings in use.
func (c *Classifier) Topics() Topics { return c.topics }

// Classify returns the routing decision for res, or false when the resource
// has no mapping.
func (c *Classifier) Classify(res *fhir.Resource, action notification.Action) (Decision, bool) {
	cat, rule, ok := c.table.Decide(res, action)
	if !ok {
		return Decision{}, false
	}
	topic := c.topics.Topic(cat)
	if topic == "" {
		return Decision{}, false
	}
	return Decision{Category: cat, Topic: topic, Rule: rule.Name}, true
}
