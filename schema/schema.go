// Package schema implements the declarative subrecord grammar used to
// validate and dispatch the subrecords inside a plugin record: ordered
// collections of named slots with cardinality flags, and a discovery
// algorithm that walks an observed subrecord history to find which slot
// in the schema claims the next occurrence.
package schema

import "github.com/icza/bethesda-structs/errs"

// Decoder turns a subrecord's raw payload into a structured value.
type Decoder func(payload []byte) (interface{}, error)

// Node is either a Slot (leaf) or a Collection (nested group) in a
// record's schema tree.
type Node interface {
	schemaName() string
	isOptional() bool
	isMultiple() bool
}

// Slot is a schema leaf: one named subrecord, its decoder, and whether it
// is required/optional and single/repeating.
type Slot struct {
	Name     string
	Decode   Decoder
	Optional bool
	Multiple bool
}

func (s *Slot) schemaName() string { return s.Name }
func (s *Slot) isOptional() bool   { return s.Optional }
func (s *Slot) isMultiple() bool   { return s.Multiple }

// Collection is a schema node: an ordered sequence of children (slots or
// nested collections) sharing the same cardinality flags as a group.
type Collection struct {
	Name     string
	Items    []Node
	Optional bool
	Multiple bool
}

func (c *Collection) schemaName() string { return c.Name }
func (c *Collection) isOptional() bool   { return c.Optional }
func (c *Collection) isMultiple() bool   { return c.Multiple }

// Registry maps a record-type tag to the top-level collection describing
// its subrecord grammar.
type Registry map[string]*Collection

// lookahead depth-first searches items for the first Slot named target,
// recursing into nested collections in document order.
func lookahead(items []Node, target string) *Slot {
	for _, item := range items {
		switch v := item.(type) {
		case *Slot:
			if v.Name == target {
				return v
			}
		case *Collection:
			if found := lookahead(v.Items, target); found != nil {
				return found
			}
		}
	}
	return nil
}

func prevIndex(idx int) int {
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// parse walks c.Items consuming names, returning the schema nodes still
// expected after the walk (the remaining-expected tree) and how many
// names were consumed. A required single slot must be matched by exactly
// one consecutive history entry before the walk advances past it; an
// optional single may be skipped; a multiple slot consumes one-or-more
// consecutive matching entries; nested collections recurse the same way.
func (c *Collection) parse(names []string, strict bool) ([]Node, int, error) {
	itemIdx, nameIdx := 0, 0
	var results []Node

	for {
		if itemIdx >= len(c.Items) || nameIdx >= len(names) {
			results = append(results, c.Items[itemIdx:]...)
			return results, nameIdx, nil
		}
		item := c.Items[itemIdx]
		name := names[nameIdx]

		switch v := item.(type) {
		case *Slot:
			if v.Name == name {
				if !v.Multiple {
					itemIdx++
				}
				nameIdx++
				continue
			}
			if strict {
				prevName := names[prevIndex(nameIdx)]
				prevItem := c.Items[prevIndex(itemIdx)]
				switch {
				case name == prevItem.schemaName() && !prevItem.isMultiple():
					return nil, 0, &errs.UnexpectedSubrecord{Expected: prevItem.schemaName(), Got: name, RecordType: c.Name}
				case !v.Optional && !(v.Multiple && prevName == v.Name):
					return nil, 0, &errs.UnexpectedSubrecord{Expected: v.Name, Got: name, RecordType: c.Name}
				case lookahead(c.Items[itemIdx:], name) == nil:
					return nil, 0, &errs.UnexpectedSubrecord{Got: name, RecordType: c.Name}
				}
			}
			itemIdx++
		case *Collection:
			if lookahead(v.Items, name) != nil {
				nested, idx, err := v.parse(names[nameIdx:], strict)
				if err != nil {
					return nil, 0, err
				}
				results = append(results, nested...)
				if v.Multiple {
					results = append(results, v)
				}
				nameIdx += idx
			}
			itemIdx++
		}
	}
}

// handleStrict enforces that no required item ahead of target in items was
// skipped: it walks items in order, and any required slot that isn't
// target and isn't satisfied by a trailing multiple-match raises
// *errs.UnexpectedSubrecord. Returns true once target's own slot is
// reached, which stops enforcement for the remaining siblings.
func handleStrict(items []Node, names []string, target, recordType string) (bool, error) {
	if len(items) == 0 {
		return false, &errs.UnexpectedSubrecord{Got: target, RecordType: recordType}
	}
	for _, item := range items {
		switch v := item.(type) {
		case *Slot:
			if v.Name != target {
				if !v.Optional {
					if v.Multiple && len(names) > 0 && names[len(names)-1] == v.Name {
						continue
					}
					return false, &errs.UnexpectedSubrecord{Expected: v.Name, Got: target, RecordType: recordType}
				}
			} else {
				return true, nil
			}
		case *Collection:
			if !v.Optional || lookahead(v.Items, target) != nil {
				found, err := handleStrict(v.Items, names, target, recordType)
				if err != nil {
					return false, err
				}
				if found {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// Discover returns the slot that claims target, given the ordered list of
// subrecord tags already observed in the current record (history). In
// strict mode, ordering and required-before-target violations raise
// *errs.UnexpectedSubrecord; in non-strict mode those violations are
// skipped and discovery falls through to the first name match anywhere in
// what the schema still expects.
func (c *Collection) Discover(history []string, target string, strict bool) (*Slot, error) {
	rest, _, err := c.parse(history, strict)
	if err != nil {
		return nil, err
	}
	if strict {
		if _, err := handleStrict(rest, history, target, c.Name); err != nil {
			return nil, err
		}
	}
	found := lookahead(rest, target)
	if found == nil {
		return nil, &errs.UnexpectedSubrecord{Got: target, RecordType: c.Name}
	}
	return found, nil
}
