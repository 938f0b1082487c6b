// Package composition compiles pipeline expressions into state-keyed routing links.
//
// A composition is a list of statements separated by ';'. A statement is a chain of stages
// joined by '+'. A stage is one or more service names separated by ',' (fan-out). A name may
// carry a state guard in brackets, which restricts the link leaving it to outputs with that
// execution state:
//
//	n:c:reader+n:c:filter[done]+n:c:writer,n:c:monitor;
//
// Links leaving a stage that is not the first of its chain apply only when the data came
// from the previous stage, so a service may appear in several chains with different
// successors.
package composition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wehubfusion/dpe/pkg/engine"
)

type element struct {
	name  string
	state string
}

type stage []element

type statement []stage

// Compiled is the result of compiling a composition string.
type Compiled struct {
	source     string
	statements []statement
}

// Compile parses a composition. The empty string compiles to a composition without links.
func Compile(text string) (*Compiled, error) {
	c := &Compiled{source: text}
	for _, raw := range strings.Split(text, ";") {
		raw = strings.Join(strings.Fields(raw), "")
		if raw == "" {
			continue
		}
		st, err := parseStatement(raw)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", text, err)
		}
		c.statements = append(c.statements, st)
	}
	return c, nil
}

func parseStatement(raw string) (statement, error) {
	var st statement
	for _, rawStage := range strings.Split(raw, "+") {
		if rawStage == "" {
			return nil, fmt.Errorf("empty stage in %q", raw)
		}
		var sg stage
		for _, rawElem := range strings.Split(rawStage, ",") {
			el, err := parseElement(rawElem)
			if err != nil {
				return nil, err
			}
			sg = append(sg, el)
		}
		st = append(st, sg)
	}
	return st, nil
}

func parseElement(raw string) (element, error) {
	if raw == "" {
		return element{}, fmt.Errorf("empty service name")
	}
	open := strings.IndexByte(raw, '[')
	if open < 0 {
		if strings.ContainsRune(raw, ']') {
			return element{}, fmt.Errorf("unbalanced state guard in %q", raw)
		}
		return element{name: raw}, nil
	}
	if !strings.HasSuffix(raw, "]") || open == 0 {
		return element{}, fmt.Errorf("malformed state guard in %q", raw)
	}
	state := raw[open+1 : len(raw)-1]
	if state == "" || strings.ContainsAny(state, "[]") {
		return element{}, fmt.Errorf("malformed state guard in %q", raw)
	}
	return element{name: raw[:open], state: state}, nil
}

// Source returns the text the composition was compiled from.
func (c *Compiled) Source() string {
	return c.source
}

// Links returns the names of the services that receive the output of owner, given the
// service the data came from.
func (c *Compiled) Links(owner, input engine.ServiceState) []string {
	seen := make(map[string]struct{})
	for _, st := range c.statements {
		for i := 0; i < len(st)-1; i++ {
			if !st[i].matchesOwner(owner) {
				continue
			}
			if i > 0 && input.Name != "" && !st[i-1].contains(input.Name) {
				continue
			}
			for _, next := range st[i+1] {
				seen[next.name] = struct{}{}
			}
		}
	}
	links := make([]string, 0, len(seen))
	for name := range seen {
		links = append(links, name)
	}
	sort.Strings(links)
	return links
}

// Services returns every service named by the composition, sorted.
func (c *Compiled) Services() []string {
	seen := make(map[string]struct{})
	for _, st := range c.statements {
		for _, sg := range st {
			for _, el := range sg {
				seen[el.name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s stage) matchesOwner(owner engine.ServiceState) bool {
	for _, el := range s {
		if el.name == owner.Name && (el.state == "" || el.state == owner.State) {
			return true
		}
	}
	return false
}

func (s stage) contains(name string) bool {
	for _, el := range s {
		if el.name == name {
			return true
		}
	}
	return false
}
