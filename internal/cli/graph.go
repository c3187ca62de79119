package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syssam/tether/metadata"
	"github.com/syssam/tether/session"
)

// Graph is the YAML form of a unit of work: rows already in the store and
// the changes applied to them before a save.
//
//	existing:
//	  - {ref: b1, type: blog, values: {id: 1, name: go}}
//	changes:
//	  - {op: add, ref: p1, type: post, values: {title: hi}, refs: {blog: b1}}
//	  - {op: set, ref: b1, values: {name: golang}}
//	  - {op: remove, ref: b1}
type Graph struct {
	Existing []GraphEntity `yaml:"existing"`
	Changes  []GraphChange `yaml:"changes"`
}

// GraphEntity is a row materialized as Unchanged.
type GraphEntity struct {
	Ref    string         `yaml:"ref"`
	Type   string         `yaml:"type"`
	Values map[string]any `yaml:"values"`
}

// GraphChange is one edit of the tracked graph.
type GraphChange struct {
	Op     string         `yaml:"op"` // add, attach, update, set, remove, detach
	Ref    string         `yaml:"ref"`
	Type   string         `yaml:"type"`
	Values map[string]any `yaml:"values"`
	// Refs points reference navigations at other entities by ref. An
	// empty ref clears the navigation.
	Refs map[string]string `yaml:"refs"`
}

// LoadGraph reads a graph file.
func LoadGraph(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	defer f.Close()
	var g Graph
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", path, err)
	}
	return &g, nil
}

// Apply tracks the graph in s. It returns the entities by ref.
func (g *Graph) Apply(s *session.Session) (map[string]*metadata.Bag, error) {
	bags := make(map[string]*metadata.Bag)
	for _, ge := range g.Existing {
		values, err := normalizeValues(ge.Values)
		if err != nil {
			return nil, err
		}
		e, err := s.Materialize(metadata.Normalize(ge.Type), values)
		if err != nil {
			return nil, fmt.Errorf("existing %s: %w", ge.Ref, err)
		}
		bag, ok := e.Entity().(*metadata.Bag)
		if !ok {
			return nil, fmt.Errorf("existing %s: %T is not a model entity", ge.Ref, e.Entity())
		}
		if ge.Ref != "" {
			bags[ge.Ref] = bag
		}
	}
	for i, c := range g.Changes {
		if err := c.apply(s, bags); err != nil {
			return nil, fmt.Errorf("change %d (%s %s): %w", i+1, c.Op, c.Ref, err)
		}
	}
	return bags, nil
}

func (c GraphChange) apply(s *session.Session, bags map[string]*metadata.Bag) error {
	bag, ok := bags[c.Ref]
	switch {
	case ok && c.Type != "" && metadata.Normalize(c.Type) != bag.TypeName():
		return fmt.Errorf("ref is a %s", bag.TypeName())
	case !ok && c.Type == "":
		return fmt.Errorf("unknown ref")
	case !ok:
		bag = metadata.NewBag(metadata.Normalize(c.Type))
		if c.Ref != "" {
			bags[c.Ref] = bag
		}
	}
	typ, ok := s.Model().FindEntityType(bag.TypeName())
	if !ok {
		return fmt.Errorf("unknown entity type %s", bag.TypeName())
	}
	for name, v := range c.Values {
		p, ok := typ.FindProperty(metadata.Normalize(name))
		if !ok {
			return fmt.Errorf("unknown property %s.%s", typ.Name, name)
		}
		cv, err := metadata.Coerce(p.Type, v)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		bag.Set(p.Name, cv)
	}
	for name, ref := range c.Refs {
		nav := metadata.Normalize(name)
		if _, ok := typ.FindNavigation(nav); !ok {
			return fmt.Errorf("unknown navigation %s.%s", typ.Name, name)
		}
		if ref == "" {
			bag.SetRef(nav, nil)
			continue
		}
		target, ok := bags[ref]
		if !ok {
			return fmt.Errorf("navigation %s: unknown ref %s", nav, ref)
		}
		bag.SetRef(nav, target)
	}
	var err error
	switch c.Op {
	case "add":
		_, err = s.Add(bag)
	case "attach":
		_, err = s.Attach(bag)
	case "update":
		_, err = s.Update(bag)
	case "remove":
		_, err = s.Remove(bag)
	case "detach":
		s.Detach(bag)
	case "set":
		// Picked up by change detection.
	default:
		err = fmt.Errorf("unknown op %q", c.Op)
	}
	return err
}

func normalizeValues(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		n := metadata.Normalize(name)
		if _, dup := out[n]; dup {
			return nil, fmt.Errorf("duplicate value %s", n)
		}
		out[n] = v
	}
	return out, nil
}
