package metadata

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// document is the YAML form of a model.
type document struct {
	Entities      []entityDoc       `yaml:"entities"`
	Relationships []relationshipDoc `yaml:"relationships"`
}

type entityDoc struct {
	Name               string        `yaml:"name"`
	Base               string        `yaml:"base"`
	Abstract           bool          `yaml:"abstract"`
	Discriminator      string        `yaml:"discriminator"`
	DiscriminatorValue any           `yaml:"discriminator_value"`
	Key                []string      `yaml:"key"`
	AlternateKeys      [][]string    `yaml:"alternate_keys"`
	Properties         []propertyDoc `yaml:"properties"`
}

type propertyDoc struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"type"`
	Nullable         bool   `yaml:"nullable"`
	MaxLength        int    `yaml:"max_length"`
	Generated        string `yaml:"generated"`
	ClientGenerated  bool   `yaml:"client_generated"`
	ConcurrencyToken bool   `yaml:"concurrency_token"`
	Shadow           bool   `yaml:"shadow"`
}

type relationshipDoc struct {
	Name         string   `yaml:"name"`
	Dependent    string   `yaml:"dependent"`
	Principal    string   `yaml:"principal"`
	ForeignKey   []string `yaml:"foreign_key"`
	PrincipalKey []string `yaml:"principal_key"`
	Navigation   string   `yaml:"navigation"`
	Inverse      string   `yaml:"inverse"`
	One          bool     `yaml:"one"`
	Required     *bool    `yaml:"required"`
	OnDelete     string   `yaml:"on_delete"`
	StoreCascade bool     `yaml:"store_cascade"`
	Deferred     bool     `yaml:"deferred"`
}

// LoadFile reads a YAML model from path.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: open model: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// LoadYAML reads a YAML model. Entity, property and navigation names are
// normalised to Go style, so "blog_id" becomes "BlogId". Instances of the
// loaded types are *Bag values.
func LoadYAML(r io.Reader) (*Model, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("metadata: decode model: %w", err)
	}
	b := NewBuilder()
	entities := make(map[string]*EntityBuilder, len(doc.Entities))
	for _, ed := range doc.Entities {
		eb := b.Entity(Normalize(ed.Name))
		entities[eb.name] = eb
		if ed.Base != "" {
			eb.Extends(Normalize(ed.Base))
		}
		if ed.Abstract {
			eb.Abstract()
		}
		if ed.Discriminator != "" {
			eb.Discriminator(Normalize(ed.Discriminator))
		}
		if ed.DiscriminatorValue != nil {
			eb.DiscriminatorValue(ed.DiscriminatorValue)
		}
		for _, pd := range ed.Properties {
			t, err := ParseType(pd.Type)
			if err != nil {
				return nil, fmt.Errorf("metadata: %s.%s: %w", ed.Name, pd.Name, err)
			}
			gen, err := ParseValueGenerated(pd.Generated)
			if err != nil {
				return nil, fmt.Errorf("metadata: %s.%s: %w", ed.Name, pd.Name, err)
			}
			pb := eb.Property(Normalize(pd.Name), t).Generated(gen).MaxLength(pd.MaxLength)
			if pd.Nullable {
				pb.Nullable()
			}
			if pd.ClientGenerated {
				pb.ClientGenerated()
			}
			if pd.ConcurrencyToken {
				pb.ConcurrencyToken()
			}
			if pd.Shadow {
				pb.Shadow()
			}
		}
		if len(ed.Key) > 0 {
			eb.Key(normalizeAll(ed.Key)...)
		}
		for _, ak := range ed.AlternateKeys {
			eb.AlternateKey(normalizeAll(ak)...)
		}
	}
	for _, rd := range doc.Relationships {
		dep, ok := entities[Normalize(rd.Dependent)]
		if !ok {
			return nil, fmt.Errorf("metadata: relationship references unknown dependent %q", rd.Dependent)
		}
		nav, inv := Normalize(rd.Navigation), Normalize(rd.Inverse)
		if nav != "" {
			dep.Reference(nav, ReferenceAccessor{})
		}
		rb := dep.HasOne(nav, Normalize(rd.Principal)).ForeignKey(normalizeAll(rd.ForeignKey)...).Name(rd.Name)
		if principal, ok := entities[Normalize(rd.Principal)]; ok && inv != "" {
			if rd.One {
				principal.Reference(inv, ReferenceAccessor{})
			} else {
				principal.Collection(inv, CollectionAccessor{})
			}
		}
		if rd.One {
			rb.WithOne(inv)
		} else {
			rb.WithMany(inv)
		}
		if len(rd.PrincipalKey) > 0 {
			rb.PrincipalKey(normalizeAll(rd.PrincipalKey)...)
		}
		if rd.Required != nil {
			if *rd.Required {
				rb.Required()
			} else {
				rb.Optional()
			}
		}
		if rd.OnDelete != "" {
			behavior, err := ParseDeleteBehavior(rd.OnDelete)
			if err != nil {
				return nil, err
			}
			rb.OnDelete(behavior)
		}
		if rd.StoreCascade {
			rb.StoreCascade()
		}
		if rd.Deferred {
			rb.Deferred()
		}
	}
	return b.Build()
}

// Normalize converts a snake, kebab or space separated name to Go style.
func Normalize(name string) string {
	title := cases.Title(language.Und)
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, p := range parts {
		parts[i] = title.String(p)
	}
	return strings.Join(parts, "")
}

func normalizeAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Normalize(n)
	}
	return out
}
