// Package clubs provides the read-only registry of club coordinates,
// resolving display names and their aliases to one physical location.
package clubs

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stuartshay/commute-worker/internal/calculator"
)

// Club is one physical facility and the names it is known by
type Club struct {
	Name      string   `yaml:"name"`
	Latitude  float64  `yaml:"latitude"`
	Longitude float64  `yaml:"longitude"`
	Aliases   []string `yaml:"aliases"`
}

// Coordinate returns the club's location
func (c Club) Coordinate() calculator.Coordinate {
	return calculator.Coordinate{Latitude: c.Latitude, Longitude: c.Longitude}
}

// Table maps club display names and aliases to coordinates. It is immutable
// once built and safe for concurrent use.
type Table struct {
	clubs  []Club
	byName map[string]int
}

// DefaultClubs are the facilities known to the service
var DefaultClubs = []Club{
	{
		Name:      "HJ Colibri",
		Latitude:  43.2398083,
		Longitude: 76.9527295,
		Aliases:   []string{"Colibri", "HJ Колибри", "Колибри"},
	},
	{
		Name:      "HJ Promenade",
		Latitude:  43.2397899,
		Longitude: 76.9240991,
		Aliases:   []string{"Promenade", "HJ Променад", "Променад"},
	},
	{
		Name:      "HJ Villa",
		Latitude:  43.2116139,
		Longitude: 76.9180874,
		Aliases:   []string{"Villa", "HJ Вилла", "Вилла"},
	},
	{
		Name:      "HJ Nurly Orda",
		Latitude:  51.1403179,
		Longitude: 71.4102712,
		Aliases:   []string{"Nurly Orda", "HJ Нурлы Орда", "Нурлы Орда"},
	},
	{
		Name:      "HJ Europe City",
		Latitude:  51.1208937,
		Longitude: 71.4206657,
		Aliases:   []string{"Europe City", "HJ Европа Сити", "Европа Сити"},
	},
}

// NewTable builds a table from clubs. Names are matched case-insensitively
// after trimming; a name or alias claimed by two clubs is an error.
func NewTable(clubs []Club) (*Table, error) {
	t := &Table{
		clubs:  make([]Club, len(clubs)),
		byName: make(map[string]int),
	}
	copy(t.clubs, clubs)

	for i, c := range t.clubs {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("club %d has no name", i)
		}
		if !c.Coordinate().Valid() {
			return nil, fmt.Errorf("club %q has invalid coordinates (%f, %f)", c.Name, c.Latitude, c.Longitude)
		}
		for _, name := range append([]string{c.Name}, c.Aliases...) {
			key := normalize(name)
			if key == "" {
				continue
			}
			if prev, exists := t.byName[key]; exists && prev != i {
				return nil, fmt.Errorf("name %q is used by both %q and %q", name, t.clubs[prev].Name, c.Name)
			}
			t.byName[key] = i
		}
	}

	return t, nil
}

// Default returns the built-in table
func Default() *Table {
	t, err := NewTable(DefaultClubs)
	if err != nil {
		panic(fmt.Sprintf("built-in club table is invalid: %v", err))
	}
	return t
}

// LoadFile reads a YAML list of clubs. An empty path returns the built-in
// table.
func LoadFile(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read club file: %w", err)
	}

	var doc struct {
		Clubs []Club `yaml:"clubs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse club file: %w", err)
	}
	if len(doc.Clubs) == 0 {
		return nil, fmt.Errorf("club file %s defines no clubs", path)
	}

	return NewTable(doc.Clubs)
}

// Lookup resolves a display name or alias
func (t *Table) Lookup(name string) (calculator.Coordinate, bool) {
	club, ok := t.Club(name)
	if !ok {
		return calculator.Coordinate{}, false
	}
	return club.Coordinate(), true
}

// Club returns the canonical club entry for a display name or alias
func (t *Table) Club(name string) (Club, bool) {
	i, ok := t.byName[normalize(name)]
	if !ok {
		return Club{}, false
	}
	return t.clubs[i], true
}

// Names returns the canonical club names in sorted order
func (t *Table) Names() []string {
	names := make([]string, len(t.clubs))
	for i, c := range t.clubs {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
