// Package catalog serves the wash programs offered at the kiosk.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("catalog: program not found")

// Program is one sellable wash.
type Program struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Mode        int           `yaml:"mode" json:"mode"` // controller wash mode 1..4
	PriceCents  int64         `yaml:"price_cents" json:"priceCents"`
	Duration    time.Duration `yaml:"duration" json:"duration"` // advertised length
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
}

// Static is a fixed program list, usually from the config file.
type Static struct {
	programs []Program
}

// NewStatic validates programs and returns a catalog over a copy of them.
func NewStatic(programs []Program) (*Static, error) {
	seen := make(map[string]bool, len(programs))
	for _, p := range programs {
		switch {
		case p.ID == "":
			return nil, fmt.Errorf("catalog: program %q has no id", p.Name)
		case seen[p.ID]:
			return nil, fmt.Errorf("catalog: duplicate program id %q", p.ID)
		case p.Mode < 1 || p.Mode > 4:
			return nil, fmt.Errorf("catalog: program %q: mode %d out of range 1..4", p.ID, p.Mode)
		case p.PriceCents <= 0:
			return nil, fmt.Errorf("catalog: program %q: price must be positive", p.ID)
		}
		seen[p.ID] = true
	}
	return &Static{programs: append([]Program(nil), programs...)}, nil
}

// ListPrograms returns the programs in configured order.
func (s *Static) ListPrograms(context.Context) ([]Program, error) {
	return append([]Program(nil), s.programs...), nil
}

// Find returns the program with id from any lister.
func Find(ctx context.Context, l interface {
	ListPrograms(context.Context) ([]Program, error)
}, id string) (Program, error) {
	programs, err := l.ListPrograms(ctx)
	if err != nil {
		return Program{}, err
	}
	for _, p := range programs {
		if p.ID == id {
			return p, nil
		}
	}
	return Program{}, fmt.Errorf("%w: %q", ErrNotFound, id)
}
