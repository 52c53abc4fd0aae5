// Package cards defines the ordered table of card faces shared by the server
// and its clients. A player's selection is an index into this table, so the
// order of the faces is part of the wire contract.
package cards

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFaces is the built-in Fibonacci-like deck.
var DefaultFaces = []int{0, 1, 2, 3, 5, 8, 13, 20, 40, 100}

// ErrEmptyDeck is returned when a deck definition contains no faces.
var ErrEmptyDeck = errors.New("deck must contain at least one card")

// Deck is an immutable, index-stable table of card faces.
type Deck struct {
	faces []int
}

// yamlDeckFile is the YAML representation of a deck file.
type yamlDeckFile struct {
	Cards []int `yaml:"cards"`
}

// NewDeck builds a Deck from the given faces.
//
// Precondition: faces must be non-empty and contain no negative values.
// Postcondition: Returns a Deck holding a private copy of faces, or an error.
func NewDeck(faces []int) (*Deck, error) {
	if len(faces) == 0 {
		return nil, ErrEmptyDeck
	}
	for i, f := range faces {
		if f < 0 {
			return nil, fmt.Errorf("card %d has negative face value %d", i, f)
		}
	}
	return &Deck{faces: append([]int(nil), faces...)}, nil
}

// Default returns the built-in deck.
func Default() *Deck {
	d, _ := NewDeck(DefaultFaces)
	return d
}

// LoadFromFile reads a deck from a YAML file of the form `cards: [0, 1, 2]`.
//
// Precondition: path must point to a readable YAML file.
// Postcondition: Returns a validated Deck or a non-nil error.
func LoadFromFile(path string) (*Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deck file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses a deck from YAML bytes.
func LoadFromBytes(data []byte) (*Deck, error) {
	var file yamlDeckFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing deck YAML: %w", err)
	}
	d, err := NewDeck(file.Cards)
	if err != nil {
		return nil, fmt.Errorf("validating deck: %w", err)
	}
	return d, nil
}

// Len returns the number of cards.
func (d *Deck) Len() int {
	return len(d.faces)
}

// Faces returns a copy of the faces in index order.
func (d *Deck) Faces() []int {
	return append([]int(nil), d.faces...)
}

// Valid reports whether index addresses a card in the deck.
func (d *Deck) Valid(index int) bool {
	return index >= 0 && index < len(d.faces)
}

// Face returns the face value at index.
//
// Postcondition: Returns (value, true) for a valid index, or (0, false) otherwise.
func (d *Deck) Face(index int) (int, bool) {
	if !d.Valid(index) {
		return 0, false
	}
	return d.faces[index], true
}
