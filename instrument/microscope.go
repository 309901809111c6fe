package instrument

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownKind indicates an instrument identifier without a registered driver.
var ErrUnknownKind = errors.New("unknown instrument kind")

// StagePosition is the goniometer position. X, Y, Z in nanometers; A, B in degrees.
type StagePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Vector is a two-component deflector setting.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Microscope is the capability surface the server exposes.
type Microscope interface {
	Name() string
	HighTension() (float64, error)

	StagePosition() (StagePosition, error)
	SetStagePosition(pos StagePosition) error
	StageMoving() (bool, error)
	StopStage() error

	BeamShift() (Vector, error)
	SetBeamShift(v Vector) error

	Magnification() (int, error)
	SetMagnification(mag int) error

	FunctionMode() (string, error)
	SetFunctionMode(mode string) error

	Close() error
}

// Factory creates a Microscope for a registered kind.
type Factory func() (Microscope, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"simulate": func() (Microscope, error) { return NewSimMicroscope(), nil },
	}
)

// Register adds a driver for kind. It fails if kind is already registered.
func Register(kind string, f Factory) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || f == nil {
		return errors.New("instrument kind and factory are required")
	}

	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, ok := factories[kind]; ok {
		return fmt.Errorf("instrument kind %q already registered", kind)
	}
	factories[kind] = f

	return nil
}

// Kinds returns the registered instrument kinds.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	return kinds
}

// Open creates the microscope registered under id.
func Open(id string) (Microscope, error) {
	kind := strings.ToLower(strings.TrimSpace(id))

	factoriesMu.RLock()
	f, ok := factories[kind]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownKind, id, strings.Join(Kinds(), ", "))
	}

	m, err := f()
	if err != nil {
		return nil, fmt.Errorf("open instrument %q: %w", id, err)
	}

	return m, nil
}

// FunctionModes lists the optical modes accepted by SetFunctionMode.
var FunctionModes = []string{"lowmag", "mag1", "samag", "diff"}

func validMode(mode string) bool {
	return slices.Contains(FunctionModes, mode)
}
