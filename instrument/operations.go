package instrument

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/arloliu/go-temserver/dispatch"
)

// Operations builds the operation table entries for m.
//
// Operations that change state return the state after the change, so every
// caller gets an acknowledgement specific to its own command. A closed handle
// is reported as dispatch.ErrInstrumentLost.
func Operations(m Microscope) []dispatch.Operation {
	ops := []dispatch.Operation{
		{
			Name: "getName",
			Doc:  "instrument identifier",
			Handler: func(dispatch.Args) (any, error) {
				return m.Name(), nil
			},
		},
		{
			Name: "getHighTension",
			Doc:  "accelerating voltage in volts",
			Handler: func(dispatch.Args) (any, error) {
				return wrap(m.HighTension())
			},
		},
		{
			Name: "getStagePosition",
			Doc:  "stage position {x, y, z, a, b}",
			Handler: func(dispatch.Args) (any, error) {
				return wrap(m.StagePosition())
			},
		},
		{
			Name:    "setStagePosition",
			Doc:     "move the stage; x, y, z, a, b (positional or keyword), omitted axes keep their value",
			Handler: moveStage(m),
		},
		{
			Name:    "goto",
			Doc:     "alias of setStagePosition",
			Handler: moveStage(m),
		},
		{
			Name: "isStageMoving",
			Doc:  "whether the stage is still travelling",
			Handler: func(dispatch.Args) (any, error) {
				return wrap(m.StageMoving())
			},
		},
		{
			Name: "stopStage",
			Doc:  "abort the current stage move",
			Handler: func(dispatch.Args) (any, error) {
				return nil, lost(m.StopStage())
			},
		},
		{
			Name: "getBeamShift",
			Doc:  "beam shift deflector {x, y}",
			Handler: func(dispatch.Args) (any, error) {
				return wrap(m.BeamShift())
			},
		},
		{
			Name: "setBeamShift",
			Doc:  "set beam shift; x, y",
			Handler: func(args dispatch.Args) (any, error) {
				cur, err := m.BeamShift()
				if err != nil {
					return nil, lost(err)
				}
				if cur.X, err = args.OptFloat(0, "x", cur.X); err != nil {
					return nil, err
				}
				if cur.Y, err = args.OptFloat(1, "y", cur.Y); err != nil {
					return nil, err
				}
				if err := m.SetBeamShift(cur); err != nil {
					return nil, lost(err)
				}

				return cur, nil
			},
		},
		{
			Name: "getMagnification",
			Doc:  "current magnification",
			Handler: func(dispatch.Args) (any, error) {
				return wrap(m.Magnification())
			},
		},
		{
			Name: "setMagnification",
			Doc:  "set magnification; value",
			Handler: func(args dispatch.Args) (any, error) {
				mag, err := args.Int(0, "value")
				if err != nil {
					return nil, err
				}
				if err := m.SetMagnification(mag); err != nil {
					return nil, lost(err)
				}

				return mag, nil
			},
		},
		{
			Name: "getFunctionMode",
			Doc:  "optical mode",
			Handler: func(dispatch.Args) (any, error) {
				return wrap(m.FunctionMode())
			},
		},
		{
			Name: "setFunctionMode",
			Doc:  fmt.Sprintf("set optical mode; value in %v", FunctionModes),
			Handler: func(args dispatch.Args) (any, error) {
				mode, err := args.String(0, "value")
				if err != nil {
					return nil, err
				}
				if err := m.SetFunctionMode(mode); err != nil {
					return nil, lost(err)
				}

				return mode, nil
			},
		},
	}

	docs := make(map[string]string, len(ops)+1)
	for _, op := range ops {
		docs[op.Name] = op.Doc
	}
	docs["listOperations"] = "names and descriptions of all operations"

	ops = append(ops, dispatch.Operation{
		Name: "listOperations",
		Doc:  docs["listOperations"],
		Handler: func(dispatch.Args) (any, error) {
			return docs, nil
		},
	})

	slices.SortFunc(ops, func(a, b dispatch.Operation) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return ops
}

// NewOperationTable builds the validated operation table for m.
func NewOperationTable(m Microscope) (*dispatch.OperationTable, error) {
	return dispatch.NewOperationTable(Operations(m)...)
}

func moveStage(m Microscope) dispatch.Handler {
	return func(args dispatch.Args) (any, error) {
		pos, err := m.StagePosition()
		if err != nil {
			return nil, lost(err)
		}

		axes := []struct {
			name string
			val  *float64
		}{{"x", &pos.X}, {"y", &pos.Y}, {"z", &pos.Z}, {"a", &pos.A}, {"b", &pos.B}}

		for i, axis := range axes {
			if *axis.val, err = args.OptFloat(i, axis.name, *axis.val); err != nil {
				return nil, err
			}
		}

		if err := m.SetStagePosition(pos); err != nil {
			return nil, lost(err)
		}

		return pos, nil
	}
}

func wrap[T any](v T, err error) (any, error) {
	if err != nil {
		return nil, lost(err)
	}

	return v, nil
}

// lost maps a closed handle to dispatch.ErrInstrumentLost.
func lost(err error) error {
	if err != nil && errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %w", dispatch.ErrInstrumentLost, err)
	}

	return err
}
