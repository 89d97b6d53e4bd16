package store

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"lens/pkg/codec"
	"lens/pkg/document"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// derived is implemented by records whose id is a function of their
// content.
type derived interface {
	DerivedID() string
}

// Types returns a Schema accepting only the given document types. Each
// payload is decoded into a fresh value from its factory and checked
// against the value's `validate` struct tags. Records implementing
// DerivedID must sit at that id.
func Types(types map[string]func() any) Schema {
	return func(op *document.Operation) error {
		factory, ok := types[op.Type]
		if !ok {
			return fmt.Errorf("unknown document type %q", op.Type)
		}
		v := factory()
		if err := codec.Unmarshal(op.Payload, v); err != nil {
			return fmt.Errorf("decoding %s: %w", op.Type, err)
		}
		if err := validate.Struct(v); err != nil {
			return fmt.Errorf("invalid %s: %w", op.Type, err)
		}
		if d, ok := v.(derived); ok && d.DerivedID() != op.ID {
			return fmt.Errorf("%s record derives to %s, not %s", op.Type, d.DerivedID(), op.ID)
		}
		return nil
	}
}
