package loader

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig         = errors.New("loader: invalid config")
	ErrMalformedImage        = errors.New("loader: malformed image")
	ErrUnsupportedRelocation = errors.New("loader: unsupported relocation")
	ErrNoSuchApp             = errors.New("loader: no such application")
)

// UnresolvedSymbolError reports a named relocation whose symbol is neither
// exported by the runtime nor defined by the application.
type UnresolvedSymbolError struct {
	App    int
	Symbol string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("loader: app[%d]: unresolved symbol %q", e.App, e.Symbol)
}
