// Package nativectx manages native execution contexts on behalf of units of work.
//
// A Context is a registry execution context. The Manager binds one Context to
// each unit of work (UOW), switches it on and off logical threads as the unit
// of work is suspended and resumed, and ends it when the unit of work ends.
// Each logical thread has exactly one resident context; when no unit of work
// is active the thread runs on the designated native context.
package nativectx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/rrsbridge/internal/native"
	"github.com/Aidin1998/rrsbridge/pkg/metrics"
)

// UOW identifies the unit of work a context is bound to. Implementations must
// be comparable; the manager indexes contexts by UOW identity.
type UOW interface {
	fmt.Stringer
}

// State is the state of a Context.
type State int

const (
	// Clean means no unit of work is bound to the context.
	Clean State = iota
	// Active means the context is bound to a unit of work.
	Active
)

func (s State) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "CLEAN"
}

// Context is a native execution context.
type Context struct {
	token         native.Token
	registryToken native.Token
	uow           UOW
	state         State
	native        bool

	resident bool
	thread   native.ThreadID
}

// Token returns the context token. The native context has an empty token.
func (c *Context) Token() native.Token { return c.token }

// RegistryToken returns the context registry token.
func (c *Context) RegistryToken() native.Token { return c.registryToken }

// UOW returns the unit of work bound to the context, if any.
func (c *Context) UOW() UOW { return c.uow }

// State returns the context state.
func (c *Context) State() State { return c.state }

// IsNative reports whether c is the designated native context.
func (c *Context) IsNative() bool { return c.native }

func (c *Context) String() string {
	if c.native {
		return "native"
	}
	return c.token.String()
}

// Factory creates private contexts.
type Factory struct {
	port    native.Port
	rmToken native.Token
	logger  *zap.Logger
}

// NewFactory returns a factory creating contexts owned by the resource manager rmToken.
func NewFactory(port native.Port, rmToken native.Token, logger *zap.Logger) *Factory {
	return &Factory{port: port, rmToken: rmToken, logger: logger}
}

// Create begins a new native context. A non-OK return code yields no context.
func (f *Factory) Create(ctx context.Context) (*Context, error) {
	res := f.port.BeginContext(ctx, f.rmToken)
	if !res.RC.OK() {
		metrics.NativeFailures.WithLabelValues("beginContext").Inc()
		f.logger.Error("Failed to begin native context", zap.Stringer("rc", res.RC))
		return nil, native.Failure("beginContext", res.RC)
	}
	return &Context{
		token:         res.ContextToken,
		registryToken: res.ContextRegistryToken,
		state:         Clean,
	}, nil
}

// Destroyer ends private contexts.
type Destroyer struct {
	port   native.Port
	logger *zap.Logger
}

// NewDestroyer returns a Destroyer ending contexts through port.
func NewDestroyer(port native.Port, logger *zap.Logger) *Destroyer {
	return &Destroyer{port: port, logger: logger}
}

// Destroy ends c with the given mode. A failed end leaks registry resources and is fatal.
func (d *Destroyer) Destroy(ctx context.Context, c *Context, mode native.EndContextMode) error {
	if c.native {
		return nil
	}

	rc := d.port.EndContext(ctx, c.token, mode)
	c.uow = nil
	c.state = Clean
	if !rc.OK() {
		metrics.NativeFailures.WithLabelValues("endContext").Inc()
		d.logger.Error("Failed to end native context",
			zap.Stringer("context", c.token),
			zap.Stringer("mode", mode),
			zap.Stringer("rc", rc))
		return native.Fatal("endContext", rc)
	}

	if mode == native.EndContextForced {
		metrics.ContextOperations.WithLabelValues("end_forced").Inc()
	} else {
		metrics.ContextOperations.WithLabelValues("end").Inc()
	}
	return nil
}
