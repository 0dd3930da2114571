package supervisor

import "context"

// Child is the contract a supervised process implements. Start must either
// return an error or leave the child running; a child that dies later reports
// through ReportExit. All three calls run behind the supervisor's panic
// boundary and must be safe to invoke again after a failure.
type Child interface {
	Name() string
	Policy() RestartPolicy
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

// ChildSpec declares a child from plain functions, for callers that do not
// want a dedicated type. Start and Stop are required; Restart is optional and
// defaults to Stop followed by Start.
type ChildSpec struct {
	Name    string
	Policy  RestartPolicy
	Start   func(ctx context.Context) error
	Stop    func(ctx context.Context) error
	Restart func(ctx context.Context) error
}

// Child wraps the spec into the Child contract. Validation happens in
// AddChild, not here.
func (sp ChildSpec) Child() Child { return specChild{sp: sp} }

type specChild struct {
	sp ChildSpec
}

func (c specChild) Name() string          { return c.sp.Name }
func (c specChild) Policy() RestartPolicy { return c.sp.Policy }

func (c specChild) Start(ctx context.Context) error { return c.sp.Start(ctx) }
func (c specChild) Stop(ctx context.Context) error  { return c.sp.Stop(ctx) }

func (c specChild) Restart(ctx context.Context) error {
	if c.sp.Restart != nil {
		return c.sp.Restart(ctx)
	}
	// The child is usually already dead when a restart fires, so a failing
	// stop is not worth propagating.
	_ = c.sp.Stop(ctx)
	return c.sp.Start(ctx)
}
