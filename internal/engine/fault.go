package engine

// Fault is an engine-side failure tagged with a category name (for example
// "BadRequestError" or "EngineError"). The category ends up as the `type`
// field of the error payload sent to the client.
type Fault struct {
	Type string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Type
	}
	return f.Err.Error()
}

func (f *Fault) Unwrap() error { return f.Err }

func (f *Fault) FaultType() string { return f.Type }
