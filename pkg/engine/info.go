package engine

// Info carries the declarative part of an engine. Engines embed it and implement
// Configure and Execute themselves.
type Info struct {
	Inputs   []string
	Outputs  []string
	StateSet []string
	Desc     string
	Ver      string
	By       string
}

func (i Info) InputDataTypes() []string  { return i.Inputs }
func (i Info) OutputDataTypes() []string { return i.Outputs }
func (i Info) States() []string          { return i.StateSet }
func (i Info) Description() string       { return i.Desc }
func (i Info) Version() string           { return i.Ver }
func (i Info) Author() string            { return i.By }

// Reset does nothing by default.
func (Info) Reset() {}

// Destroy does nothing by default.
func (Info) Destroy() {}
