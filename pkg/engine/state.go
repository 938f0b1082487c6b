package engine

// ServiceState pairs a service canonical name with an execution state. Composition links
// are keyed on it.
type ServiceState struct {
	Name  string
	State string
}

// NewServiceState builds a ServiceState.
func NewServiceState(name, state string) ServiceState {
	return ServiceState{Name: name, State: state}
}

func (s ServiceState) String() string {
	if s.State == "" {
		return s.Name
	}
	return s.Name + "[" + s.State + "]"
}
