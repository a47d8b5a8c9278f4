package domain

// ActionConfiguration describes one action slot within a flow. The actual
// action implementation runs in an external worker; the core only tracks it.
type ActionConfiguration struct {
	Name    string
	Type    ActionType
	Collect *CollectConfig
}

// Flow is an ordered sequence of actions a DeltaFile moves through. Actions
// execute in list order; the file's stage is derived from the type of the
// action currently in flight.
type Flow struct {
	Name    string
	Actions []ActionConfiguration
}

// ActionConfiguration looks up a configured action by name.
func (f *Flow) ActionConfiguration(name string) *ActionConfiguration {
	for i := range f.Actions {
		if f.Actions[i].Name == name {
			return &f.Actions[i]
		}
	}
	return nil
}
