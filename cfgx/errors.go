package cfgx

import "strings"

// MultiError holds every error found by one parsing step.
type MultiError struct {
	Errs []error
}

func (m *MultiError) Error() string {
	msgs := make([]string, len(m.Errs))
	for i, err := range m.Errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.Errs
}
