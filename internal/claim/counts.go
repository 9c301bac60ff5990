package claim

// Counts tracks how many units of a request sit in each generation phase.
type Counts struct {
	Queued         int `json:"queued"`
	ModelLoading   int `json:"model_loading"`
	BackendWaiting int `json:"backend_waiting"`
	Running        int `json:"running"`
}

// Add returns c with d applied component-wise.
func (c Counts) Add(d Counts) Counts {
	return Counts{
		Queued:         c.Queued + d.Queued,
		ModelLoading:   c.ModelLoading + d.ModelLoading,
		BackendWaiting: c.BackendWaiting + d.BackendWaiting,
		Running:        c.Running + d.Running,
	}
}

// Neg returns the component-wise negation of c.
func (c Counts) Neg() Counts {
	return Counts{
		Queued:         -c.Queued,
		ModelLoading:   -c.ModelLoading,
		BackendWaiting: -c.BackendWaiting,
		Running:        -c.Running,
	}
}

// IsZero reports whether every counter is zero.
func (c Counts) IsZero() bool {
	return c == Counts{}
}

func (c Counts) anyNegative() bool {
	return c.Queued < 0 || c.ModelLoading < 0 || c.BackendWaiting < 0 || c.Running < 0
}
