package trigger

import (
	"github.com/djlord-it/watchrecord/internal/trigger/manual"
	"github.com/djlord-it/watchrecord/internal/trigger/schedule"
)

// NewDefaultRegistry returns a registry that knows every built-in event type.
// Manual events resolve their wrapped event through the same registry.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(schedule.NewDecoder())
	if err := r.Register(manual.NewDecoder(r)); err != nil {
		panic(err)
	}
	return r
}
