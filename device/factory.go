package device

import "fmt"

// reservedOptionKeys are option-dictionary keys the proxy uses for its own
// bookkeeping (socket plumbing, bus placement) rather than device
// configuration. They are stripped before a Factory ever sees the options.
var reservedOptionKeys = map[string]struct{}{
	"rid":           {},
	"socket":        {},
	"remote":        {},
	"command":       {},
	"exec":          {},
	"remote-device": {},
	"bus":           {},
	"addr":          {},
}

// StripReservedOptions returns a copy of opts with every reserved key
// removed, leaving only device-specific configuration for the Factory.
func StripReservedOptions(opts map[string]any) map[string]any {
	out := make(map[string]any, len(opts))

	for k, v := range opts {
		if _, reserved := reservedOptionKeys[k]; reserved {
			continue
		}

		out[k] = v
	}

	return out
}

// Factory constructs a Device from a decoded, reserved-key-stripped option
// dictionary. This is the Go-native replacement for dynamic QOM-style
// device instantiation by type name: a driver registers its Factory once
// at bootstrap, by name, instead of the type system discovering it.
type Factory interface {
	Create(opts map[string]any) (Device, error)
}

// FactoryFunc adapts a plain function to a Factory.
type FactoryFunc func(opts map[string]any) (Device, error)

func (f FactoryFunc) Create(opts map[string]any) (Device, error) {
	return f(opts)
}

// FactoryRegistry maps a driver-name string (the "driver" option key in a
// DEV_OPTS/DEVICE_ADD blob) to the Factory that builds it. It is populated
// once at bootstrap, before the link starts accepting command frames, and
// is read-only thereafter.
type FactoryRegistry struct {
	byName map[string]Factory
}

// NewFactoryRegistry returns an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{byName: make(map[string]Factory)}
}

// Register adds f under name, overwriting any previous registration.
func (r *FactoryRegistry) Register(name string, f Factory) {
	r.byName[name] = f
}

// Create looks up driver and invokes its Factory with the reserved keys
// already stripped from opts.
func (r *FactoryRegistry) Create(driver string, opts map[string]any) (Device, error) {
	f, ok := r.byName[driver]
	if !ok {
		return nil, fmt.Errorf("device: no factory registered for driver %q", driver)
	}

	return f.Create(StripReservedOptions(opts))
}
