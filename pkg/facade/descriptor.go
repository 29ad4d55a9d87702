// Package facade provides the self-description type shared by the core's
// composite entry points (Sentinel, Maestro, CrossPlatformAdapter).
package facade

// Descriptor advertises a facade's identity and capabilities so a host
// process can introspect what it composes without importing internals.
type Descriptor struct {
	Name         string
	Domain       string
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
