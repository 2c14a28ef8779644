package mbd

import (
	"strings"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// ModelRegistry maps an advertised LocalName prefix to a specific
// device class constructor.
// A session that matches no entry stays generic.
type ModelRegistry struct {
	scales []ModelEntry
}

// NewModelRegistry builds an empty registry; call RegisterScale to
// add entries.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{}
}

// RegisterScale adds a LocalName-prefix match for a specific scale
// class.
func (m *ModelRegistry) RegisterScale(prefix string, ctor func(Session) ScaleModel) {
	m.scales = append(m.scales, ModelEntry{Prefix: prefix, NewScale: ctor})
}

// Specialise picks the most specific class for session's role,
// returning the class name (empty for generic) and, for Scale roles, a
// constructed ScaleModel.
func (m *ModelRegistry) Specialise(role bus.DeviceRole, session Session) (class string, scale ScaleModel) {
	if role != bus.RoleScale {
		return "", nil
	}
	name := session.Advertisement().LocalName
	for _, entry := range m.scales {
		if strings.HasPrefix(name, entry.Prefix) {
			return entry.Prefix, entry.NewScale(session)
		}
	}
	return "", nil
}
