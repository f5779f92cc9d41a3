package models

import (
	"path/filepath"
	"strings"
)

// Machine is a powered-on virtual machine as reported by the control plane.
// ID is the handle the control interface understands (the .vmx path).
type Machine struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewMachine builds a Machine from its .vmx path
func NewMachine(vmxPath string) Machine {
	return Machine{ID: vmxPath, Name: NameFromPath(vmxPath)}
}

// NameFromPath derives a display name from a .vmx path
func NameFromPath(vmxPath string) string {
	// vmrun reports Windows paths even when we run elsewhere
	base := vmxPath
	if i := strings.LastIndexAny(base, `\/`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		return vmxPath
	}
	return base
}

func (m Machine) String() string {
	if m.Name == "" {
		return m.ID
	}
	return m.Name
}
