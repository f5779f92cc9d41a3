package vmrun

import (
	"context"
	"fmt"
	"strings"

	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessProbe counts host hypervisor processes that still reference a
// machine's .vmx file
type ProcessProbe struct {
	// Names are matched case-insensitively as substrings of the process name
	Names []string
}

// NewProcessProbe returns a probe for VMware's per-machine worker process
func NewProcessProbe() *ProcessProbe {
	return &ProcessProbe{Names: []string{"vmware-vmx"}}
}

// Holders implements restart.LockProbe
func (p *ProcessProbe) Holders(ctx context.Context, m models.Machine) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	vmx := strings.ToLower(m.ID)
	holders := 0
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil || !p.matches(name) {
			continue // process may have exited
		}
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(cmdline), vmx) {
			holders++
		}
	}
	return holders, nil
}

func (p *ProcessProbe) matches(name string) bool {
	name = strings.ToLower(name)
	for _, n := range p.Names {
		if strings.Contains(name, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
