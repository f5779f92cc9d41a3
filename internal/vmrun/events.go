package vmrun

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brayalter/vmwatch/pkg/models"
)

const (
	guestPowerShell = `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`
	eventTimeLayout = "2006-01-02 15:04:05"
	noEventMarker   = "None"
)

// eventReport is the JSON document the guest script writes
type eventReport struct {
	Count      int    `json:"count"`
	LatestTime string `json:"latest_time"`
}

// LatestSignal queries the guest's event log for the configured event ID
// within window and reports the most recent occurrence. The query runs inside
// the guest, its result is copied into CaptureDir and parsed on the host.
func (c *Client) LatestSignal(ctx context.Context, m models.Machine, window time.Duration) (models.EventObservation, error) {
	end := c.now()
	start := end.Add(-window)

	name := reportName(m)
	guestPath := `C:\` + name + ".txt"
	hostPath, err := c.captureFile(name)
	if err != nil {
		return models.EventObservation{}, err
	}
	defer os.Remove(hostPath)

	script := c.eventScript(start, end, guestPath)
	if _, err := c.run(ctx, c.guestArgs("runProgramInGuest", m.ID, guestPowerShell, "-Command", script)...); err != nil {
		return models.EventObservation{}, fmt.Errorf("run event query in guest: %w", err)
	}
	if _, err := c.run(ctx, c.guestArgs("copyFileFromGuestToHost", m.ID, guestPath, hostPath)...); err != nil {
		return models.EventObservation{}, fmt.Errorf("copy event report from guest: %w", err)
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return models.EventObservation{}, fmt.Errorf("read event report: %w", err)
	}
	obs, err := parseEventReport(m.ID, end, data)
	if err != nil {
		return models.EventObservation{}, err
	}

	c.logger.Debug("Event query finished", map[string]interface{}{
		"machine": m.Name,
		"event":   c.cfg.EventID,
		"count":   obs.EventCount,
		"signal":  obs.SignalPresent,
	})
	return obs, nil
}

// reportName is unique per machine: copied VMs often share a .vmx file name
func reportName(m models.Machine) string {
	sum := sha256.Sum256([]byte(strings.ToLower(m.ID)))
	return fmt.Sprintf("event_count_%s_%s", sanitize(m.Name), hex.EncodeToString(sum[:4]))
}

// captureFile reserves a fresh host file for one report so concurrent
// queries never share one
func (c *Client) captureFile(reportName string) (string, error) {
	dir, err := filepath.Abs(c.cfg.CaptureDir)
	if err != nil {
		return "", fmt.Errorf("resolve capture path: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}
	f, err := os.CreateTemp(dir, reportName+"_*.txt")
	if err != nil {
		return "", fmt.Errorf("create capture file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("create capture file: %w", err)
	}
	return name, nil
}

func (c *Client) guestArgs(args ...string) []string {
	if c.cfg.GuestUser == "" {
		return args
	}
	return append([]string{"-gu", c.cfg.GuestUser, "-gp", c.cfg.GuestPassword}, args...)
}

func (c *Client) eventScript(start, end time.Time, guestPath string) string {
	return fmt.Sprintf(
		"$events = @(Get-EventLog -LogName '%s' -After '%s' -Before '%s' -ErrorAction SilentlyContinue | "+
			"Where-Object {$_.EventID -eq %d} | Sort-Object TimeGenerated -Descending); "+
			"$latest = if ($events.Count -gt 0) { $events[0].TimeGenerated.ToString('yyyy-MM-dd HH:mm:ss') } else { '%s' }; "+
			"@{count=$events.Count; latest_time=$latest} | ConvertTo-Json -Compress | "+
			"Out-File -FilePath '%s' -Encoding ASCII",
		c.cfg.EventLog,
		start.Format(eventTimeLayout),
		end.Format(eventTimeLayout),
		c.cfg.EventID,
		noEventMarker,
		guestPath,
	)
}

// parseEventReport turns the guest report into an observation. Guest event
// times are wall-clock times in the host's zone.
func parseEventReport(machineID string, observedAt time.Time, data []byte) (models.EventObservation, error) {
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("\xef\xbb\xbf"))

	var report eventReport
	if err := json.Unmarshal(data, &report); err != nil {
		return models.EventObservation{}, fmt.Errorf("parse event report %q: %w", string(data), err)
	}

	latest := strings.TrimSpace(report.LatestTime)
	if report.Count <= 0 || latest == "" || strings.EqualFold(latest, noEventMarker) {
		return models.NoSignal(machineID, observedAt), nil
	}

	at, err := time.ParseInLocation(eventTimeLayout, latest, observedAt.Location())
	if err != nil {
		return models.EventObservation{}, fmt.Errorf("parse latest event time %q: %w", latest, err)
	}
	return models.SignalAt(machineID, observedAt, at, report.Count), nil
}

// sanitize keeps a machine name usable as a file name on both sides
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}
