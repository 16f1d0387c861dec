package jobtypes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/netauto/conductor/internal/domain/model"
)

// DeviceAction performs the per-device work for a device-oriented job type
// and returns a result fragment for that device. Implementations talk to the
// network; tests inject fakes.
type DeviceAction func(ctx context.Context, device string, payload json.RawMessage) (json.RawMessage, error)

// DeviceJobHandler executes a job type across a device list, reporting
// progress per device and honoring cancellation between devices. Most job
// types in the system follow this shape.
type DeviceJobHandler struct {
	info   model.JobTypeInfo
	action DeviceAction
}

// NewDeviceJobHandler creates a handler for a device-oriented job type.
func NewDeviceJobHandler(info model.JobTypeInfo, action DeviceAction) *DeviceJobHandler {
	return &DeviceJobHandler{info: info, action: action}
}

// Info describes the job type.
func (h *DeviceJobHandler) Info() model.JobTypeInfo {
	return h.info
}

// Execute runs the per-device action over every target device. A device
// failure is recorded in the result and does not abort the remaining
// devices; the run only fails when every device failed.
func (h *DeviceJobHandler) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	devices := ec.TargetDevices
	if len(devices) == 0 {
		return nil, fmt.Errorf("no target devices resolved for run %s", ec.RunID)
	}

	type deviceResult struct {
		Device string          `json:"device"`
		OK     bool            `json:"ok"`
		Error  string          `json:"error,omitempty"`
		Detail json.RawMessage `json:"detail,omitempty"`
	}

	results := make([]deviceResult, 0, len(devices))
	failures := 0

	for i, device := range devices {
		// Checkpoint between devices.
		if ec.Cancelled() {
			return partialResult(results), ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return partialResult(results), err
		}

		ec.Progress(float64(i)/float64(len(devices))*100, "processing "+device)

		detail, err := h.action(ctx, device, ec.Payload)
		res := deviceResult{Device: device, OK: err == nil, Detail: detail}
		if err != nil {
			res.Error = err.Error()
			failures++
		}
		results = append(results, res)
	}

	ec.Progress(100, "done")

	raw, err := json.Marshal(map[string]any{
		"devices":  results,
		"total":    len(devices),
		"failures": failures,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if failures == len(devices) {
		return raw, fmt.Errorf("all %d devices failed", failures)
	}
	return raw, nil
}

func partialResult(results any) json.RawMessage {
	raw, err := json.Marshal(map[string]any{"devices": results, "partial": true})
	if err != nil {
		return nil
	}
	return raw
}

// BuiltinInfos describes the job types shipped with the service. The actions
// are wired in at bootstrap where the device transport lives.
func BuiltinInfos() []model.JobTypeInfo {
	return []model.JobTypeInfo{
		{
			Value:       "config_backup",
			Label:       "Configuration Backup",
			Description: "Collects and stores the running configuration from each target device.",
		},
		{
			Value:       "compliance_audit",
			Label:       "Compliance Audit",
			Description: "Evaluates device configuration against the selected ruleset.",
		},
		{
			Value:       "firmware_report",
			Label:       "Firmware Report",
			Description: "Gathers firmware versions across the target devices.",
		},
	}
}
