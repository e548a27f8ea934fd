package identity

import (
	"sort"
	"strings"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

const Unknown = "unknown"

// Resolver maps a device or session id to the employee using it. It is
// immutable; build a new one on config reload.
type Resolver struct {
	defaultDevice string
	byDevice      map[string]model.Employee
	byEmployee    map[string]model.Employee
}

func NewResolver(cfg config.IdentityConfig) *Resolver {
	r := &Resolver{
		defaultDevice: strings.TrimSpace(cfg.DefaultDevice),
		byDevice:      make(map[string]model.Employee, len(cfg.Devices)),
		byEmployee:    make(map[string]model.Employee, len(cfg.Devices)),
	}
	for device, e := range cfg.Devices {
		device = strings.TrimSpace(device)
		if device == "" {
			continue
		}
		emp := model.Employee{ID: strings.TrimSpace(e.EmployeeID), Username: strings.TrimSpace(e.Username)}
		if emp.Username == "" {
			emp.Username = emp.ID
		}
		r.byDevice[device] = emp
		r.byEmployee[emp.ID] = emp
	}
	return r
}

// Resolve returns the employee for deviceID. An empty deviceID means the
// local default device. Unmapped devices resolve to the unknown employee.
func (r *Resolver) Resolve(deviceID string) (model.Employee, bool) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = r.defaultDevice
	}
	if emp, ok := r.byDevice[deviceID]; ok {
		return emp, true
	}
	return model.Employee{ID: Unknown, Username: Unknown}, false
}

func (r *Resolver) Employee(id string) (model.Employee, bool) {
	emp, ok := r.byEmployee[id]
	return emp, ok
}

func (r *Resolver) DefaultDevice() string {
	return r.defaultDevice
}

func (r *Resolver) Devices() []string {
	out := make([]string, 0, len(r.byDevice))
	for d := range r.byDevice {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
