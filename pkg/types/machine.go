package types

// Machine is one entry of the roster returned by the upstream.
type Machine struct {
	ID          int64           `json:"id"`
	Archived    bool            `json:"archived"`
	Online      bool            `json:"online"`
	LastPlayed  string          `json:"last_played,omitempty"`
	Model       *MachineModel   `json:"model,omitempty"`
	Address     *MachineAddress `json:"address,omitempty"`
	CodeVersion string          `json:"code_version,omitempty"`
	TechAlerts  []TechAlert     `json:"last_seven_day_tech_alerts,omitempty"`
}

// MachineModel carries the game title metadata for a machine.
type MachineModel struct {
	Title         *MachineTitle `json:"title,omitempty"`
	ModelTypeName string        `json:"model_type_name,omitempty"`
}

// MachineTitle holds the branding assets of a game title.
type MachineTitle struct {
	Name              string `json:"name"`
	PrimaryBackground string `json:"primary_background,omitempty"`
	VariableWidthLogo string `json:"variable_width_logo,omitempty"`
	SquareLogo        string `json:"square_logo,omitempty"`
	GradientStart     string `json:"gradient_start,omitempty"`
	GradientStop      string `json:"gradient_stop,omitempty"`
}

// MachineAddress identifies where a machine is installed.
type MachineAddress struct {
	LocationID int64 `json:"location_id"`
}

// TechAlert is a service alert raised by a machine in the last seven days.
type TechAlert struct {
	Message     string `json:"message"`
	DateOfEvent string `json:"date_of_event,omitempty"`
}

// MachineDetail is the live detail resource of a single machine. Pointer
// fields distinguish "absent" from "false"/"empty" so the detail only
// overrides the roster record where the upstream actually sent a value.
type MachineDetail struct {
	PK          int64       `json:"pk"`
	Online      *bool       `json:"online"`
	LastPlayed  *string     `json:"last_played"`
	CodeVersion *string     `json:"code_version"`
	TechAlerts  []TechAlert `json:"last_seven_day_tech_alerts"`
}

// DisplayName returns the title name of the machine, or "Unknown".
func (m Machine) DisplayName() string {
	if m.Model != nil && m.Model.Title != nil && m.Model.Title.Name != "" {
		return m.Model.Title.Name
	}
	return UnknownName
}

// MergeDetail overlays the live detail fields onto base. Detail values win
// only when present; base is not modified.
func MergeDetail(base Machine, d *MachineDetail) Machine {
	if d == nil {
		return base
	}
	out := base
	if d.Online != nil {
		out.Online = *d.Online
	}
	if d.LastPlayed != nil {
		out.LastPlayed = *d.LastPlayed
	}
	if d.CodeVersion != nil {
		out.CodeVersion = *d.CodeVersion
	}
	if d.TechAlerts != nil {
		out.TechAlerts = append([]TechAlert(nil), d.TechAlerts...)
	}
	return out
}

// WithoutArchived returns the machines that are not archived, in order.
func WithoutArchived(ms []Machine) []Machine {
	out := make([]Machine, 0, len(ms))
	for _, m := range ms {
		if m.Archived {
			continue
		}
		out = append(out, m)
	}
	return out
}
