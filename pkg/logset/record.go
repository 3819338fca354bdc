package logset

// DefaultDebounce is applied when a record omits debounce_time.
const DefaultDebounce = 600

// Record is a logset bound to a single zone, as pushed to an agent in the
// logsets message.
type Record struct {
	Name              string            `json:"name"`
	Zonename          string            `json:"zonename"`
	Zonerole          string            `json:"zonerole"`
	Regex             string            `json:"regex"`
	SearchDirs        []string          `json:"search_dirs"`
	SearchDirsPattern string            `json:"search_dirs_pattern,omitempty"`
	MantaPath         string            `json:"manta_path"`
	DateString        map[string]string `json:"date_string,omitempty"`
	DateAdjustment    string            `json:"date_adjustment,omitempty"`
	DebounceTime      *int              `json:"debounce_time,omitempty"`
	RetainTime        *int              `json:"retain_time,omitempty"`
	CustomerUUID      string            `json:"customer_uuid,omitempty"`
	NoUpload          bool              `json:"no_upload,omitempty"`
}

// GlobalZone names the host's own root filesystem.
const GlobalZone = "global"

// IsGlobal reports whether the record targets the global zone.
func (r Record) IsGlobal() bool { return r.Zonename == GlobalZone }

func intPtr(v int) *int { return &v }
