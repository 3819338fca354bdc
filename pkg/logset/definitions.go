package logset

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is a logset as written by operators. Zones lists the zone
// roles it applies to; "global" selects the host itself.
type Definition struct {
	Name              string            `yaml:"name" json:"name"`
	Zones             []string          `yaml:"zones" json:"zones"`
	Regex             string            `yaml:"regex" json:"regex"`
	SearchDirs        []string          `yaml:"search_dirs" json:"search_dirs"`
	SearchDirsPattern string            `yaml:"search_dirs_pattern,omitempty" json:"search_dirs_pattern,omitempty"`
	MantaPath         string            `yaml:"manta_path" json:"manta_path"`
	DateString        map[string]string `yaml:"date_string,omitempty" json:"date_string,omitempty"`
	DateAdjustment    string            `yaml:"date_adjustment,omitempty" json:"date_adjustment,omitempty"`
	DebounceTime      *int              `yaml:"debounce_time,omitempty" json:"debounce_time,omitempty"`
	RetainTime        *int              `yaml:"retain_time,omitempty" json:"retain_time,omitempty"`
	CustomerUUID      string            `yaml:"customer_uuid,omitempty" json:"customer_uuid,omitempty"`
	NoUpload          bool              `yaml:"no_upload,omitempty" json:"no_upload,omitempty"`
}

// Zone is a zone hosted on a compute node.
type Zone struct {
	UUID string
	Role string
}

type definitionsFile struct {
	Logsets []Definition `yaml:"logsets"`
}

// ParseDefinitions decodes a definitions document. JSON documents are
// accepted as well since they are valid YAML.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var doc definitionsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode logset definitions: %w", err)
	}
	if len(doc.Logsets) == 0 {
		return nil, errors.New("no logsets defined")
	}
	if err := Validate(doc.Logsets); err != nil {
		return nil, err
	}
	return doc.Logsets, nil
}

// LoadDefinitions reads and validates a definitions file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read logset definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// Validate compiles every definition once, as if bound to the global zone.
func Validate(defs []Definition) error {
	records := make([]Record, 0, len(defs))
	for _, d := range defs {
		if len(d.Zones) == 0 {
			return fmt.Errorf("logset %q: zones is required", d.Name)
		}
		records = append(records, d.record(GlobalZone, GlobalZone))
	}
	_, err := Load(records)
	return err
}

func (d Definition) record(zonename, zonerole string) Record {
	debounce := d.DebounceTime
	if debounce == nil {
		debounce = intPtr(DefaultDebounce)
	}
	retain := d.RetainTime
	if retain == nil {
		retain = intPtr(0)
	}
	return Record{
		Name:              d.Name,
		Zonename:          zonename,
		Zonerole:          zonerole,
		Regex:             d.Regex,
		SearchDirs:        append([]string(nil), d.SearchDirs...),
		SearchDirsPattern: d.SearchDirsPattern,
		MantaPath:         d.MantaPath,
		DateString:        d.DateString,
		DateAdjustment:    d.DateAdjustment,
		DebounceTime:      intPtr(*debounce),
		RetainTime:        intPtr(*retain),
		CustomerUUID:      d.CustomerUUID,
		NoUpload:          d.NoUpload,
	}
}

// FormatForHost binds definitions to the global zone and to every zone
// on a host whose role the definition lists.
func FormatForHost(defs []Definition, zones []Zone) []Record {
	var out []Record
	for _, d := range defs {
		roles := make(map[string]bool, len(d.Zones))
		for _, z := range d.Zones {
			roles[z] = true
		}
		if roles[GlobalZone] {
			out = append(out, d.record(GlobalZone, GlobalZone))
		}
		for _, z := range zones {
			if roles[z.Role] {
				out = append(out, d.record(z.UUID, z.Role))
			}
		}
	}
	return out
}
