package calendar

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// BootstrapFile is the on-disk seed for the calendar_days table. It is
// only read when the table is empty (fresh install) or when running
// without a database.
type BootstrapFile struct {
	Timezone    string        `yaml:"timezone"`
	Open        string        `yaml:"open"`
	Close       string        `yaml:"close"`
	Holidays    []DayOverride `yaml:"holidays"`
	EarlyCloses []DayOverride `yaml:"early_closes"`
}

// LoadBootstrap reads and validates a calendar seed file.
func LoadBootstrap(path string) (*BootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar file: %w", err)
	}

	var file BootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse calendar YAML: %w", err)
	}

	for i := range file.Holidays {
		file.Holidays[i].Holiday = true
	}
	for i, ec := range file.EarlyCloses {
		if ec.CloseClock == "" {
			return nil, fmt.Errorf("early close %q missing close time", ec.Date)
		}
		file.EarlyCloses[i].Holiday = false
	}
	return &file, nil
}

// Options converts the seed file into calendar construction options.
func (f *BootstrapFile) Options() Options {
	overrides := make([]DayOverride, 0, len(f.Holidays)+len(f.EarlyCloses))
	overrides = append(overrides, f.Holidays...)
	overrides = append(overrides, f.EarlyCloses...)
	return Options{
		Timezone:   f.Timezone,
		OpenClock:  f.Open,
		CloseClock: f.Close,
		Overrides:  overrides,
	}
}
