package base

import (
	"fmt"
)

// Severity is the ordered severity of a log record, lowest first
type Severity uint8

// Severity levels in ascending order
const (
	SeverityTrace Severity = iota
	SeverityDebug
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityFatal
)

var severityNames = [...]string{"trace", "debug", "info", "warn", "error", "fatal"}

func (sev Severity) String() string {
	if int(sev) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", uint8(sev))
	}
	return severityNames[sev]
}

// ParseSeverity resolves a severity by its lower-case name
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityTrace, fmt.Errorf("unknown severity '%s'", name)
}

// MarshalYAML provides custom marshalling for config and diagnostic dumps
func (sev Severity) MarshalYAML() (interface{}, error) {
	return sev.String(), nil
}

// UnmarshalYAML provides custom unmarshalling by severity name
func (sev *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*sev = parsed
	return nil
}
