package capability

// RiskLevel represents the security risk level of a capability grant.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the lowercase name of the level.
func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "none"
	}
}

// RiskReport contains the overall risk assessment for a capability set.
type RiskReport struct {
	RiskFactors []RiskFactor
	Level       RiskLevel
}

// RiskFactor describes a single risk element in a capability set.
type RiskFactor struct {
	Description string
	Rule        string
	Level       RiskLevel
}

// AnalyzeRisk evaluates the risk level of a capability set.
func AnalyzeRisk(caps Set) RiskReport {
	report := RiskReport{
		Level: RiskNone,
	}

	addFactor := func(level RiskLevel, desc string, c Capability) {
		if level > RiskNone {
			report.RiskFactors = append(report.RiskFactors, RiskFactor{
				Level:       level,
				Description: desc,
				Rule:        c.String(),
			})
			if level > report.Level {
				report.Level = level
			}
		}
	}

	for _, c := range caps {
		switch c.Kind {
		case KindNetworkEgress:
			if c.IsBroad() {
				addFactor(RiskCritical, "Unrestricted network access", c)
			} else {
				addFactor(RiskMedium, "Outbound network access", c)
			}
		case KindFileWrite:
			if c.IsBroad() {
				addFactor(RiskCritical, "Unrestricted filesystem write", c)
			} else {
				addFactor(RiskHigh, "Filesystem write access", c)
			}
		case KindFileRead:
			if c.IsBroad() {
				addFactor(RiskHigh, "Unrestricted filesystem read", c)
			} else {
				addFactor(RiskMedium, "Filesystem read access", c)
			}
		case KindShellExec:
			if c.IsBroad() {
				addFactor(RiskCritical, "Arbitrary command execution", c)
			} else {
				addFactor(RiskHigh, "Command execution", c)
			}
		case KindCredentialRead:
			addFactor(RiskHigh, "Credential access", c)
		case KindEnvRead:
			addFactor(RiskLow, "Environment variable access", c)
		}
	}

	return report
}
