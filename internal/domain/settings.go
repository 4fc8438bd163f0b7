package domain

// SettingKey names a minute-valued trading setting.
type SettingKey string

const (
	SettingStopLossReanalysis SettingKey = "stop_loss_reanalysis_minutes"
	SettingNormalReanalysis   SettingKey = "normal_reanalysis_minutes"
	SettingMonitoringInterval SettingKey = "monitoring_interval_minutes"
)

// SettingKeys lists every known setting.
var SettingKeys = []SettingKey{
	SettingStopLossReanalysis,
	SettingNormalReanalysis,
	SettingMonitoringInterval,
}

// Valid reports whether k is a known setting.
func (k SettingKey) Valid() bool {
	for _, known := range SettingKeys {
		if k == known {
			return true
		}
	}
	return false
}
