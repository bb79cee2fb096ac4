package domain

// StorageLevel grades local storage pressure.
type StorageLevel string

const (
	StorageOK       StorageLevel = "ok"
	StorageWarning  StorageLevel = "warning"
	StorageCritical StorageLevel = "critical"
)

// StorageStatus is a point-in-time usage report.
type StorageStatus struct {
	Usage int64        `json:"usage"`
	Quota int64        `json:"quota"`
	Ratio float64      `json:"ratio"`
	Level StorageLevel `json:"level"`
}
