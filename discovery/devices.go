package discovery

import (
	"fmt"
	"strings"
)

// Device is an accepted USB vendor/product pair. An empty PID accepts every
// product of the vendor.
type Device struct {
	VID  string
	PID  string
	Name string
}

func (d Device) matches(vid, pid string) bool {
	return d.VID == vid && (d.PID == "" || d.PID == pid)
}

// KnownDevices are the modems accepted by default.
var KnownDevices = []Device{
	{VID: "12d1", PID: "1001", Name: "Huawei E169/E620"},
	{VID: "12d1", PID: "1003", Name: "Huawei E220"},
	{VID: "12d1", PID: "140c", Name: "Huawei E173/E180"},
	{VID: "12d1", PID: "1436", Name: "Huawei E1750/E3131"},
	{VID: "12d1", PID: "1506", Name: "Huawei E3276/E3372 (stick mode)"},
	{VID: "12d1", PID: "155e", Name: "Huawei E3372h"},
	{VID: "12d1", PID: "1c05", Name: "Huawei E173s"},
	{VID: "12d1", PID: "1c07", Name: "Huawei E188"},
	{VID: "19d2", PID: "", Name: "ZTE"},
	{VID: "1c9e", PID: "", Name: "Longcheer"},
}

// ParseDevices parses a comma separated list of vid:pid pairs. A pid of *
// or nothing accepts every product of the vendor.
func ParseDevices(s string) ([]Device, error) {
	var out []Device
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		item = strings.ToLower(item)
		vid, pid, _ := strings.Cut(item, ":")
		if !isHexID(vid) {
			return nil, fmt.Errorf("invalid vendor id in %q", item)
		}
		if pid == "*" {
			pid = ""
		}
		if pid != "" && !isHexID(pid) {
			return nil, fmt.Errorf("invalid product id in %q", item)
		}
		out = append(out, Device{VID: vid, PID: pid, Name: item})
	}
	return out, nil
}

func isHexID(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
