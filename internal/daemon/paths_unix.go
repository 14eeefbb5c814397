//go:build !windows

package daemon

func defaultConfigDir() string {
	return "/etc/scanfleet"
}
