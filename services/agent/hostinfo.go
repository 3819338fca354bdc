package agent

import (
	"os"

	"golang.org/x/sys/unix"
)

func hostname() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err == nil {
		if name := unix.ByteSliceToString(u.Nodename[:]); name != "" {
			return name
		}
	}
	name, _ := os.Hostname()
	return name
}
