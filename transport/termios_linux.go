package transport

import "golang.org/x/sys/unix"

const (
	ioctlTermiosGet = unix.TCGETS
	ioctlTermiosSet = unix.TCSETS
)

func setTermiosSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed & unix.CBAUD
}
