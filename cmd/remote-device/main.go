// Command remote-device is the out-of-process PCI device emulator: it
// speaks the control/MMIO link protocol to a hypervisor-side proxy over
// two pre-opened socket file descriptors given as its first two
// arguments.
package main

import (
	"os"

	"github.com/bobuhiro11/remotedev/remote"
)

func main() {
	os.Exit(remote.Main(os.Args[1:]))
}
