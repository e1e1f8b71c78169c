package pwmstage

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/kr/pty"
	"github.com/pkg/errors"
)

// Flash loads the co-processor firmware by running the loader command.  The
// loader reports success without booting the target unless it has a TTY, so
// it runs under a PTY.
func Flash(command []string) error {
	if len(command) == 0 {
		return nil
	}
	fmt.Println("PWM: flashing co-processor with", command)
	cmd := exec.Command(command[0], command[1:]...)
	f, err := pty.Start(cmd)
	if err != nil {
		return errors.Wrapf(err, "failed to start %s", command[0])
	}
	defer f.Close()

	go io.Copy(os.Stdout, f)
	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "%s failed", command[0])
	}
	fmt.Println("PWM: flashed co-processor")

	// Give it time to boot.
	time.Sleep(25 * time.Millisecond)
	return nil
}
