package agent

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// systemInfo describes this machine for the handshake. Screen size is left
// at zero when no display is reachable.
func (a *Agent) systemInfo(ctx context.Context) protocol.SystemInfo {
	host, _ := os.Hostname()
	info := protocol.SystemInfo{
		OS:           runtime.GOOS,
		OSVersion:    osVersion("/etc/os-release"),
		Architecture: runtime.GOARCH,
		Hostname:     host,
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	w, h, err := a.desktop.ScreenSize(ctx)
	if err != nil {
		a.logger.Debug("screen size unavailable", "error", err)
		return info
	}
	info.ScreenWidth, info.ScreenHeight = w, h
	return info
}

// osVersion prefers PRETTY_NAME from an os-release file and falls back to
// the kernel release.
func osVersion(osRelease string) string {
	if f, err := os.Open(osRelease); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if v, ok := strings.CutPrefix(sc.Text(), "PRETTY_NAME="); ok {
				return strings.Trim(v, `"'`)
			}
		}
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}
