// ABOUTME: Finds processes holding an ALSA playback PCM open
// ABOUTME: Walks /proc/<pid>/fd through procfs and matches /dev/snd/pcmC<card>D0p
package sink

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/procfs"
)

// Holder is a process with the PCM device open
type Holder struct {
	PID  int
	Comm string
}

func (h Holder) String() string {
	return fmt.Sprintf("%s[%d]", h.Comm, h.PID)
}

// HolderScanner lists the holders of an ALSA card's first playback PCM
type HolderScanner interface {
	Holders(card int) ([]Holder, error)
}

// ProcScanner scans a proc filesystem
type ProcScanner struct {
	Root string // defaults to /proc
	Self int    // pid excluded from results; defaults to os.Getpid()
}

// PCMPath is the playback node of card's device 0
func PCMPath(card int) string {
	return fmt.Sprintf("/dev/snd/pcmC%dD0p", card)
}

// Holders implements HolderScanner
func (s ProcScanner) Holders(card int) ([]Holder, error) {
	root := s.Root
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	self := s.Self
	if self == 0 {
		self = os.Getpid()
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	want := PCMPath(card)
	var out []Holder
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			// Processes owned by other users or gone since the listing
			continue
		}
		for _, t := range targets {
			if t != want {
				continue
			}
			comm, _ := p.Comm()
			out = append(out, Holder{PID: p.PID, Comm: comm})
			break
		}
	}
	return out, nil
}

var soundServers = []string{"pipewire", "wireplumber", "pulseaudio"}

// IsSoundServer reports whether the holder is a sound server that a profile park releases
func (h Holder) IsSoundServer() bool {
	for _, s := range soundServers {
		if strings.HasPrefix(h.Comm, s) {
			return true
		}
	}
	return false
}
