// Command ringdump attaches to a ring channel file and prints its header
// counters and, optionally, the frames still queued in it. It is a debugging
// aid; attaching a second consumer to a live ring violates the
// single-consumer contract, so run it only against idle or copied files.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/N10h0ggr/gladix/pkg/events"
	"github.com/N10h0ggr/gladix/pkg/ringbuf"
)

func main() {
	var (
		decodeKind string
		consume    bool
	)
	cmd := &cobra.Command{
		Use:           "ringdump <ring-file>",
		Short:         "Inspect a shared-memory ring channel file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, args []string) error {
			return dump(args[0], decodeKind, consume)
		},
	}
	cmd.Flags().StringVarP(&decodeKind, "kind", "k", "", "decode frames as this sensor kind (filesystem, network, etw, process); inferred from the file name when empty")
	cmd.Flags().BoolVar(&consume, "consume", false, "advance the ring while reading instead of only printing counters")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ringdump:", err)
		os.Exit(1)
	}
}

func dump(path, decodeKind string, consume bool) error {
	region, err := ringbuf.OpenFileRegion(path)
	if err != nil {
		return err
	}
	defer region.Close()

	ring, err := ringbuf.Attach(region)
	if err != nil {
		return err
	}

	fmt.Printf("ring      %s\n", path)
	fmt.Printf("capacity  %d bytes\n", ring.Cap())
	fmt.Printf("queued    %d bytes\n", ring.Len())
	fmt.Printf("dropped   %d events\n", ring.Dropped())
	if !consume {
		return nil
	}

	kind, err := resolveKind(path, decodeKind)
	if err != nil {
		return err
	}

	buf := make([]byte, 64<<10)
	for i := 0; ; i++ {
		frame, err := ring.Read(buf)
		if err != nil {
			fmt.Printf("frame %-4d <%v>\n", i, err)
			continue
		}
		if frame == nil {
			return nil
		}
		if kind == 0 {
			fmt.Printf("frame %-4d %d bytes: %s\n", i, len(frame), hex.EncodeToString(frame))
			continue
		}
		ev, err := events.Decode(kind, frame)
		if err != nil {
			fmt.Printf("frame %-4d %d bytes, undecodable: %v\n", i, len(frame), err)
			continue
		}
		fmt.Printf("frame %-4d %s %s sensor=%s\n", i, ev.Time().Format("2006-01-02T15:04:05.000000Z07:00"), kind, ev.Sensor())
	}
}

// resolveKind maps the --kind flag, or failing that the ring file's base
// name, to a channel kind. Zero means dump raw hex.
func resolveKind(path, flag string) (events.Kind, error) {
	name := flag
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".ring")
	}
	for _, kind := range events.Kinds {
		if kind.String() == name {
			return kind, nil
		}
	}
	if flag != "" {
		return 0, fmt.Errorf("unknown kind %q", flag)
	}
	return 0, nil
}
